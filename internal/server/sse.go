package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// replaySize is how many recent events are kept for Last-Event-ID
	// resumption.
	replaySize = 1000

	// streamKeepalive is how often an idle stream gets a comment line.
	streamKeepalive = 15 * time.Second

	listenerBuffer = 64
)

type streamEvent struct {
	ID    uint64
	Topic string
	Data  []byte // JSON
}

// replayLog is a fixed-size ring of the most recent events.
type replayLog struct {
	buf   []streamEvent
	start int
	n     int
}

func newReplayLog(size int) replayLog {
	return replayLog{buf: make([]streamEvent, size)}
}

func (l *replayLog) add(e streamEvent) {
	if len(l.buf) == 0 {
		return
	}
	if l.n < len(l.buf) {
		l.buf[(l.start+l.n)%len(l.buf)] = e
		l.n++
		return
	}
	l.buf[l.start] = e
	l.start = (l.start + 1) % len(l.buf)
}

// since returns the kept events after lastID, oldest first. gap reports
// that events after lastID were already evicted.
func (l *replayLog) since(lastID uint64) (events []streamEvent, gap bool) {
	for i := range l.n {
		e := l.buf[(l.start+i)%len(l.buf)]
		if e.ID > lastID {
			if events == nil && e.ID > lastID+1 {
				gap = true
			}
			events = append(events, e)
		}
	}
	return events, gap
}

// topicFilter is a list of NATS-style patterns; empty matches everything.
type topicFilter []string

func parseTopicFilter(q string) topicFilter {
	var f topicFilter
	for _, t := range strings.Split(q, ",") {
		if t = strings.TrimSpace(t); t != "" {
			f = append(f, t)
		}
	}
	return f
}

func (f topicFilter) match(topic string) bool {
	if len(f) == 0 {
		return true
	}
	for _, p := range f {
		if matchTopicPattern(p, topic) {
			return true
		}
	}
	return false
}

// matchTopicPattern matches a dot-separated topic. "*" matches one segment,
// a trailing ">" matches one or more.
func matchTopicPattern(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	pat := strings.Split(pattern, ".")
	top := strings.Split(topic, ".")
	for i, p := range pat {
		if p == ">" {
			return i < len(top)
		}
		if i >= len(top) || (p != "*" && p != top[i]) {
			return false
		}
	}
	return len(pat) == len(top)
}

type listener struct {
	filter  topicFilter
	ch      chan streamEvent
	dropped atomic.Int64
}

// streamHub numbers gate events and fans them out to stream listeners.
type streamHub struct {
	mu        sync.Mutex
	lastID    uint64
	log       replayLog
	listeners map[*listener]struct{}
}

func newStreamHub(size int) *streamHub {
	return &streamHub{
		log:       newReplayLog(size),
		listeners: make(map[*listener]struct{}),
	}
}

// publish records an event and offers it to every matching listener. A
// listener whose buffer is full misses the event.
func (h *streamHub) publish(topic string, data []byte) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastID++
	e := streamEvent{ID: h.lastID, Topic: topic, Data: data}
	h.log.add(e)
	for l := range h.listeners {
		if !l.filter.match(topic) {
			continue
		}
		select {
		case l.ch <- e:
		default:
			l.dropped.Add(1)
		}
	}
	return e.ID
}

// listen registers a listener. With resume set, the kept events after
// lastID matching the filter are returned for replay; registration and
// replay happen under one lock so nothing falls between them. An id from
// the future (a previous server process) counts as a gap.
func (h *streamHub) listen(filter topicFilter, lastID uint64, resume bool) (l *listener, replay []streamEvent, gap bool) {
	l = &listener{filter: filter, ch: make(chan streamEvent, listenerBuffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners[l] = struct{}{}
	if !resume {
		return l, nil, false
	}
	if lastID > h.lastID {
		lastID, gap = 0, true
	}
	events, evicted := h.log.since(lastID)
	for _, e := range events {
		if filter.match(e.Topic) {
			replay = append(replay, e)
		}
	}
	return l, replay, gap || evicted
}

func (h *streamHub) remove(l *listener) {
	h.mu.Lock()
	delete(h.listeners, l)
	h.mu.Unlock()
}

func writeStreamEvent(w io.Writer, e streamEvent) {
	if e.ID != 0 {
		fmt.Fprintf(w, "id:%d\n", e.ID)
	}
	fmt.Fprintf(w, "event:%s\ndata:%s\n\n", e.Topic, e.Data)
}

// handleDecisionStream serves GET /v1/decisions/stream.
//
// Query: topics (comma-separated patterns), snapshot=true to open with the
// current gate snapshot. A Last-Event-ID header resumes from the replay
// log; if events were lost in between, a paygate.stream.gap event is sent
// first so the client can re-read /v1/state. Snapshot and gap events carry
// no id.
func (s *Server) handleDecisionStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	filter := parseTopicFilter(r.URL.Query().Get("topics"))
	var lastID uint64
	resume := false
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid Last-Event-ID")
			return
		}
		lastID, resume = id, true
	}

	l, replay, gap := s.stream.listen(filter, lastID, resume)
	defer func() {
		s.stream.remove(l)
		if n := l.dropped.Load(); n > 0 {
			s.logger.Warn("server: slow stream client missed events", "dropped", n)
		}
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if gap {
		data, _ := json.Marshal(map[string]uint64{"last_event_id": lastID})
		writeStreamEvent(w, streamEvent{Topic: TopicStreamGap, Data: data})
	}
	if r.URL.Query().Get("snapshot") == "true" {
		data, err := json.Marshal(s.gate.Snapshot())
		if err == nil {
			writeStreamEvent(w, streamEvent{Topic: TopicStateSnapshot, Data: data})
		}
	}
	for _, e := range replay {
		writeStreamEvent(w, e)
	}
	flusher.Flush()

	keepalive := time.NewTicker(streamKeepalive)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case e := <-l.ch:
			writeStreamEvent(w, e)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ":keepalive\n\n")
			flusher.Flush()
		}
	}
}

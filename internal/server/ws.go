package server

import (
	"context"
	"net/http"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/alfredjeanlab/paygate/internal/events"
	"github.com/alfredjeanlab/paygate/internal/model"
)

// socketFrame is one message written to a WebSocket sink. Exactly one of
// Decision and Ack is set.
type socketFrame struct {
	Type     string                 `json:"type"` // "decision" or "ack"
	Decision *model.TriggerDecision `json:"decision,omitempty"`
	Ack      *socketAck             `json:"ack,omitempty"`
}

type socketAck struct {
	DecisionID string `json:"decision_id"`
	Error      string `json:"error,omitempty"`
}

// handleDecisionSocket handles GET /v1/decisions/ws. The connection gets
// its own gate subscription; the client may send FeedbackEvent frames back
// on the same socket.
func (s *Server) handleDecisionSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "closing")

	sub := s.gate.Subscribe()
	defer sub.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go s.readFeedback(ctx, cancel, conn)

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-sub.C():
			if !ok {
				conn.Close(websocket.StatusGoingAway, "gate closed")
				return
			}
			if err := wsjson.Write(ctx, conn, socketFrame{Type: "decision", Decision: &d}); err != nil {
				return
			}
		}
	}
}

func (s *Server) readFeedback(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	defer cancel()
	for {
		var ev events.FeedbackEvent
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			return
		}
		ack := socketAck{DecisionID: ev.DecisionID}
		if err := s.ingest.HandleFeedback(ctx, ev); err != nil {
			ack.Error = err.Error()
		} else {
			s.broadcastEvent(TopicFeedback, feedbackBroadcast{DecisionID: ev.DecisionID, Outcome: ev.Outcome})
		}
		if err := wsjson.Write(ctx, conn, socketFrame{Type: "ack", Ack: &ack}); err != nil {
			return
		}
	}
}

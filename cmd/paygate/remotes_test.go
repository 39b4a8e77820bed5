package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

// useProfilesFile points the remote commands at a fresh file.
func useProfilesFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state", "remotes.toml")
	t.Setenv("PAYGATE_REMOTES_FILE", path)
	return path
}

func runRemote(t *testing.T, c *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	c.SetOut(&buf)
	t.Cleanup(func() { c.SetOut(nil) })
	err := c.RunE(c, args)
	return buf.String(), err
}

func mustRemote(t *testing.T, c *cobra.Command, args ...string) string {
	t.Helper()
	out, err := runRemote(t, c, args...)
	if err != nil {
		t.Fatalf("%s %v: %v", c.Name(), args, err)
	}
	return out
}

func setFlag(t *testing.T, c *cobra.Command, name, value string) {
	t.Helper()
	prev := c.Flags().Lookup(name).Value.String()
	if err := c.Flags().Set(name, value); err != nil {
		t.Fatalf("set --%s: %v", name, err)
	}
	t.Cleanup(func() { _ = c.Flags().Set(name, prev) })
}

func TestProfilesFile(t *testing.T) {
	path := useProfilesFile(t)

	pf, err := readProfiles()
	if err != nil {
		t.Fatalf("read missing file: %v", err)
	}
	if pf.Remotes == nil || len(pf.Remotes) != 0 || pf.Active != "" {
		t.Fatalf("missing file should read as empty, got %+v", pf)
	}

	pf.Remotes["store-42"] = Remote{URL: "https://paygate.store42.example", Token: "tok_abc", NATSURL: "nats://store42:4222"}
	pf.Active = "store-42"
	if err := pf.write(); err != nil {
		t.Fatalf("write: %v", err)
	}
	for p, want := range map[string]os.FileMode{path: 0o600, filepath.Dir(path): 0o700} {
		info, err := os.Stat(p)
		if err != nil {
			t.Fatalf("stat %s: %v", p, err)
		}
		if got := info.Mode().Perm(); got != want {
			t.Errorf("%s mode = %04o, want %04o", p, got, want)
		}
	}

	again, err := readProfiles()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	name, r, err := again.lookup("")
	if err != nil {
		t.Fatalf("lookup active: %v", err)
	}
	if name != "store-42" || r.Token != "tok_abc" || r.NATSURL != "nats://store42:4222" {
		t.Fatalf("lookup = %q %+v", name, r)
	}

	if err := os.WriteFile(path, []byte("active = [\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := readProfiles(); err == nil {
		t.Fatal("expected a decode error for a corrupt file")
	}
}

func TestRemoteAddUseRemove(t *testing.T) {
	useProfilesFile(t)

	// The first remote becomes active on its own.
	mustRemote(t, remoteAddCmd, "lab", "http://localhost:8080/")
	mustRemote(t, remoteAddCmd, "store-7", "https://store7.example")

	pf, _ := readProfiles()
	if pf.Active != "lab" {
		t.Fatalf("Active = %q, want lab", pf.Active)
	}
	if pf.Remotes["lab"].URL != "http://localhost:8080" {
		t.Errorf("trailing slash should be trimmed, got %q", pf.Remotes["lab"].URL)
	}

	mustRemote(t, remoteUseCmd, "store-7")
	out := mustRemote(t, remoteListCmd)
	if !strings.Contains(out, "* store-7") || !strings.Contains(out, "  lab") {
		t.Errorf("list markers wrong:\n%s", out)
	}

	mustRemote(t, remoteRemoveCmd, "store-7")
	pf, _ = readProfiles()
	if _, ok := pf.Remotes["store-7"]; ok || pf.Active != "" {
		t.Fatalf("remove should drop the remote and clear active, got %+v", pf)
	}
	if _, err := runRemote(t, remoteShowCmd); err != errNoActiveRemote {
		t.Fatalf("show with no active = %v, want errNoActiveRemote", err)
	}
}

func TestRemoteAddWithUseFlag(t *testing.T) {
	useProfilesFile(t)
	mustRemote(t, remoteAddCmd, "a", "http://a")
	setFlag(t, remoteAddCmd, "use", "true")
	mustRemote(t, remoteAddCmd, "b", "http://b")

	pf, _ := readProfiles()
	if pf.Active != "b" {
		t.Fatalf("Active = %q, want b", pf.Active)
	}
}

func TestRemoteTokensRedacted(t *testing.T) {
	useProfilesFile(t)
	setFlag(t, remoteAddCmd, "token", "tok_verylongsecret")
	mustRemote(t, remoteAddCmd, "prod", "https://paygate.example")

	list := mustRemote(t, remoteListCmd)
	if strings.Contains(list, "tok_verylongsecret") || !strings.Contains(list, "tok_very...") {
		t.Errorf("list should truncate the token:\n%s", list)
	}
	show := mustRemote(t, remoteShowCmd, "prod")
	if strings.Contains(show, "tok_verylongsecret") || !strings.Contains(show, "tok_very**********") {
		t.Errorf("show should mask the token:\n%s", show)
	}

	jsonOutput = true
	defer func() { jsonOutput = false }()
	var got profileFile
	if err := json.Unmarshal([]byte(mustRemote(t, remoteListCmd)), &got); err != nil {
		t.Fatalf("decode --json list: %v", err)
	}
	if got.Remotes["prod"].Token != "tok_very..." {
		t.Fatalf("json token = %q", got.Remotes["prod"].Token)
	}
}

func TestRemotePing(t *testing.T) {
	useProfilesFile(t)
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer healthy.Close()
	degraded := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"degraded"}`))
	}))
	defer degraded.Close()

	mustRemote(t, remoteAddCmd, "up", healthy.URL)
	mustRemote(t, remoteAddCmd, "sick", degraded.URL)

	out := mustRemote(t, remotePingCmd, "up")
	if !strings.Contains(out, "up") || !strings.Contains(out, "ok") {
		t.Errorf("ping output:\n%s", out)
	}

	out, err := runRemote(t, remotePingCmd)
	if err == nil || !strings.Contains(err.Error(), "1 of 2 remotes unhealthy") {
		t.Fatalf("expected one unhealthy remote, got %v", err)
	}
	if !strings.Contains(out, "degraded") {
		t.Errorf("ping output should name the degraded status:\n%s", out)
	}
}

func TestRemoteErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		cmd  *cobra.Command
		args []string
	}{
		{"use unknown", remoteUseCmd, []string{"ghost"}},
		{"remove unknown", remoteRemoveCmd, []string{"ghost"}},
		{"show unknown", remoteShowCmd, []string{"ghost"}},
		{"ping unknown", remotePingCmd, []string{"ghost"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			useProfilesFile(t)
			_, err := runRemote(t, tc.cmd, tc.args...)
			if err == nil || !strings.Contains(err.Error(), `"ghost" not found`) {
				t.Fatalf("expected not-found error, got %v", err)
			}
		})
	}
}

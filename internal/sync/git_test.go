package sync

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// newClone creates a bare origin with one commit on main and returns the
// path of a working clone.
func newClone(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not found in PATH")
	}
	origin := t.TempDir()
	gitRun(t, origin, "init", "--bare")

	work := t.TempDir()
	gitRun(t, work, "clone", origin, "repo")
	repo := filepath.Join(work, "repo")
	gitRun(t, repo, "config", "user.email", "sync@paygate.test")
	gitRun(t, repo, "config", "user.name", "paygate")
	gitRun(t, repo, "checkout", "-b", "main")
	if err := os.WriteFile(filepath.Join(repo, ".gitkeep"), nil, 0o644); err != nil {
		t.Fatalf("write .gitkeep: %v", err)
	}
	gitRun(t, repo, "add", ".")
	gitRun(t, repo, "commit", "-m", "init")
	gitRun(t, repo, "push", "origin", "main")
	return repo
}

func gitRun(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

func TestGitDestination(t *testing.T) {
	ctx := context.Background()
	repo := newClone(t)
	dest := NewGitDestination(repo, "paygate.jsonl", "main")

	first := &Export{Data: []byte(`{"type":"header"}` + "\n"), StateVersion: 1, DecisionCount: 2, Pending: 1}
	if err := dest.Write(ctx, first); err != nil {
		t.Fatalf("first write: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(repo, "paygate.jsonl"))
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	if string(got) != string(first.Data) {
		t.Fatalf("export content = %q", got)
	}
	if msg := gitRun(t, repo, "log", "-1", "--format=%s"); msg != "paygate: export state v1 (2 decisions, 1 pending)" {
		t.Fatalf("commit message = %q", msg)
	}

	// Identical content leaves HEAD alone.
	head := gitRun(t, repo, "rev-parse", "HEAD")
	if err := dest.Write(ctx, first); err != nil {
		t.Fatalf("repeat write: %v", err)
	}
	if gitRun(t, repo, "rev-parse", "HEAD") != head {
		t.Fatal("unchanged export should not create a commit")
	}

	second := &Export{Data: []byte(`{"type":"header","decision_count":3}` + "\n"), StateVersion: 1, DecisionCount: 3}
	if err := dest.Write(ctx, second); err != nil {
		t.Fatalf("second write: %v", err)
	}
	if gitRun(t, repo, "rev-parse", "HEAD") == head {
		t.Fatal("changed export should create a commit")
	}
	if local, remote := gitRun(t, repo, "rev-parse", "HEAD"), gitRun(t, repo, "rev-parse", "origin/main"); local != remote {
		t.Fatalf("push did not reach origin: local %s remote %s", local, remote)
	}
}

func TestGitDestination_SubDirectory(t *testing.T) {
	repo := newClone(t)
	dest := NewGitDestination(repo, "exports/gate/paygate.jsonl", "main")

	ex := &Export{Data: []byte(`{"type":"header"}` + "\n")}
	if err := dest.Write(context.Background(), ex); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(repo, "exports", "gate", "paygate.jsonl"))
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	if string(got) != string(ex.Data) {
		t.Fatalf("export content = %q", got)
	}
}

func TestGitDestination_MissingBranch(t *testing.T) {
	repo := newClone(t)
	dest := NewGitDestination(repo, "paygate.jsonl", "no-such-branch")
	err := dest.Write(context.Background(), &Export{Data: []byte("x\n")})
	if err == nil || !strings.Contains(err.Error(), "git checkout") {
		t.Fatalf("expected checkout error, got %v", err)
	}
}

func TestExportMetadata(t *testing.T) {
	md := exportMetadata(&Export{StateVersion: 3, DecisionCount: 7, Pending: 2, Digest: "abc"})
	for k, want := range map[string]string{
		"state-version":  "3",
		"decision-count": "7",
		"pending":        "2",
		"digest":         "abc",
	} {
		if md[k] != want {
			t.Errorf("metadata[%q] = %q, want %q", k, md[k], want)
		}
	}
}

func TestDestinationNames(t *testing.T) {
	if got := NewGitDestination("/srv/exports", "paygate.jsonl", "main").Name(); got != "git:/srv/exports:paygate.jsonl" {
		t.Fatalf("git name = %q", got)
	}
	s3 := &S3Destination{bucket: "gate", key: "paygate/export.jsonl"}
	if got := s3.Name(); got != "s3://gate/paygate/export.jsonl" {
		t.Fatalf("s3 name = %q", got)
	}
}

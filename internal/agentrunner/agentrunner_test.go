package agentrunner_test

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/forgeworks/pipekernel/internal/agentrunner"
)

func requireSh(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func drain(t *testing.T, events <-chan agentrunner.StreamChunk, timeout time.Duration) []agentrunner.StreamChunk {
	t.Helper()
	var out []agentrunner.StreamChunk
	deadline := time.After(timeout)
	for {
		select {
		case c, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, c)
		case <-deadline:
			t.Fatal("timed out draining events")
		}
	}
}

func TestSpawn_ParsesStreamAndEmitsDone(t *testing.T) {
	requireSh(t)
	script := `cat >/dev/null
echo '{"type":"assistant:text","text":"hello"}'
echo '{"type":"cost:update","inputTokens":5,"outputTokens":2,"costUsd":0.01}'
echo '{"type":"done","exitCode":0}'
`
	r := agentrunner.New("sh", "-c", script)
	sess, err := r.Spawn(context.Background(), "sess-1", agentrunner.SpawnOptions{
		Prompt: "do the thing", WorkingDirectory: t.TempDir(), PipelineID: "pipe-1", Model: "sonnet",
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	chunks := drain(t, sess.Events, 5*time.Second)
	sess.Wait()

	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d: %+v", len(chunks), chunks)
	}
	if chunks[0].Type != agentrunner.ChunkAssistantText || chunks[0].Text != "hello" {
		t.Fatalf("unexpected first chunk: %+v", chunks[0])
	}
	if chunks[1].Type != agentrunner.ChunkCostUpdate || chunks[1].InputTokens != 5 || chunks[1].OutputTokens != 2 {
		t.Fatalf("unexpected cost chunk: %+v", chunks[1])
	}
	last := chunks[len(chunks)-1]
	if last.Type != agentrunner.ChunkDone || last.ExitCode != 0 {
		t.Fatalf("expected terminal done chunk with exit 0, got %+v", last)
	}
}

func TestSpawn_NonzeroExitSurfacedInDoneChunk(t *testing.T) {
	requireSh(t)
	script := `cat >/dev/null
exit 3
`
	r := agentrunner.New("sh", "-c", script)
	sess, err := r.Spawn(context.Background(), "sess-1", agentrunner.SpawnOptions{
		Prompt: "x", WorkingDirectory: t.TempDir(), PipelineID: "pipe-1",
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	chunks := drain(t, sess.Events, 5*time.Second)
	sess.Wait()

	if len(chunks) != 1 || chunks[0].Type != agentrunner.ChunkDone || chunks[0].ExitCode != 3 {
		t.Fatalf("expected single done chunk with exitCode 3, got %+v", chunks)
	}
}

func TestSpawn_MalformedLineEmitsNonTerminalError(t *testing.T) {
	requireSh(t)
	script := `cat >/dev/null
echo 'not json'
echo '{"type":"done","exitCode":0}'
`
	r := agentrunner.New("sh", "-c", script)
	sess, err := r.Spawn(context.Background(), "sess-1", agentrunner.SpawnOptions{
		Prompt: "x", WorkingDirectory: t.TempDir(), PipelineID: "pipe-1",
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	chunks := drain(t, sess.Events, 5*time.Second)
	sess.Wait()

	if len(chunks) != 2 {
		t.Fatalf("expected error chunk + done chunk, got %+v", chunks)
	}
	if chunks[0].Type != agentrunner.ChunkError {
		t.Fatalf("expected first chunk to be a non-terminal error, got %+v", chunks[0])
	}
	if chunks[1].Type != agentrunner.ChunkDone {
		t.Fatalf("expected stream to still terminate with done, got %+v", chunks[1])
	}
}

func TestKillByPipeline_TerminatesTrackedSessions(t *testing.T) {
	requireSh(t)
	script := `cat >/dev/null
sleep 30
echo '{"type":"done","exitCode":0}'
`
	r := agentrunner.New("sh", "-c", script)
	sess, err := r.Spawn(context.Background(), "sess-1", agentrunner.SpawnOptions{
		Prompt: "x", WorkingDirectory: t.TempDir(), PipelineID: "pipe-1",
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if got := r.ActiveCount(); got != 1 {
		t.Fatalf("expected 1 active session, got %d", got)
	}

	r.KillByPipeline("pipe-1")

	done := make(chan struct{})
	go func() {
		sess.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("expected killed session to finish quickly")
	}

	if got := r.ActiveCount(); got != 0 {
		t.Fatalf("expected 0 active sessions after kill, got %d", got)
	}
}

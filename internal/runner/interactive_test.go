package runner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drover/drover/internal/events"
)

func TestInteractiveTurnsUseSessionThenResume(t *testing.T) {
	requireUnix(t)
	argsFile := filepath.Join(t.TempDir(), "args")
	t.Setenv("STUB_ARGS_FILE", argsFile)
	stub := writeStub(t, `
printf '%s\n' "$@" > "$STUB_ARGS_FILE"
echo '{"type":"assistant","content":"reply"}'
exit 0
`)

	s := NewInteractive(Options{
		SessionID:  "sess",
		RunID:      "run",
		WorkingDir: t.TempDir(),
		Binary:     stub,
		Model:      "sonnet",
	}, testLogger(t))

	start := s.Initialize()
	assert.Equal(t, events.RunStarted, start.Type)
	assert.Equal(t, true, start.Payload["interactive"])
	assert.Equal(t, s.ConversationID(), start.Payload["conversation_id"])
	assert.True(t, s.IsRunning())

	sink := &eventSink{}
	require.NoError(t, s.SendMessage(context.Background(), "first message", sink.emit))

	got := sink.all()
	require.NotEmpty(t, got)
	user := got[0]
	assert.Equal(t, events.StreamUser, user.Type)
	assert.Equal(t, "user", user.Role)
	assert.Equal(t, "first message", user.Content)
	assert.Equal(t, 1, user.Payload["turn"])

	reply := sink.waitForType(t, events.StreamAssistant)
	assert.Equal(t, "reply", reply.Content)

	args, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Contains(t, string(args), "--session-id\n"+s.ConversationID())

	// Second turn resumes the same conversation.
	sink2 := &eventSink{}
	require.NoError(t, s.SendMessage(context.Background(), "second message", sink2.emit))
	assert.Equal(t, 2, sink2.all()[0].Payload["turn"])

	args, err = os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Contains(t, string(args), "--resume\n"+s.ConversationID())
	assert.Equal(t, 2, s.Turn())
}

func TestInteractiveInterruptKeepsConversationAlive(t *testing.T) {
	requireUnix(t)
	stub := writeStub(t, `
echo '{"type":"assistant","content":"thinking"}'
sleep 30
`)

	s := NewInteractive(Options{
		SessionID:  "sess",
		RunID:      "run",
		WorkingDir: t.TempDir(),
		Binary:     stub,
	}, testLogger(t))
	s.Initialize()

	sink := &eventSink{}
	errCh := make(chan error, 1)
	go func() { errCh <- s.SendMessage(context.Background(), "hi", sink.emit) }()

	sink.waitForType(t, events.StreamAssistant)
	require.Eventually(t, s.IsResponding, 5*time.Second, 10*time.Millisecond)
	assert.NotZero(t, s.PID())

	assert.True(t, s.InterruptCurrentResponse())

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("turn did not stop after interrupt")
	}

	assert.True(t, s.IsRunning(), "conversation should survive an interrupt")
	assert.False(t, s.IsResponding())
	assert.False(t, s.InterruptCurrentResponse(), "nothing in flight to interrupt")
}

func TestInteractiveTerminateEndsConversation(t *testing.T) {
	requireUnix(t)
	stub := writeStub(t, `
echo '{"type":"assistant","content":"ok"}'
exit 0
`)

	s := NewInteractive(Options{
		SessionID:  "sess",
		RunID:      "run",
		WorkingDir: t.TempDir(),
		Binary:     stub,
	}, testLogger(t))
	s.Initialize()

	sink := &eventSink{}
	require.NoError(t, s.SendMessage(context.Background(), "hi", sink.emit))

	s.Terminate()
	assert.False(t, s.IsRunning())
	err := s.SendMessage(context.Background(), "again", sink.emit)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
}

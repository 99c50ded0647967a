package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drover/drover/internal/events"
	"github.com/drover/drover/internal/session/models"
)

func waitForIdle(t *testing.T, svc *Service, runID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return !svc.IsInteractiveResponding(runID)
	}, 10*time.Second, 10*time.Millisecond, "turn did not finish")
}

func TestInteractiveLifecycle(t *testing.T) {
	requireUnix(t)
	stub := writeStub(t, `
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"hello there"}]}}'
echo '{"type":"result","result":"hello there","usage":{"input_tokens":3,"output_tokens":2}}'
exit 0
`)
	svc, repo, eventBus := testService(t, stub)
	collector := collectEvents(eventBus)
	ctx := context.Background()

	session, err := svc.GetOrCreateSession(ctx, t.TempDir())
	require.NoError(t, err)

	run, err := svc.StartInteractive(ctx, session.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, run.Status)
	assert.Equal(t, interactivePrompt, run.Prompt)
	assert.Contains(t, svc.ActiveInteractiveSessions(), run.ID)

	started := collector.waitForType(t, events.RunStarted)
	assert.Equal(t, true, started.Payload["interactive"])
	assert.NotEmpty(t, started.Payload["conversation_id"])

	message := "please explain how the retry queue drains"
	require.NoError(t, svc.SendInteractiveMessage(ctx, run.ID, message))
	waitForIdle(t, svc, run.ID)

	userEvents := collector.ofType(events.StreamUser)
	require.Len(t, userEvents, 1)
	assert.Equal(t, message, userEvents[0].Content)
	assert.Equal(t, "user", userEvents[0].Role)

	collector.waitForType(t, events.StreamResult)

	// First message titles the run and its usage lands on the run row.
	stored, err := repo.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, message, stored.Title)
	assert.Equal(t, message, stored.Prompt)
	require.Eventually(t, func() bool {
		stored, err = repo.GetRun(ctx, run.ID)
		return err == nil && stored.TokensIn == 3 && stored.TokensOut == 2
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, svc.EndInteractive(ctx, run.ID))
	assert.Empty(t, svc.ActiveInteractiveSessions())

	final, err := repo.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, final.Status)

	snapshot, err := repo.GetSnapshotForRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Contains(t, snapshot.ResumePrompt, "Resume this previously ended coding session with smart context.")

	assert.ErrorIs(t, svc.EndInteractive(ctx, run.ID), ErrRunNotActive)
}

func TestSecondMessageDoesNotRetitle(t *testing.T) {
	requireUnix(t)
	stub := writeStub(t, `
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"ok"}]}}'
exit 0
`)
	svc, repo, _ := testService(t, stub)
	ctx := context.Background()

	session, err := svc.GetOrCreateSession(ctx, t.TempDir())
	require.NoError(t, err)
	run, err := svc.StartInteractive(ctx, session.ID, "sonnet")
	require.NoError(t, err)

	require.NoError(t, svc.SendInteractiveMessage(ctx, run.ID, "first question"))
	waitForIdle(t, svc, run.ID)
	require.NoError(t, svc.SendInteractiveMessage(ctx, run.ID, "second question"))
	waitForIdle(t, svc, run.ID)

	stored, err := repo.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "first question", stored.Title)
	assert.Equal(t, "second question", stored.Prompt, "prompt tracks the latest message")

	require.NoError(t, svc.EndInteractive(ctx, run.ID))
}

func TestStopInteractiveResponse(t *testing.T) {
	requireUnix(t)
	stub := writeStub(t, `
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"let me think"}]}}'
sleep 30
`)
	svc, _, eventBus := testService(t, stub)
	collector := collectEvents(eventBus)
	ctx := context.Background()

	session, err := svc.GetOrCreateSession(ctx, t.TempDir())
	require.NoError(t, err)
	run, err := svc.StartInteractive(ctx, session.ID, "")
	require.NoError(t, err)

	require.NoError(t, svc.SendInteractiveMessage(ctx, run.ID, "long question"))
	collector.waitForType(t, events.StreamAssistant)

	stopped, err := svc.StopInteractiveResponse(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, stopped)
	assert.False(t, svc.IsInteractiveResponding(run.ID))

	aborts := collector.ofType(events.InterventionAbort)
	require.Len(t, aborts, 1)
	assert.Equal(t, "turn", aborts[0].Payload["scope"])

	// Conversation survives the interrupt.
	assert.Contains(t, svc.ActiveInteractiveSessions(), run.ID)
	require.NoError(t, svc.EndInteractive(ctx, run.ID))
}

func TestStopInteractiveResponseUnknownRun(t *testing.T) {
	svc, _, _ := testService(t, "claude")
	_, err := svc.StopInteractiveResponse(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrRunNotActive)
}

func TestTitleFromMessage(t *testing.T) {
	assert.Equal(t, "short question", titleFromMessage("short question"))
	assert.Equal(t, "line one line two", titleFromMessage("line one\nline two"))

	long := strings.Repeat("a", 60)
	title := titleFromMessage(long)
	assert.Equal(t, strings.Repeat("a", 50)+"...", title)
}

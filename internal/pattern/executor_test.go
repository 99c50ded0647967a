package pattern

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drover/drover/internal/cache"
	"github.com/drover/drover/internal/common/config"
	"github.com/drover/drover/internal/common/logger"
	"github.com/drover/drover/internal/db"
	"github.com/drover/drover/internal/events"
	"github.com/drover/drover/internal/events/bus"
	"github.com/drover/drover/internal/runner"
	"github.com/drover/drover/internal/session/models"
	"github.com/drover/drover/internal/session/repository/sqlite"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func testRepo(t *testing.T) *sqlite.Repository {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	writer, err := db.OpenSQLite(dbPath)
	require.NoError(t, err)
	reader, err := db.OpenSQLiteReader(dbPath)
	require.NoError(t, err)
	repo, err := sqlite.NewWithDB(writer, reader)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = writer.Close()
		_ = reader.Close()
	})
	return repo
}

func testRunnerConfig() config.RunnerConfig {
	return config.RunnerConfig{
		Binary:           "claude",
		DefaultModel:     "sonnet",
		AgentTimeout:     240,
		RunawayThreshold: 8,
		TerminateGrace:   1,
	}
}

// fakeProcess replays a scripted event sequence instead of spawning a
// subprocess.
type fakeProcess struct {
	script func(ctx context.Context, emit runner.EmitFunc) error
}

func (p *fakeProcess) Start(ctx context.Context, prompt string, emit runner.EmitFunc) error {
	return p.script(ctx, emit)
}

func (p *fakeProcess) Terminate() {}

// scriptedExecutor wires an executor whose agent turns run the given
// scripts in order, recording each turn's prompt.
type scriptedExecutor struct {
	*Executor
	mu      sync.Mutex
	prompts []string
	spawns  int
}

func newScriptedExecutor(t *testing.T, repo *sqlite.Repository, resultCache *cache.Cache, scripts ...func(ctx context.Context, emit runner.EmitFunc) error) (*scriptedExecutor, *bus.Bus) {
	t.Helper()
	eventBus := bus.New(repo, testLogger(t))
	exec := NewExecutor(repo, eventBus, testRunnerConfig(), resultCache, testLogger(t))

	se := &scriptedExecutor{Executor: exec}
	exec.spawn = func(opts runner.Options) agentProcess {
		se.mu.Lock()
		idx := se.spawns
		se.spawns++
		se.mu.Unlock()
		script := scripts[idx%len(scripts)]
		return &fakeProcess{script: func(ctx context.Context, emit runner.EmitFunc) error {
			return script(ctx, emit)
		}}
	}
	return se, eventBus
}

func (se *scriptedExecutor) spawnCount() int {
	se.mu.Lock()
	defer se.mu.Unlock()
	return se.spawns
}

func assistantScript(content string) func(ctx context.Context, emit runner.EmitFunc) error {
	return func(ctx context.Context, emit runner.EmitFunc) error {
		msg := events.New(events.StreamAssistant, "", "", map[string]any{"content": content})
		msg.Content = content
		if err := emit(msg); err != nil {
			return err
		}
		result := events.New(events.StreamResult, "", "", map[string]any{
			"type":   "result",
			"result": content,
			"usage":  map[string]any{"input_tokens": float64(10), "output_tokens": float64(5)},
		})
		return emit(result)
	}
}

func createTestSession(t *testing.T, repo *sqlite.Repository) *models.Session {
	t.Helper()
	session := &models.Session{Name: "pattern test", WorkingDir: t.TempDir()}
	require.NoError(t, repo.CreateSession(context.Background(), session))
	return session
}

func createTestAgent(t *testing.T, repo *sqlite.Repository, name, role string) *models.Agent {
	t.Helper()
	agent := &models.Agent{
		Name:         name,
		Role:         role,
		SystemPrompt: "You are " + name + ".",
		Model:        "sonnet",
	}
	require.NoError(t, repo.CreateAgent(context.Background(), agent))
	return agent
}

// eventCollector records every event the bus dispatches.
type eventCollector struct {
	mu   sync.Mutex
	evts []*events.Event
}

func collectEvents(b *bus.Bus) *eventCollector {
	c := &eventCollector{}
	b.SubscribeAll(func(_ context.Context, event *events.Event) error {
		c.mu.Lock()
		c.evts = append(c.evts, event.Clone())
		c.mu.Unlock()
		return nil
	})
	return c
}

func (c *eventCollector) ofType(eventType string) []*events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*events.Event
	for _, e := range c.evts {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func TestExecuteSoloPattern(t *testing.T) {
	repo := testRepo(t)
	session := createTestSession(t, repo)
	agent := createTestAgent(t, repo, "Implementer", "engineer")

	se, eventBus := newScriptedExecutor(t, repo, nil, assistantScript("done implementing"))
	collector := collectEvents(eventBus)

	pat := &models.AgentPattern{
		Name:        "quick fix",
		PatternType: models.PatternTypeSolo,
		Config:      map[string]interface{}{"agent_id": agent.ID},
	}
	require.NoError(t, repo.CreatePattern(context.Background(), pat))

	run, err := se.ExecutePattern(context.Background(), pat, session.ID, "fix the bug in the parser", session.WorkingDir)
	require.NoError(t, err)
	assert.Equal(t, "[Agent Pattern: quick fix] fix the bug in the parser", run.Prompt)
	assert.Equal(t, "sonnet", run.Model)

	final, err := repo.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, final.Status)
	assert.Equal(t, int64(10), final.TokensIn)
	assert.Equal(t, int64(5), final.TokensOut)

	agentRuns, err := repo.ListAgentRunsForRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, agentRuns, 1)
	assert.Equal(t, models.AgentRunStatusCompleted, agentRuns[0].Status)
	assert.Equal(t, "done implementing", agentRuns[0].OutputText)
	assert.Equal(t, "solo", agentRuns[0].RoleInPattern)

	// The pattern run opens and closes with run lifecycle events; the
	// agent turn start stays a system event in between.
	started := collector.ofType(events.RunStarted)
	require.Len(t, started, 1)
	assert.Equal(t, pat.ID, started[0].Payload["pattern_id"])

	system := collector.ofType(events.StreamSystem)
	require.Len(t, system, 1)
	assert.Equal(t, agent.Name, system[0].Payload["agent_name"])

	completed := collector.ofType(events.RunCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, 1, completed[0].Payload["total_agents_run"])

	// Streamed agent events carry the agent tags.
	assistant := collector.ofType(events.StreamAssistant)
	require.Len(t, assistant, 1)
	assert.Equal(t, agentRuns[0].ID, assistant[0].Payload["agent_run_id"])
	assert.Equal(t, agent.Name, assistant[0].Payload["agent_name"])

	// Memory is persisted for the pattern run.
	entry, err := repo.GetRunMemory(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, string(models.RunStatusCompleted), entry.Memory.Status)
}

func TestSoloPatternUsesResultCache(t *testing.T) {
	repo := testRepo(t)
	session := createTestSession(t, repo)
	agent := createTestAgent(t, repo, "Implementer", "")
	resultCache := cache.New(filepath.Join(t.TempDir(), "cache"))

	se, eventBus := newScriptedExecutor(t, repo, resultCache, assistantScript("cached answer"))
	collector := collectEvents(eventBus)

	pat := &models.AgentPattern{
		Name:        "cacheable",
		PatternType: models.PatternTypeSolo,
		Config:      map[string]interface{}{"agent_id": agent.ID},
	}
	require.NoError(t, repo.CreatePattern(context.Background(), pat))

	_, err := se.ExecutePattern(context.Background(), pat, session.ID, "same input", session.WorkingDir)
	require.NoError(t, err)
	assert.Equal(t, 1, se.spawnCount())

	run2, err := se.ExecutePattern(context.Background(), pat, session.ID, "same input", session.WorkingDir)
	require.NoError(t, err)
	assert.Equal(t, 1, se.spawnCount(), "second execution should hit the cache")

	var cachedEvent *events.Event
	for _, e := range collector.ofType(events.StreamAssistant) {
		if e.RunID == run2.ID {
			cachedEvent = e
		}
	}
	require.NotNil(t, cachedEvent)
	assert.Equal(t, true, cachedEvent.Payload["cached"])
	assert.Equal(t, "cached answer", cachedEvent.Content)
}

func TestExecuteLoopPatternStopsOnApproval(t *testing.T) {
	repo := testRepo(t)
	session := createTestSession(t, repo)
	generator := createTestAgent(t, repo, "Generator", "")
	critic := createTestAgent(t, repo, "Critic", "")

	se, _ := newScriptedExecutor(t, repo, nil,
		assistantScript("first draft"),
		assistantScript("APPROVED, ship it"),
	)

	pat := &models.AgentPattern{
		Name:          "refine",
		PatternType:   models.PatternTypeLoop,
		MaxIterations: 5,
		Config: map[string]interface{}{
			"generator_id": generator.ID,
			"critic_id":    critic.ID,
		},
	}
	require.NoError(t, repo.CreatePattern(context.Background(), pat))

	run, err := se.ExecutePattern(context.Background(), pat, session.ID, "write a haiku", session.WorkingDir)
	require.NoError(t, err)

	agentRuns, err := repo.ListAgentRunsForRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, agentRuns, 2, "approval on iteration 0 stops the loop")
	assert.Equal(t, "generator", agentRuns[0].RoleInPattern)
	assert.Equal(t, "critic", agentRuns[1].RoleInPattern)
	assert.Contains(t, agentRuns[1].InputText, "first draft")
	assert.Contains(t, agentRuns[1].InputText, "Iteration: 1")
}

func TestLoopCheckpointBlocksForHumanDecision(t *testing.T) {
	repo := testRepo(t)
	session := createTestSession(t, repo)
	generator := createTestAgent(t, repo, "Generator", "")
	critic := createTestAgent(t, repo, "Critic", "")

	se, eventBus := newScriptedExecutor(t, repo, nil,
		assistantScript("draft"),
		assistantScript("needs work"),
	)
	collector := collectEvents(eventBus)

	pat := &models.AgentPattern{
		Name:             "gated loop",
		PatternType:      models.PatternTypeLoop,
		HumanInvolvement: models.HumanInvolvementCheckpoints,
		MaxIterations:    3,
		Config: map[string]interface{}{
			"generator_id": generator.ID,
			"critic_id":    critic.ID,
		},
	}
	require.NoError(t, repo.CreatePattern(context.Background(), pat))

	type result struct {
		run *models.Run
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		run, err := se.ExecutePattern(context.Background(), pat, session.ID, "iterate forever", session.WorkingDir)
		resCh <- result{run, err}
	}()

	// Wait for the iteration-1 checkpoint.
	var runID string
	require.Eventually(t, func() bool {
		for _, status := range se.ListActiveExecutions() {
			if status.AwaitingHuman {
				runID = status.RunID
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	assert.False(t, se.ProvideHumanInput("unknown-run", "stop"))
	assert.True(t, se.ProvideHumanInput(runID, "stop"))

	select {
	case res := <-resCh:
		require.NoError(t, res.err)
		final, err := repo.GetRun(context.Background(), res.run.ID)
		require.NoError(t, err)
		assert.Equal(t, models.RunStatusCompleted, final.Status)
	case <-time.After(10 * time.Second):
		t.Fatal("pattern did not finish after checkpoint decision")
	}

	pauses := collector.ofType(events.InterventionPause)
	require.Len(t, pauses, 1)
	assert.Equal(t, "iteration_start", pauses[0].Payload["checkpoint"])
	assert.Equal(t, 1, pauses[0].Payload["iteration"])
	assert.Equal(t, []string{"continue", "modify", "stop"}, pauses[0].Payload["options"])
}

func TestRunawayBashLoopAbortsPattern(t *testing.T) {
	repo := testRepo(t)
	session := createTestSession(t, repo)
	agent := createTestAgent(t, repo, "Looper", "")

	runawayScript := func(ctx context.Context, emit runner.EmitFunc) error {
		for i := 0; i < 20; i++ {
			tool := events.New(events.StreamToolUse, "", "", map[string]any{"name": "Bash"})
			tool.ToolName = "Bash"
			tool.ToolInput = map[string]any{"command": "npm test"}
			if err := emit(tool); err != nil {
				return err
			}
		}
		return nil
	}

	se, eventBus := newScriptedExecutor(t, repo, nil, runawayScript)
	collector := collectEvents(eventBus)

	pat := &models.AgentPattern{
		Name:        "runaway",
		PatternType: models.PatternTypeSolo,
		Config:      map[string]interface{}{"agent_id": agent.ID},
	}
	require.NoError(t, repo.CreatePattern(context.Background(), pat))

	run, err := se.ExecutePattern(context.Background(), pat, session.ID, "loop", session.WorkingDir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRunawayLoop)
	assert.Contains(t, err.Error(), "Runaway loop detected: repeated Bash command `npm test` 8 times. Aborted.")

	final, getErr := repo.GetRun(context.Background(), run.ID)
	require.NoError(t, getErr)
	assert.Equal(t, models.RunStatusFailed, final.Status)
	assert.Contains(t, final.ErrorMessage, "Runaway loop detected")

	// The runaway abort terminates the run with run.failed.
	failures := collector.ofType(events.RunFailed)
	require.Len(t, failures, 1)
	assert.Equal(t, run.ID, failures[0].RunID)
	assert.Contains(t, failures[0].PayloadString("error"), "Runaway loop detected")

	// Memory is persisted on the failure path too.
	_, memErr := repo.GetRunMemory(context.Background(), run.ID)
	require.NoError(t, memErr)
}

func TestEmptyBashCommandResetsRunawayCounter(t *testing.T) {
	repo := testRepo(t)
	session := createTestSession(t, repo)
	agent := createTestAgent(t, repo, "Looper", "")

	emitBash := func(emit runner.EmitFunc, command string) error {
		tool := events.New(events.StreamToolUse, "", "", map[string]any{"name": "Bash"})
		tool.ToolName = "Bash"
		tool.ToolInput = map[string]any{"command": command}
		return emit(tool)
	}

	// Two bursts of 7 identical commands (threshold is 8) separated by a
	// Bash call with no command, which starts the count over.
	script := func(ctx context.Context, emit runner.EmitFunc) error {
		for i := 0; i < 7; i++ {
			if err := emitBash(emit, "npm test"); err != nil {
				return err
			}
		}
		if err := emitBash(emit, ""); err != nil {
			return err
		}
		for i := 0; i < 7; i++ {
			if err := emitBash(emit, "npm test"); err != nil {
				return err
			}
		}
		return assistantScript("eventually finished")(ctx, emit)
	}

	se, _ := newScriptedExecutor(t, repo, nil, script)

	pat := &models.AgentPattern{
		Name:        "slow loop",
		PatternType: models.PatternTypeSolo,
		Config:      map[string]interface{}{"agent_id": agent.ID},
	}
	require.NoError(t, repo.CreatePattern(context.Background(), pat))

	run, err := se.ExecutePattern(context.Background(), pat, session.ID, "loop", session.WorkingDir)
	require.NoError(t, err)

	final, getErr := repo.GetRun(context.Background(), run.ID)
	require.NoError(t, getErr)
	assert.Equal(t, models.RunStatusCompleted, final.Status)
}

func TestAgentProcessFailureFailsPattern(t *testing.T) {
	repo := testRepo(t)
	session := createTestSession(t, repo)
	agent := createTestAgent(t, repo, "Crasher", "")

	failingScript := func(ctx context.Context, emit runner.EmitFunc) error {
		failed := events.New(events.RunFailed, "", "", map[string]any{
			"return_code": 3,
			"stderr":      "model quota exceeded",
		})
		return emit(failed)
	}

	se, _ := newScriptedExecutor(t, repo, nil, failingScript)

	pat := &models.AgentPattern{
		Name:        "crash",
		PatternType: models.PatternTypeSolo,
		Config:      map[string]interface{}{"agent_id": agent.ID},
	}
	require.NoError(t, repo.CreatePattern(context.Background(), pat))

	run, err := se.ExecutePattern(context.Background(), pat, session.ID, "do work", session.WorkingDir)
	require.Error(t, err)
	assert.Equal(t, "model quota exceeded", err.Error())

	agentRuns, listErr := repo.ListAgentRunsForRun(context.Background(), run.ID)
	require.NoError(t, listErr)
	require.Len(t, agentRuns, 1)
	assert.Equal(t, models.AgentRunStatusFailed, agentRuns[0].Status)
	assert.Equal(t, "model quota exceeded", agentRuns[0].OutputText)
}

func TestAgentTimeoutAbortsPattern(t *testing.T) {
	repo := testRepo(t)
	session := createTestSession(t, repo)
	agent := createTestAgent(t, repo, "Sleeper", "")

	hangingScript := func(ctx context.Context, emit runner.EmitFunc) error {
		<-ctx.Done()
		return ctx.Err()
	}

	se, _ := newScriptedExecutor(t, repo, nil, hangingScript)
	se.cfg.AgentTimeout = 1

	pat := &models.AgentPattern{
		Name:        "hang",
		PatternType: models.PatternTypeSolo,
		Config:      map[string]interface{}{"agent_id": agent.ID},
	}
	require.NoError(t, repo.CreatePattern(context.Background(), pat))

	_, err := se.ExecutePattern(context.Background(), pat, session.ID, "hang", session.WorkingDir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAgentTimeout)
	assert.Equal(t, "Agent exceeded 1s runtime limit and was aborted.", err.Error())
	assert.False(t, errors.Is(err, context.DeadlineExceeded))
}

func TestExecuteDebatePattern(t *testing.T) {
	repo := testRepo(t)
	session := createTestSession(t, repo)
	pro := createTestAgent(t, repo, "Proponent", "")
	con := createTestAgent(t, repo, "Opponent", "")
	judge := createTestAgent(t, repo, "Judge", "")

	se, _ := newScriptedExecutor(t, repo, nil,
		assistantScript("argument A"),
		assistantScript("argument B"),
		assistantScript("verdict: draw"),
	)

	pat := &models.AgentPattern{
		Name:        "tabs vs spaces",
		PatternType: models.PatternTypeDebate,
		Config: map[string]interface{}{
			"debaters":   []interface{}{pro.ID, con.ID},
			"judge_id":   judge.ID,
			"max_rounds": float64(1),
		},
	}
	require.NoError(t, repo.CreatePattern(context.Background(), pat))

	run, err := se.ExecutePattern(context.Background(), pat, session.ID, "tabs or spaces?", session.WorkingDir)
	require.NoError(t, err)

	agentRuns, err := repo.ListAgentRunsForRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, agentRuns, 3)
	assert.Equal(t, "debater_0", agentRuns[0].RoleInPattern)
	assert.Equal(t, "debater_1", agentRuns[1].RoleInPattern)
	assert.Equal(t, "judge", agentRuns[2].RoleInPattern)

	// The second debater sees the first argument; the judge sees both.
	assert.Contains(t, agentRuns[1].InputText, "argument A")
	assert.Contains(t, agentRuns[2].InputText, "argument A")
	assert.Contains(t, agentRuns[2].InputText, "argument B")
}

func TestExecutePanelPatternWithSynthesizer(t *testing.T) {
	repo := testRepo(t)
	session := createTestSession(t, repo)
	security := createTestAgent(t, repo, "SecurityExpert", "security engineer")
	perf := createTestAgent(t, repo, "PerfExpert", "performance engineer")
	synth := createTestAgent(t, repo, "Synthesizer", "")

	se, _ := newScriptedExecutor(t, repo, nil,
		assistantScript("lock down the endpoints"),
		assistantScript("cache the hot path"),
		assistantScript("combined plan"),
	)

	pat := &models.AgentPattern{
		Name:        "review panel",
		PatternType: models.PatternTypePanel,
		Config: map[string]interface{}{
			"agents":         []interface{}{security.ID, perf.ID},
			"synthesizer_id": synth.ID,
		},
	}
	require.NoError(t, repo.CreatePattern(context.Background(), pat))

	run, err := se.ExecutePattern(context.Background(), pat, session.ID, "review this design", session.WorkingDir)
	require.NoError(t, err)

	agentRuns, err := repo.ListAgentRunsForRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, agentRuns, 3)
	assert.Equal(t, "panelist_security engineer", agentRuns[0].RoleInPattern)
	assert.Equal(t, "panelist_performance engineer", agentRuns[1].RoleInPattern)
	assert.Equal(t, "synthesizer", agentRuns[2].RoleInPattern)

	assert.Contains(t, agentRuns[0].InputText, "As a security engineer,")
	assert.Contains(t, agentRuns[2].InputText, "lock down the endpoints")
	assert.Contains(t, agentRuns[2].InputText, "cache the hot path")
}

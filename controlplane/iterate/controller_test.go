package iterate

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelworks/autopilot/controlplane/classifier"
	"github.com/sentinelworks/autopilot/controlplane/config"
	"github.com/sentinelworks/autopilot/controlplane/responder"
	"github.com/sentinelworks/autopilot/controlplane/testutil"
	"github.com/sentinelworks/autopilot/eventbus"
)

// =============================================================================
// TEST FIXTURES
// =============================================================================

type fixture struct {
	controller *Controller
	store      *testutil.MockSessionStore
	logger     *testutil.CaptureLogger
	capture    *testutil.EventCapture
}

func newFixture(t *testing.T, mutate func(*config.IterateConfig)) *fixture {
	t.Helper()

	cfg := config.DefaultIterateConfig()
	if mutate != nil {
		mutate(cfg)
	}

	logger := &testutil.CaptureLogger{}
	store := &testutil.MockSessionStore{}
	bus := eventbus.New(logger)
	capture := &testutil.EventCapture{}
	capture.SubscribeAll(bus, TopicStart, TopicClassification, TopicPause, TopicResume, TopicStop)

	return &fixture{
		controller: New(logger, cfg, Deps{Sessions: store, Bus: bus}),
		store:      store,
		logger:     logger,
		capture:    capture,
	}
}

func started(t *testing.T, mutate func(*config.IterateConfig)) *fixture {
	t.Helper()
	f := newFixture(t, mutate)
	_, err := f.controller.Start(context.Background(), "test-session")
	require.NoError(t, err)
	return f
}

func turn(msg string, tokens int) *Turn {
	return &Turn{Message: msg, TokensUsed: tokens}
}

// Messages with deterministic classifications.
const (
	msgConfirmation = "Apply the patch? (yes/no)"
	msgStatus       = "Okay."
	msgQuestion     = "Which database should we use?"
	msgBlocking     = "I need you to provide the database credentials first."
	msgError        = "Error: migration failed halfway through"
	msgCompletion   = "I have completed all the requested tasks."
	msgRateLimit    = "Compacting conversation to free space"
	msgDangerous    = "Cleaning up with rm -rf /tmp/build now"
)

// =============================================================================
// LIFECYCLE TESTS
// =============================================================================

func TestStart(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	id, err := f.controller.Start(ctx, "")
	require.NoError(t, err)
	assert.NotEmpty(t, id, "empty session ID must be generated")
	assert.Equal(t, StatusRunning, f.controller.Status())

	_, err = f.controller.Start(ctx, "another")
	assert.Error(t, err, "second start on an active session must fail")

	assert.Len(t, f.capture.ByTopic(TopicStart), 1)
}

func TestHandleResponse_BeforeStart(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.controller.HandleResponse(context.Background(), turn(msgStatus, 1))
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestStop_External(t *testing.T) {
	f := started(t, nil)
	ctx := context.Background()

	require.NoError(t, f.controller.Stop(ctx))
	assert.Equal(t, StatusStopped, f.controller.Status())

	_, err := f.controller.HandleResponse(ctx, turn(msgStatus, 1))
	assert.ErrorIs(t, err, ErrSessionEnded)

	assert.Error(t, f.controller.Resume(ctx, "hello"))

	// Stopping twice is a no-op.
	assert.NoError(t, f.controller.Stop(ctx))
}

// =============================================================================
// DECISION TABLE TESTS
// =============================================================================

func TestHandleResponse_ConfirmationContinuesWithResponse(t *testing.T) {
	f := started(t, nil)

	action, err := f.controller.HandleResponse(context.Background(), turn(msgConfirmation, 10))
	require.NoError(t, err)

	assert.Equal(t, ActionContinue, action.Type)
	assert.Equal(t, "Yes, please proceed.", action.Response)
	assert.Equal(t, classifier.MessageConfirmationPrompt, action.Classification.Type)

	st := f.controller.State()
	assert.Equal(t, 1, st.TotalAutoResponses)
	assert.Equal(t, 1, st.CurrentStageAutoResponses)
	assert.Equal(t, 1, st.TotalIterations)
	assert.Equal(t, 10, st.TotalTokens)
}

func TestHandleResponse_StatusUpdateIsNoOp(t *testing.T) {
	f := started(t, nil)

	action, err := f.controller.HandleResponse(context.Background(), turn(msgStatus, 5))
	require.NoError(t, err)

	assert.Equal(t, ActionNoOp, action.Type)
	assert.Empty(t, action.Response)
	assert.Equal(t, 0, f.controller.State().TotalAutoResponses)
	assert.Equal(t, StatusRunning, f.controller.Status())
}

func TestHandleResponse_PausingTypes(t *testing.T) {
	tests := []struct {
		name   string
		msg    string
		reason PauseReason
	}{
		{"genuine question", msgQuestion, PauseGenuineQuestion},
		{"blocking request", msgBlocking, PauseBlockingRequest},
		{"error signal", msgError, PauseErrorRecovery},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := started(t, nil)

			action, err := f.controller.HandleResponse(context.Background(), turn(tt.msg, 5))
			require.NoError(t, err)

			assert.Equal(t, ActionPause, action.Type)
			assert.Equal(t, tt.reason, action.PauseReason)
			assert.Equal(t, StatusPaused, f.controller.Status())
			assert.Equal(t, tt.reason, f.controller.State().PauseReason)
		})
	}
}

func TestHandleResponse_CompletionStops(t *testing.T) {
	f := started(t, nil)
	ctx := context.Background()

	action, err := f.controller.HandleResponse(ctx, turn(msgCompletion, 5))
	require.NoError(t, err)

	assert.Equal(t, ActionStop, action.Type)
	assert.Equal(t, StatusCompleted, f.controller.Status())

	_, err = f.controller.HandleResponse(ctx, turn(msgStatus, 1))
	assert.ErrorIs(t, err, ErrSessionEnded)

	assert.Len(t, f.capture.ByTopic(TopicStop), 1)
}

func TestHandleResponse_CompletionAcknowledgmentCounts(t *testing.T) {
	resp := responder.New(nil)
	resp.UpdateTemplates(&responder.TemplateLibrary{
		Version: "1.0.0",
		Templates: map[string][]responder.TemplateEntry{
			"completion_signal": {{Response: "Great, thanks for finishing.", Priority: 10}},
		},
	})

	c := New(nil, config.DefaultIterateConfig(), Deps{Responder: resp})
	_, err := c.Start(context.Background(), "test-session")
	require.NoError(t, err)

	action, err := c.HandleResponse(context.Background(), turn(msgCompletion, 5))
	require.NoError(t, err)

	assert.Equal(t, ActionStop, action.Type)
	assert.Equal(t, "Great, thanks for finishing.", action.Response)

	// The final acknowledgment counts like any other auto-response.
	st := c.State()
	assert.Equal(t, 1, st.TotalAutoResponses)
	assert.Equal(t, 1, st.CurrentStageAutoResponses)
}

func TestHandleResponse_RateLimitRetries(t *testing.T) {
	f := started(t, nil)

	action, err := f.controller.HandleResponse(context.Background(), turn(msgRateLimit, 5))
	require.NoError(t, err)

	assert.Equal(t, ActionRetry, action.Type)
	assert.Equal(t, StatusRunning, f.controller.Status())
}

func TestDecide_UnknownTypeFailsSafe(t *testing.T) {
	action := decide(classifier.Classification{Type: "hologram", Confidence: 0.9})

	assert.Equal(t, ActionPause, action.Type)
	assert.Equal(t, PauseUserInterrupt, action.PauseReason)
}

// =============================================================================
// PAUSE / RESUME TESTS
// =============================================================================

func TestPauseResume_RoundTrip(t *testing.T) {
	f := started(t, nil)
	ctx := context.Background()

	// Build up some counters first.
	_, err := f.controller.HandleResponse(ctx, turn(msgConfirmation, 10))
	require.NoError(t, err)

	_, err = f.controller.HandleResponse(ctx, turn(msgQuestion, 10))
	require.NoError(t, err)
	require.Equal(t, StatusPaused, f.controller.Status())

	// Paused sessions reject turns until resumed.
	_, err = f.controller.HandleResponse(ctx, turn(msgStatus, 1))
	assert.ErrorIs(t, err, ErrSessionPaused)

	before := f.controller.State()
	assert.True(t, strings.HasPrefix(before.PauseID, "pause-"))
	assert.False(t, before.PausedAt.IsZero())

	require.NoError(t, f.controller.Resume(ctx, "use postgres"))
	after := f.controller.State()

	assert.Equal(t, StatusRunning, f.controller.Status())
	assert.Empty(t, after.PauseID)
	assert.True(t, after.PausedAt.IsZero())
	assert.Empty(t, after.PauseReason)
	assert.Empty(t, after.PauseContext)

	// Totals survive the round trip; stage counters start over.
	assert.Equal(t, before.TotalIterations, after.TotalIterations)
	assert.Equal(t, before.TotalAutoResponses, after.TotalAutoResponses)
	assert.Equal(t, before.TotalTokens, after.TotalTokens)
	assert.Equal(t, 0, after.CurrentStageIterations)
	assert.Equal(t, 0, after.CurrentStageAutoResponses)
	assert.Equal(t, 0, after.CurrentStageTokens)
	assert.Equal(t, "use postgres", after.Metadata["last_human_reply"])

	assert.Len(t, f.capture.ByTopic(TopicResume), 1)
}

func TestResume_RequiresPausedState(t *testing.T) {
	f := started(t, nil)
	assert.ErrorIs(t, f.controller.Resume(context.Background(), "hi"), ErrNotPaused)
}

func TestPause_External(t *testing.T) {
	f := started(t, nil)
	ctx := context.Background()

	require.NoError(t, f.controller.Pause(ctx, "operator requested"))
	assert.Equal(t, StatusPaused, f.controller.Status())
	assert.Equal(t, PauseUserInterrupt, f.controller.State().PauseReason)

	// Pausing a paused session is a no-op.
	assert.NoError(t, f.controller.Pause(ctx, "again"))
	assert.Len(t, f.capture.ByTopic(TopicPause), 1)
}

// =============================================================================
// BUDGET TESTS
// =============================================================================

func TestBudget_TokenLimit(t *testing.T) {
	f := started(t, func(c *config.IterateConfig) { c.MaxTotalTokens = 100 })
	ctx := context.Background()

	action, err := f.controller.HandleResponse(ctx, turn(msgStatus, 120))
	require.NoError(t, err)

	assert.Equal(t, ActionPause, action.Type)
	assert.Equal(t, PauseTokenLimit, action.PauseReason)

	// Breach is monotonic: resuming does not un-breach the budget.
	require.NoError(t, f.controller.Resume(ctx, "noted"))
	action, err = f.controller.HandleResponse(ctx, turn(msgStatus, 1))
	require.NoError(t, err)
	assert.Equal(t, PauseTokenLimit, action.PauseReason)
}

func TestBudget_OrderTokensBeforeIterations(t *testing.T) {
	f := started(t, func(c *config.IterateConfig) {
		c.MaxTotalTokens = 10
		c.MaxTotalIterations = 1
	})

	action, err := f.controller.HandleResponse(context.Background(), turn(msgStatus, 50))
	require.NoError(t, err)
	assert.Equal(t, PauseTokenLimit, action.PauseReason)
}

func TestBudget_StageIterations(t *testing.T) {
	f := started(t, func(c *config.IterateConfig) { c.MaxStageIterations = 2 })
	ctx := context.Background()

	action, err := f.controller.HandleResponse(ctx, turn(msgStatus, 1))
	require.NoError(t, err)
	assert.Equal(t, ActionNoOp, action.Type)

	action, err = f.controller.HandleResponse(ctx, turn(msgStatus, 1))
	require.NoError(t, err)
	assert.Equal(t, PauseStageLimit, action.PauseReason)

	// A resume opens a fresh stage.
	require.NoError(t, f.controller.Resume(ctx, ""))
	action, err = f.controller.HandleResponse(ctx, turn(msgStatus, 1))
	require.NoError(t, err)
	assert.Equal(t, ActionNoOp, action.Type)
}

func TestBudget_AutoResponses(t *testing.T) {
	f := started(t, func(c *config.IterateConfig) { c.MaxAutoResponses = 1 })
	ctx := context.Background()

	action, err := f.controller.HandleResponse(ctx, turn(msgConfirmation, 1))
	require.NoError(t, err)
	require.Equal(t, ActionContinue, action.Type)

	action, err = f.controller.HandleResponse(ctx, turn(msgConfirmation, 1))
	require.NoError(t, err)
	assert.Equal(t, ActionPause, action.Type)
	assert.Equal(t, PauseAutoResponseLimit, action.PauseReason)
}

func TestBudget_TimeLimit(t *testing.T) {
	f := newFixture(t, nil)
	base := time.Now()
	f.controller.now = func() time.Time { return base }

	_, err := f.controller.Start(context.Background(), "timed")
	require.NoError(t, err)

	f.controller.now = func() time.Time { return base.Add(121 * time.Minute) }

	action, err := f.controller.HandleResponse(context.Background(), turn(msgStatus, 1))
	require.NoError(t, err)
	assert.Equal(t, PauseTimeLimit, action.PauseReason)
}

func TestBudget_ZeroDisables(t *testing.T) {
	f := started(t, func(c *config.IterateConfig) {
		c.MaxTotalTokens = 0
		c.MaxTotalIterations = 0
		c.MaxStageIterations = 0
	})

	action, err := f.controller.HandleResponse(context.Background(), turn(msgStatus, 1_000_000))
	require.NoError(t, err)
	assert.Equal(t, ActionNoOp, action.Type)
}

func TestWarningThresholds_LoggedOnceEach(t *testing.T) {
	f := started(t, func(c *config.IterateConfig) { c.MaxTotalTokens = 1000 })
	ctx := context.Background()

	// 760/1000 crosses 0.75.
	_, err := f.controller.HandleResponse(ctx, turn(msgStatus, 760))
	require.NoError(t, err)
	assert.Equal(t, 1, f.logger.CountMsg("token_budget_threshold"))

	// 910/1000 crosses 0.9 but must not re-warn 0.75.
	_, err = f.controller.HandleResponse(ctx, turn(msgStatus, 150))
	require.NoError(t, err)
	assert.Equal(t, 2, f.logger.CountMsg("token_budget_threshold"))

	// Staying above both thresholds warns no further.
	_, err = f.controller.HandleResponse(ctx, turn(msgStatus, 10))
	require.NoError(t, err)
	assert.Equal(t, 2, f.logger.CountMsg("token_budget_threshold"))
}

// =============================================================================
// SAFETY GATE TESTS
// =============================================================================

func TestSafetyGate_HighRiskPauses(t *testing.T) {
	f := started(t, nil)

	action, err := f.controller.HandleResponse(context.Background(), turn(msgDangerous, 5))
	require.NoError(t, err)

	assert.Equal(t, ActionPause, action.Type)
	assert.Equal(t, PauseHighRiskOperation, action.PauseReason)
	assert.Equal(t, 1, f.controller.State().Metadata["high_risk_detections"])
}

func TestSafetyGate_DisabledPauseOnHighRisk(t *testing.T) {
	f := started(t, func(c *config.IterateConfig) { c.PauseOnHighRisk = false })

	action, err := f.controller.HandleResponse(context.Background(), turn(msgDangerous, 5))
	require.NoError(t, err)

	assert.Equal(t, ActionNoOp, action.Type)
	assert.Equal(t, StatusRunning, f.controller.Status())
}

func TestSafetyGate_PermissiveSurfacesWithoutPausing(t *testing.T) {
	f := started(t, func(c *config.IterateConfig) { c.Tolerance = config.TolerancePermissive })

	action, err := f.controller.HandleResponse(context.Background(), turn(msgDangerous, 5))
	require.NoError(t, err)

	assert.NotEqual(t, ActionPause, action.Type)
	assert.Equal(t, 1, f.controller.State().Metadata["high_risk_detections"])
}

// =============================================================================
// HISTORY AND CONTEXT TESTS
// =============================================================================

func TestClassificationHistory_Bounded(t *testing.T) {
	f := started(t, func(c *config.IterateConfig) { c.ContextWindowSize = 2 })
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, err := f.controller.HandleResponse(ctx, turn(msgStatus, 1))
		require.NoError(t, err)
	}

	st := f.controller.State()
	assert.Len(t, st.ClassificationHistory, 4, "history bounded at 2x context window")
	assert.Equal(t, 6, st.TotalIterations, "counters keep the full tally")
}

func TestClassificationHistory_ZeroWindowStillBounded(t *testing.T) {
	st := newIterateState("s")
	for i := 0; i < 6; i++ {
		st.appendClassification(classifier.Classification{Type: classifier.MessageStatusUpdate}, 0)
		st.appendClassification(classifier.Classification{Type: classifier.MessageStatusUpdate}, -3)
	}

	assert.Len(t, st.ClassificationHistory, 2, "window clamps to 1, bound to 2")
}

func TestPreviousTurnContext_FeedsClassifier(t *testing.T) {
	f := started(t, nil)
	ctx := context.Background()

	// A tool-heavy status turn establishes the previous-type context.
	_, err := f.controller.HandleResponse(ctx, &Turn{Message: "Ran the formatter.", TokensUsed: 1, ToolCalls: 4})
	require.NoError(t, err)

	// The follow-up question now gets the elevated contextual confidence.
	action, err := f.controller.HandleResponse(ctx, turn(msgQuestion, 1))
	require.NoError(t, err)

	assert.Equal(t, PauseGenuineQuestion, action.PauseReason)
	assert.InDelta(t, 0.8, action.Classification.Confidence, 0.001)
}

// =============================================================================
// PERSISTENCE AND TELEMETRY TESTS
// =============================================================================

func TestPersistence_PauseSnapshot(t *testing.T) {
	f := started(t, nil)
	ctx := context.Background()

	_, err := f.controller.HandleResponse(ctx, turn(msgQuestion, 5))
	require.NoError(t, err)

	update, ok := f.store.LastUpdate()
	require.True(t, ok)
	assert.Equal(t, "test-session", update.SessionID)
	assert.Equal(t, string(PauseGenuineQuestion), update.Partial["pause_reason"])
	assert.Equal(t, string(StatusPaused), update.Partial["status"])
	assert.Equal(t, 1, update.Partial["total_iterations"])

	require.NoError(t, f.controller.Resume(ctx, "go on"))
	update, ok = f.store.LastUpdate()
	require.True(t, ok)
	assert.Equal(t, string(StatusRunning), update.Partial["status"])
	assert.Equal(t, "", update.Partial["pause_reason"])
}

func TestPersistence_FailureDoesNotChangeAction(t *testing.T) {
	f := started(t, nil)
	f.store.Error = errors.New("disk full")

	action, err := f.controller.HandleResponse(context.Background(), turn(msgQuestion, 5))
	require.NoError(t, err)

	assert.Equal(t, ActionPause, action.Type)
	assert.GreaterOrEqual(t, f.logger.CountMsg("session_persist_failed"), 1)
}

func TestTelemetry_EventsPerTurn(t *testing.T) {
	f := started(t, nil)
	ctx := context.Background()

	_, err := f.controller.HandleResponse(ctx, turn(msgConfirmation, 5))
	require.NoError(t, err)
	_, err = f.controller.HandleResponse(ctx, turn(msgQuestion, 5))
	require.NoError(t, err)

	assert.Len(t, f.capture.ByTopic(TopicClassification), 2)
	assert.Len(t, f.capture.ByTopic(TopicPause), 1)

	events := f.capture.ByTopic(TopicClassification)
	ev, ok := events[0].(*Event)
	require.True(t, ok)
	assert.Equal(t, "test-session", ev.SessionID)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, string(classifier.MessageConfirmationPrompt), ev.Payload["type"])
	assert.Equal(t, string(ActionContinue), ev.Payload["action"])
}

func TestNilCollaborators_AreSafe(t *testing.T) {
	// No store, no bus, nil logger: the decision path must still work.
	ctrl := New(nil, nil, Deps{})
	ctx := context.Background()

	_, err := ctrl.Start(ctx, "bare")
	require.NoError(t, err)

	action, err := ctrl.HandleResponse(ctx, turn(msgConfirmation, 5))
	require.NoError(t, err)
	assert.Equal(t, ActionContinue, action.Type)

	action, err = ctrl.HandleResponse(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, ActionNoOp, action.Type, "nil turn degrades to the fallback")
}

package iterate

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/sentinelworks/autopilot/controlplane/classifier"
	"github.com/sentinelworks/autopilot/controlplane/config"
	"github.com/sentinelworks/autopilot/controlplane/guard"
	"github.com/sentinelworks/autopilot/controlplane/observability"
	"github.com/sentinelworks/autopilot/controlplane/responder"
	"github.com/sentinelworks/autopilot/eventbus"
)

// Sentinel errors for lifecycle misuse.
var (
	ErrNotStarted    = errors.New("session not started")
	ErrSessionPaused = errors.New("session is paused; resume before handling turns")
	ErrSessionEnded  = errors.New("session has ended")
	ErrNotPaused     = errors.New("session is not paused")
)

// Turn is one AI response handed to the controller by the execution loop.
type Turn struct {
	// Message is the raw turn text.
	Message string `json:"message"`
	// Role of the speaker; defaults to "assistant".
	Role string `json:"role,omitempty"`
	// Provider identifies the AI backend for this turn; falls back to the
	// configured provider.
	Provider string `json:"provider,omitempty"`
	// TokensUsed is the token count reported for the turn.
	TokensUsed int `json:"tokens_used"`
	// ToolCalls is the number of tool invocations in the recent exchange.
	ToolCalls int `json:"tool_calls"`
	// TaskListChanged reports pending task-tracking updates.
	TaskListChanged bool `json:"task_list_changed"`
}

// Deps are the controller's collaborators. Nil classifier, guard, and
// responder are constructed from the config; nil store and bus disable
// persistence and telemetry respectively.
type Deps struct {
	Classifier *classifier.Classifier
	Guard      *guard.Guard
	Responder  *responder.Responder
	Sessions   SessionStore
	Bus        *eventbus.Bus
}

// =============================================================================
// Controller
// =============================================================================

// Controller is the mode controller. One controller drives one session at a
// time; all methods are safe for concurrent use, serialized on an internal
// mutex so each turn observes the counters left by the previous one.
type Controller struct {
	logger     Logger
	cfg        *config.IterateConfig
	classifier *classifier.Classifier
	guard      *guard.Guard
	responder  *responder.Responder
	sessions   SessionStore
	bus        *eventbus.Bus
	tracer     trace.Tracer

	// now is swappable for deterministic time-budget tests.
	now func() time.Time

	loadOnce sync.Once

	mu       sync.Mutex
	state    *IterateState
	status   Status
	lastRole string
	lastType classifier.MessageType
}

// New creates a controller. A nil config uses defaults.
func New(logger Logger, cfg *config.IterateConfig, deps Deps) *Controller {
	if cfg == nil {
		cfg = config.DefaultIterateConfig()
	}

	c := &Controller{
		logger:     logger,
		cfg:        cfg,
		classifier: deps.Classifier,
		guard:      deps.Guard,
		responder:  deps.Responder,
		sessions:   deps.Sessions,
		bus:        deps.Bus,
		tracer:     otel.Tracer("autopilot/iterate"),
		now:        time.Now,
		status:     StatusUninitialized,
	}

	if c.classifier == nil {
		var opts []classifier.Option
		if cfg.EnableSemanticScoring {
			opts = append(opts, classifier.WithSemanticScorer(classifier.StubSemanticScorer{}))
		}
		c.classifier = classifier.New(logger, opts...)
	}
	if c.guard == nil {
		c.guard = guard.New(logger, &guard.Config{
			Tolerance:     cfg.Tolerance,
			WorkspaceRoot: cfg.WorkspaceRoot,
		})
	}
	if c.responder == nil {
		var opts []responder.Option
		if cfg.RandomizeResponses {
			opts = append(opts, responder.WithRandomization(time.Now().UnixNano()))
		}
		c.responder = responder.New(logger, opts...)
	}

	return c
}

// ensureLoaded lazily loads the pattern and template libraries on first use.
// Load failures degrade to a warning: the classifier still runs stages 2-4
// and the responder still has its hardcoded affirmative.
func (c *Controller) ensureLoaded() {
	c.loadOnce.Do(func() {
		if c.cfg.PatternsPath != "" {
			if err := c.classifier.LoadPatterns(c.cfg.PatternsPath); err != nil {
				if c.logger != nil {
					c.logger.Warn("pattern_load_failed",
						"path", c.cfg.PatternsPath,
						"error", err.Error(),
					)
				}
				if c.state != nil {
					c.state.Metadata[metaDegradedPatterns] = true
				}
			}
		}
		if c.cfg.TemplatesPath != "" {
			if err := c.responder.LoadTemplates(c.cfg.TemplatesPath); err != nil {
				if c.logger != nil {
					c.logger.Warn("template_load_failed",
						"path", c.cfg.TemplatesPath,
						"error", err.Error(),
					)
				}
				if c.state != nil {
					c.state.Metadata[metaDegradedTemplates] = true
				}
			}
		}
	})
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start begins a session. An empty sessionID generates one. Returns the
// session ID in use.
func (c *Controller) Start(ctx context.Context, sessionID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != nil && !c.status.IsTerminal() {
		return "", errors.New("session already active")
	}

	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	c.state = newIterateState(sessionID)
	c.state.StartedAt = c.now().UTC()
	c.status = StatusRunning
	c.lastRole = ""
	c.lastType = ""

	c.ensureLoaded()

	if c.logger != nil {
		c.logger.Info("session_started",
			"session_id", sessionID,
			"max_tokens", c.cfg.MaxTotalTokens,
			"max_iterations", c.cfg.MaxTotalIterations,
			"tolerance", string(c.cfg.Tolerance),
		)
	}

	c.publish(ctx, NewEvent(TopicStart, sessionID, map[string]any{
		"tolerance": string(c.cfg.Tolerance),
		"provider":  c.cfg.Provider,
	}))

	return sessionID, nil
}

// HandleResponse processes one AI turn and returns the action the execution
// loop must take. The decision path is synchronous and in-memory; telemetry
// and persistence failures never change the returned action.
func (c *Controller) HandleResponse(ctx context.Context, turn *Turn) (*Action, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.state == nil:
		return nil, ErrNotStarted
	case c.status == StatusPaused:
		return nil, ErrSessionPaused
	case c.status.IsTerminal():
		return nil, ErrSessionEnded
	}
	if turn == nil {
		turn = &Turn{}
	}

	c.ensureLoaded()

	ctx, span := c.tracer.Start(ctx, "iterate.handle_response")
	defer span.End()

	st := c.state
	provider := turn.Provider
	if provider == "" {
		provider = c.cfg.Provider
	}

	// 1. Classify against the context of the previous exchange.
	cls := c.classifier.Classify(turn.Message, &classifier.Context{
		Provider:           provider,
		PreviousRole:       c.lastRole,
		PreviousType:       c.lastType,
		RecentToolCalls:    turn.ToolCalls,
		PendingTaskChanges: turn.TaskListChanged,
	})

	// 2. Record in the bounded history and roll the exchange context.
	st.appendClassification(cls, c.cfg.ContextWindowSize)
	c.lastRole = turn.Role
	if c.lastRole == "" {
		c.lastRole = "assistant"
	}
	c.lastType = cls.Type

	// 3. Accumulate consumption before checking budgets, so the turn that
	// crosses a limit is also the turn that pauses.
	st.TotalTokens += turn.TokensUsed
	st.CurrentStageTokens += turn.TokensUsed
	st.TotalIterations++
	st.CurrentStageIterations++

	observability.RecordClassification(string(cls.Type), string(cls.Method))
	observability.ObserveClassificationLatency(cls.Latency.Seconds())
	observability.SetSessionTokens(float64(st.TotalTokens))

	// 4. Advisory warnings as consumption approaches the token budget.
	c.warnOnBudgetThresholds(st)

	// 5. Budgets, in fixed order. A breach overrides the decision table.
	if reason, detail, breached := c.checkBudgets(st); breached {
		action := &Action{
			Type:           ActionPause,
			PauseReason:    reason,
			Detail:         detail,
			Classification: cls,
		}
		c.pauseLocked(ctx, reason, detail)
		c.finishTurn(ctx, span, st, cls, action)
		return action, nil
	}

	// 6. Safety gate over the raw turn text.
	st.tally(metaSafetyChecks)
	assessment := c.guard.CheckTurnText(turn.Message)
	if assessment.RiskLevel != guard.RiskLow {
		observability.RecordRiskDetection(string(assessment.RiskLevel))
	}
	if assessment.RiskLevel == guard.RiskHigh {
		st.tally(metaHighRiskDetections)
	}
	if c.cfg.PauseOnHighRisk && assessment.RequiresConfirmation {
		action := &Action{
			Type:           ActionPause,
			PauseReason:    PauseHighRiskOperation,
			Detail:         assessment.Reason,
			Classification: cls,
		}
		c.pauseLocked(ctx, PauseHighRiskOperation, assessment.Reason)
		c.finishTurn(ctx, span, st, cls, action)
		return action, nil
	}

	// 7. The decision table.
	action := decide(cls)
	actionCopy := action

	// 8. Auto-response generation for continue and stop actions. Every
	// attached response counts against the auto-response totals, including
	// a final acknowledgment on a completing turn.
	if action.Type == ActionContinue || action.Type == ActionStop {
		response, ok := c.responder.GenerateResponse(cls, &responder.ResponseContext{
			Provider: provider,
		})
		if ok {
			actionCopy.Response = response
			st.TotalAutoResponses++
			st.CurrentStageAutoResponses++
			observability.RecordAutoResponse()
		}
	}

	// 9. Apply lifecycle side effects and emit telemetry.
	switch actionCopy.Type {
	case ActionPause:
		c.pauseLocked(ctx, actionCopy.PauseReason, actionCopy.Detail)
	case ActionStop:
		c.status = StatusCompleted
		c.persist(ctx, withStatus(st.snapshot(), StatusCompleted))
		c.publish(ctx, NewEvent(TopicStop, st.SessionID, map[string]any{
			"status":           string(StatusCompleted),
			"total_iterations": st.TotalIterations,
			"total_tokens":     st.TotalTokens,
		}))
		if c.logger != nil {
			c.logger.Info("session_completed",
				"session_id", st.SessionID,
				"total_iterations", st.TotalIterations,
				"total_tokens", st.TotalTokens,
			)
		}
	}

	c.finishTurn(ctx, span, st, cls, &actionCopy)
	return &actionCopy, nil
}

// finishTurn emits the per-turn telemetry event, metrics, and span data.
func (c *Controller) finishTurn(ctx context.Context, span trace.Span, st *IterateState, cls classifier.Classification, action *Action) {
	observability.RecordAction(string(action.Type))

	span.SetAttributes(
		attribute.String("classification.type", string(cls.Type)),
		attribute.Float64("classification.confidence", cls.Confidence),
		attribute.String("classification.method", string(cls.Method)),
		attribute.String("action.type", string(action.Type)),
	)

	payload := map[string]any{
		"type":       string(cls.Type),
		"confidence": cls.Confidence,
		"method":     string(cls.Method),
		"action":     string(action.Type),
		"iteration":  st.TotalIterations,
		"tokens":     st.TotalTokens,
	}
	if action.PauseReason != "" {
		payload["pause_reason"] = string(action.PauseReason)
	}
	c.publish(ctx, NewEvent(TopicClassification, st.SessionID, payload))
}

// Pause halts the session on external operator request.
func (c *Controller) Pause(ctx context.Context, detail string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.state == nil:
		return ErrNotStarted
	case c.status.IsTerminal():
		return ErrSessionEnded
	case c.status == StatusPaused:
		return nil
	}

	c.pauseLocked(ctx, PauseUserInterrupt, detail)
	return nil
}

// pauseLocked transitions to paused, persists, and emits telemetry.
// Caller holds c.mu.
func (c *Controller) pauseLocked(ctx context.Context, reason PauseReason, detail string) {
	st := c.state
	st.PauseID = "pause-" + uuid.NewString()
	st.PausedAt = c.now().UTC()
	st.PauseReason = reason
	st.PauseContext = detail
	c.status = StatusPaused

	observability.RecordPause(string(reason))

	if c.logger != nil {
		c.logger.Info("session_paused",
			"session_id", st.SessionID,
			"pause_id", st.PauseID,
			"reason", string(reason),
			"detail", detail,
			"total_iterations", st.TotalIterations,
		)
	}

	c.persist(ctx, withStatus(st.snapshot(), StatusPaused))
	c.publish(ctx, NewEvent(TopicPause, st.SessionID, map[string]any{
		"pause_id": st.PauseID,
		"reason":   string(reason),
		"detail":   detail,
	}))
}

// Resume restarts a paused session. The optional human reply is recorded for
// the audit trail. Stage counters reset - a resume starts a new stage - but
// session totals are untouched.
func (c *Controller) Resume(ctx context.Context, humanReply string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.state == nil:
		return ErrNotStarted
	case c.status.IsTerminal():
		return ErrSessionEnded
	case c.status != StatusPaused:
		return ErrNotPaused
	}

	st := c.state
	previousID := st.PauseID
	previousReason := st.PauseReason
	st.PauseID = ""
	st.PausedAt = time.Time{}
	st.PauseReason = ""
	st.PauseContext = ""
	st.CurrentStageIterations = 0
	st.CurrentStageAutoResponses = 0
	st.CurrentStageTokens = 0
	if humanReply != "" {
		st.Metadata[metaHumanReply] = humanReply
	}
	c.status = StatusRunning

	if c.logger != nil {
		c.logger.Info("session_resumed",
			"session_id", st.SessionID,
			"pause_id", previousID,
			"previous_reason", string(previousReason),
		)
	}

	c.persist(ctx, withStatus(st.snapshot(), StatusRunning))
	c.publish(ctx, NewEvent(TopicResume, st.SessionID, map[string]any{
		"pause_id":        previousID,
		"previous_reason": string(previousReason),
		"human_reply":     humanReply != "",
	}))

	return nil
}

// Stop ends the session on external request, marking it stopped rather than
// completed.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.state == nil:
		return ErrNotStarted
	case c.status.IsTerminal():
		return nil
	}

	st := c.state
	c.status = StatusStopped

	if c.logger != nil {
		c.logger.Info("session_stopped",
			"session_id", st.SessionID,
			"total_iterations", st.TotalIterations,
		)
	}

	c.persist(ctx, withStatus(st.snapshot(), StatusStopped))
	c.publish(ctx, NewEvent(TopicStop, st.SessionID, map[string]any{
		"status": string(StatusStopped),
	}))

	return nil
}

// =============================================================================
// Accessors
// =============================================================================

// Status returns the session lifecycle state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// State returns a copy of the session state, or nil before Start.
func (c *Controller) State() *IterateState {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == nil {
		return nil
	}

	cp := *c.state
	cp.ClassificationHistory = make([]classifier.Classification, len(c.state.ClassificationHistory))
	copy(cp.ClassificationHistory, c.state.ClassificationHistory)
	cp.Metadata = make(map[string]any, len(c.state.Metadata))
	for k, v := range c.state.Metadata {
		cp.Metadata[k] = v
	}
	return &cp
}

// =============================================================================
// Side-Effect Helpers
// =============================================================================

// persist hands a partial snapshot to the session store. Failures are logged
// and swallowed; durability problems never block the decision path.
func (c *Controller) persist(ctx context.Context, partial map[string]any) {
	if c.sessions == nil {
		return
	}
	if err := c.sessions.UpdateMetadata(ctx, c.state.SessionID, partial); err != nil {
		if c.logger != nil {
			c.logger.Warn("session_persist_failed",
				"session_id", c.state.SessionID,
				"error", err.Error(),
			)
		}
	}
}

// publish emits a telemetry event on the bus, if one is wired.
func (c *Controller) publish(ctx context.Context, ev *Event) {
	if c.bus == nil {
		return
	}
	_ = c.bus.Publish(ctx, ev)
}

func withStatus(partial map[string]any, status Status) map[string]any {
	partial["status"] = string(status)
	return partial
}

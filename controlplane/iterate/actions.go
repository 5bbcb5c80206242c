package iterate

import "github.com/sentinelworks/autopilot/controlplane/classifier"

// =============================================================================
// Actions
// =============================================================================

// ActionType is the controller's verdict for one turn.
type ActionType string

const (
	// ActionContinue keeps the session running; Response carries the text
	// to send back when one was generated.
	ActionContinue ActionType = "continue"
	// ActionPause halts autonomous execution until a human resumes.
	ActionPause ActionType = "pause"
	// ActionStop ends the session as completed.
	ActionStop ActionType = "stop"
	// ActionRetry asks the caller to retry the turn after backoff.
	ActionRetry ActionType = "retry"
	// ActionNoOp records the turn and does nothing else.
	ActionNoOp ActionType = "no_op"
)

// Action is the controller's decision for one turn.
type Action struct {
	Type ActionType `json:"type"`
	// Response is the auto-generated reply, present only for continue/stop
	// actions that produced one.
	Response string `json:"response,omitempty"`
	// PauseReason and Detail are set for pause actions.
	PauseReason PauseReason `json:"pause_reason,omitempty"`
	Detail      string      `json:"detail,omitempty"`
	// Classification is the record that drove the decision.
	Classification classifier.Classification `json:"classification"`
}

// =============================================================================
// Decision Table
// =============================================================================

// decide maps a classification to its action. The table is fixed and closed:
// a type it does not know is treated as an interrupt, because an
// orchestrator that guesses on unrecognized input is an orchestrator that
// runs away.
func decide(cls classifier.Classification) Action {
	switch cls.Type {
	case classifier.MessageConfirmationPrompt:
		return Action{Type: ActionContinue, Classification: cls}
	case classifier.MessageStatusUpdate:
		return Action{Type: ActionNoOp, Classification: cls}
	case classifier.MessageGenuineQuestion:
		return Action{
			Type:        ActionPause,
			PauseReason: PauseGenuineQuestion,
			Detail:      "turn asks a question requiring human judgment",
			Classification: cls,
		}
	case classifier.MessageBlockingRequest:
		return Action{
			Type:        ActionPause,
			PauseReason: PauseBlockingRequest,
			Detail:      "turn requests input or permission to proceed",
			Classification: cls,
		}
	case classifier.MessageErrorSignal:
		return Action{
			Type:        ActionPause,
			PauseReason: PauseErrorRecovery,
			Detail:      "turn reports an error needing recovery",
			Classification: cls,
		}
	case classifier.MessageCompletionSignal:
		return Action{Type: ActionStop, Classification: cls}
	case classifier.MessageRateLimit:
		return Action{Type: ActionRetry, Classification: cls}
	default:
		return Action{
			Type:        ActionPause,
			PauseReason: PauseUserInterrupt,
			Detail:      "unrecognized classification type",
			Classification: cls,
		}
	}
}

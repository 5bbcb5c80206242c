package iterate

import (
	"fmt"
	"time"
)

// =============================================================================
// Budget Enforcement
// =============================================================================

// checkBudgets tests every budget in fixed order - tokens, wall-clock time,
// then iteration and auto-response counters - and reports the first breach.
// Checks are monotonic: counters only grow and limits never rise mid-session,
// so once a budget breaches, every later check breaches too. A limit of zero
// or below disables that budget.
func (c *Controller) checkBudgets(st *IterateState) (PauseReason, string, bool) {
	if c.cfg.MaxTotalTokens > 0 && st.TotalTokens >= c.cfg.MaxTotalTokens {
		return PauseTokenLimit, fmt.Sprintf("total tokens %d reached limit %d",
			st.TotalTokens, c.cfg.MaxTotalTokens), true
	}

	if c.cfg.MaxDurationMinutes > 0 {
		elapsed := c.now().Sub(st.StartedAt)
		limit := time.Duration(c.cfg.MaxDurationMinutes) * time.Minute
		if elapsed >= limit {
			return PauseTimeLimit, fmt.Sprintf("session duration %s reached limit %s",
				elapsed.Round(time.Second), limit), true
		}
	}

	if c.cfg.MaxTotalIterations > 0 && st.TotalIterations >= c.cfg.MaxTotalIterations {
		return PauseIterationLimit, fmt.Sprintf("total iterations %d reached limit %d",
			st.TotalIterations, c.cfg.MaxTotalIterations), true
	}

	if c.cfg.MaxStageIterations > 0 && st.CurrentStageIterations >= c.cfg.MaxStageIterations {
		return PauseStageLimit, fmt.Sprintf("stage iterations %d reached limit %d",
			st.CurrentStageIterations, c.cfg.MaxStageIterations), true
	}

	if c.cfg.MaxAutoResponses > 0 && st.TotalAutoResponses >= c.cfg.MaxAutoResponses {
		return PauseAutoResponseLimit, fmt.Sprintf("total auto-responses %d reached limit %d",
			st.TotalAutoResponses, c.cfg.MaxAutoResponses), true
	}

	if c.cfg.MaxStageAutoResponses > 0 && st.CurrentStageAutoResponses >= c.cfg.MaxStageAutoResponses {
		return PauseAutoResponseLimit, fmt.Sprintf("stage auto-responses %d reached limit %d",
			st.CurrentStageAutoResponses, c.cfg.MaxStageAutoResponses), true
	}

	return "", "", false
}

// warnOnBudgetThresholds logs an advisory once per crossed warning threshold
// as token consumption approaches the limit. Crossing a threshold never
// changes the action taken.
func (c *Controller) warnOnBudgetThresholds(st *IterateState) {
	if c.cfg.MaxTotalTokens <= 0 || len(c.cfg.WarningThresholds) == 0 {
		return
	}

	fraction := float64(st.TotalTokens) / float64(c.cfg.MaxTotalTokens)
	lastWarned, _ := st.Metadata[metaLastWarnedThreshold].(float64)

	for _, threshold := range c.cfg.WarningThresholds {
		if fraction < threshold || threshold <= lastWarned {
			continue
		}
		st.Metadata[metaLastWarnedThreshold] = threshold
		lastWarned = threshold

		if c.logger != nil {
			c.logger.Warn("token_budget_threshold",
				"session_id", st.SessionID,
				"threshold", threshold,
				"total_tokens", st.TotalTokens,
				"max_tokens", c.cfg.MaxTotalTokens,
			)
		}
	}
}

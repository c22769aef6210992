// ABOUTME: Policy gate wrapping an optional evaluator with fail-open/fail-closed
// ABOUTME: behavior when the evaluator errors; default posture is deny

package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// ErrPolicyRejected is returned when a publish is denied, either by an
// explicit evaluator verdict or by fail-closed handling of an evaluator
// failure.
var ErrPolicyRejected = errors.New("rejected by policy")

// PolicyGate applies the configured policy evaluator to publishes. With no
// evaluator, every publish is allowed.
type PolicyGate struct {
	evaluator PolicyEvaluator
	failOpen  bool
	logger    *slog.Logger
}

// NewPolicyGate creates a gate. onUnavailable is "allow" or "deny" and
// controls what happens when the evaluator itself fails.
func NewPolicyGate(evaluator PolicyEvaluator, onUnavailable string, logger *slog.Logger) *PolicyGate {
	return &PolicyGate{
		evaluator: evaluator,
		failOpen:  onUnavailable == "allow",
		logger:    logger,
	}
}

// Check evaluates a proposed publish. Returns nil when the publish may
// proceed and ErrPolicyRejected (possibly wrapped with the verdict reason)
// when it may not.
func (g *PolicyGate) Check(ctx context.Context, entityID, channel string, payload json.RawMessage) error {
	if g.evaluator == nil {
		return nil
	}

	decision, err := g.evaluator.Evaluate(ctx, entityID, channel, payload)
	if err != nil {
		if g.failOpen {
			g.logger.Warn("policy evaluator unavailable, allowing publish",
				"entity_id", entityID,
				"channel", channel,
				"error", err,
			)
			return nil
		}
		g.logger.Warn("policy evaluator unavailable, denying publish",
			"entity_id", entityID,
			"channel", channel,
			"error", err,
		)
		return fmt.Errorf("%w: evaluator unavailable", ErrPolicyRejected)
	}

	if !decision.Allow {
		g.logger.Info("publish rejected by policy",
			"entity_id", entityID,
			"channel", channel,
			"reason", decision.Reason,
			"confidence", decision.Confidence,
		)
		if decision.Reason != "" {
			return fmt.Errorf("%w: %s", ErrPolicyRejected, decision.Reason)
		}
		return ErrPolicyRejected
	}
	return nil
}

// ABOUTME: Backend interfaces: the reasoning engine queried by agent.query
// ABOUTME: and the policy evaluator consulted before channel publishes

package backend

import (
	"context"
	"errors"
)

// Reasoner answers agent queries. Calls are bounded by the configured query
// timeout; implementations must honor ctx cancellation.
type Reasoner interface {
	Query(ctx context.Context, entityID, prompt string) (string, error)
}

// ErrReasonerUnavailable is returned when no reasoner backend is configured.
var ErrReasonerUnavailable = errors.New("reasoner backend unavailable")

// Decision is a policy evaluator's verdict on a proposed publish.
type Decision struct {
	Allow      bool    `json:"allow"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// PolicyEvaluator judges whether a publish should proceed. A nil evaluator
// means no policy is enforced.
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, entityID, channel string, payload []byte) (Decision, error)
}

// Package decisionbus carries compact decision summaries from the
// enforcement service to out-of-band consumers (the guard worker). Publishing
// is strictly fail-open: a broker outage must never affect a decision.
package decisionbus

import (
	"context"
	"encoding/json"
	"sync"
)

// DecisionEvent is the summary published after every decided request.
type DecisionEvent struct {
	TenantID              string `json:"tenantId"`
	PolicyID              string `json:"policyId"`
	ShadowDecisionID      string `json:"shadowDecisionId"`
	EnforcementDecisionID string `json:"enforcementDecisionId,omitempty"`
	WouldDecision         string `json:"wouldDecision"`
	EnforcementResult     string `json:"enforcementResult,omitempty"`
	PolicyConflictCode    string `json:"policyConflictCode,omitempty"`
	Bypassed              bool   `json:"bypassed"`
	BypassReason          string `json:"bypassReason,omitempty"`
	Divergence            bool   `json:"divergence"`
	CaseOpened            bool   `json:"caseOpened"`
	DecidedAtUTC          string `json:"decidedAtUtc"`
}

type Publisher interface {
	Publish(ctx context.Context, ev DecisionEvent) error
}

type Consumer interface {
	Next(ctx context.Context) (DecisionEvent, error)
	Close() error
}

// MemoryBus is a bounded in-process bus for single-binary deployments and
// tests. When the buffer is full the oldest event is dropped; the feed is an
// observability aid, never a system of record.
type MemoryBus struct {
	mu     sync.Mutex
	events chan DecisionEvent
}

func NewMemoryBus(size int) *MemoryBus {
	if size <= 0 {
		size = 1024
	}
	return &MemoryBus{events: make(chan DecisionEvent, size)}
}

func (b *MemoryBus) Publish(_ context.Context, ev DecisionEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		select {
		case b.events <- ev:
			return nil
		default:
			select {
			case <-b.events:
			default:
			}
		}
	}
}

func (b *MemoryBus) Next(ctx context.Context) (DecisionEvent, error) {
	select {
	case ev := <-b.events:
		return ev, nil
	case <-ctx.Done():
		return DecisionEvent{}, ctx.Err()
	}
}

func (b *MemoryBus) Close() error { return nil }

func marshalEvent(ev DecisionEvent) ([]byte, error) {
	return json.Marshal(ev)
}

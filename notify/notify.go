/*
Package notify is the engine-side interface to the notification subsystem.

PURPOSE:
  The engine only ever *requests* notifications; delivery (push, in-app) is
  the notification subsystem's problem. Requests carry a caller-supplied
  idempotency key so that one real-world achievement produces at most one
  notification record no matter how many times the grant path is retried.

FIRE-AND-FORGET:
  A failed notification request must never roll back the point grant that
  caused it. Points are the authoritative outcome; a missed notification is
  recoverable, a duplicated grant is not. Callers log and continue.
*/
package notify

import (
	"context"
	"sync"

	"github.com/lumio/loyalty-engine/ledger"
)

// Notification is one delivery request.
type Notification struct {
	UserID         ledger.UserID
	Title          string
	Body           string
	IdempotencyKey string
	Payload        map[string]string
}

// Notifier accepts notification requests. Implementations deduplicate on
// IdempotencyKey: a repeated key is silently dropped, not an error.
type Notifier interface {
	Request(ctx context.Context, n Notification) error
}

// =============================================================================
// MEMORY NOTIFIER - For tests; records deduplicated requests
// =============================================================================

type Memory struct {
	mu   sync.Mutex
	seen map[string]bool
	sent []Notification
}

func NewMemory() *Memory {
	return &Memory{seen: make(map[string]bool)}
}

func (m *Memory) Request(_ context.Context, n Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n.IdempotencyKey != "" && m.seen[n.IdempotencyKey] {
		return nil
	}
	if n.IdempotencyKey != "" {
		m.seen[n.IdempotencyKey] = true
	}
	m.sent = append(m.sent, n)
	return nil
}

// Sent returns a copy of the accepted (non-duplicate) requests.
func (m *Memory) Sent() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Notification, len(m.sent))
	copy(out, m.sent)
	return out
}

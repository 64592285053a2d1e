// Package event fans authentication events out to in-process subscribers:
// the audit recorder and the administrative SSE stream.
package event

import (
	"context"
	"sync"
	"time"
)

// Type identifies an authentication event.
type Type string

const (
	TypeLoginPending   Type = "login.pending"    // password accepted, OTP issued
	TypeLoginDenied    Type = "login.denied"     // bad identifier or password
	TypeOTPValidated   Type = "otp.validated"    // second factor accepted
	TypeOTPRejected    Type = "otp.rejected"     // wrong, expired or missing code
	TypeTokensIssued   Type = "tokens.issued"    // access+refresh pair minted
	TypeTokenRefreshed Type = "token.refreshed"  // refresh rotation succeeded
	TypeRefreshDenied  Type = "refresh.denied"   // stale or unknown refresh token
	TypeLogout         Type = "logout"           // issued tokens removed
	TypeAccessDenied   Type = "access.denied"    // permission check failed
)

// Event is a single authentication event.
type Event struct {
	Type      Type      `json:"type"`
	UserID    string    `json:"user_id,omitempty"`
	Email     string    `json:"email,omitempty"`
	Provider  string    `json:"provider,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Bus fans events out to all active subscribers. Publishing never blocks;
// a subscriber that falls behind loses events rather than stalling logins.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// NewBus initialises an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber and returns its channel. The channel is
// closed when the provided context ends.
func (b *Bus) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 64)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		close(ch)
		b.mu.Unlock()
	}()

	return ch
}

// Publish delivers ev to every subscriber, stamping the time if unset.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// slow subscriber, drop
		}
	}
}

// Subscribers reports the number of active subscribers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

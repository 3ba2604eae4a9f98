// Package events provides the typed dispatch bus between platform-facing
// surfaces and the referral lifecycle. Adapters publish transaction events;
// subscribers are plain handler funcs registered once at startup. The
// dispatcher checks the integration context against the enabled-adapter
// registry before invoking anything, so an event from a disabled context is
// rejected up front instead of half-processed.
package events

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-referral-backend/internal/config"
	"github.com/tbourn/go-referral-backend/internal/domain"
	"github.com/tbourn/go-referral-backend/internal/services"
)

// Type identifies one kind of transaction event.
type Type string

// Transaction event types published by platform adapters.
const (
	TransactionCreated   Type = "transaction.created"
	TransactionConfirmed Type = "transaction.confirmed"
	TransactionRefunded  Type = "transaction.refunded"
	TransactionCancelled Type = "transaction.cancelled"
)

// ErrContextDisabled is returned when an event names an integration context
// that is not in the enabled registry.
var ErrContextDisabled = errors.New("integration context is disabled")

// Event is one transaction signal from a platform adapter.
type Event struct {
	Type      Type
	Context   string
	Reference string
	// Snapshot is populated for TransactionCreated only.
	Snapshot domain.OrderSnapshot
	// ManualAffiliateID optionally forces attribution on creation.
	ManualAffiliateID string
}

// Handler processes one event. A non-nil error aborts the dispatch and is
// returned to the publisher.
type Handler func(ctx context.Context, ev Event) error

// Dispatcher routes events to subscribed handlers, in subscription order.
type Dispatcher struct {
	enabled func(context_ string) bool

	mu       sync.RWMutex
	handlers map[Type][]Handler
}

// NewDispatcher builds a dispatcher whose context gate is enabled. A nil
// gate enables every context.
func NewDispatcher(enabled func(context_ string) bool) *Dispatcher {
	if enabled == nil {
		enabled = func(string) bool { return true }
	}
	return &Dispatcher{
		enabled:  enabled,
		handlers: make(map[Type][]Handler),
	}
}

// Subscribe registers h for events of type t.
func (d *Dispatcher) Subscribe(t Type, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[t] = append(d.handlers[t], h)
}

// Publish dispatches ev to its subscribers. Events from disabled contexts
// are rejected with ErrContextDisabled before any handler runs; the first
// handler error aborts the remainder.
func (d *Dispatcher) Publish(ctx context.Context, ev Event) error {
	if !d.enabled(ev.Context) {
		log.Warn().
			Str("event", string(ev.Type)).
			Str("context", ev.Context).
			Msg("rejected event from disabled integration context")
		return ErrContextDisabled
	}

	d.mu.RLock()
	hs := d.handlers[ev.Type]
	d.mu.RUnlock()

	for _, h := range hs {
		if err := h(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// RegisterCoreHandlers wires the referral lifecycle to the bus: creation
// attributes a pending referral, confirmation completes it, and refund and
// cancellation both revoke it when the revoke-on-refund policy is on.
func RegisterCoreHandlers(d *Dispatcher, svc *services.ReferralService, policy config.PolicyConfig) {
	d.Subscribe(TransactionCreated, func(ctx context.Context, ev Event) error {
		_, err := svc.AddPendingReferral(ctx, ev.Context, ev.Reference, ev.Snapshot, ev.ManualAffiliateID)
		return err
	})
	d.Subscribe(TransactionConfirmed, func(ctx context.Context, ev Event) error {
		_, err := svc.Complete(ctx, ev.Context, ev.Reference)
		return err
	})
	revoke := func(ctx context.Context, ev Event) error {
		if !policy.RevokeOnRefund {
			log.Debug().
				Str("event", string(ev.Type)).
				Str("context", ev.Context).
				Str("reference", ev.Reference).
				Msg("revoke ignored, revoke-on-refund disabled")
			return nil
		}
		_, err := svc.Revoke(ctx, ev.Context, ev.Reference)
		return err
	}
	d.Subscribe(TransactionRefunded, revoke)
	d.Subscribe(TransactionCancelled, revoke)
}

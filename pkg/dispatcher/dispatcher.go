// Package dispatcher routes pushed events to the reconciler and
// raises user notifications for them.
package dispatcher

import (
	"context"
	"errors"

	"github.com/cuemby/docqa/pkg/cache"
	"github.com/cuemby/docqa/pkg/events"
	"github.com/cuemby/docqa/pkg/log"
	"github.com/cuemby/docqa/pkg/metrics"
	"github.com/cuemby/docqa/pkg/notify"
	"github.com/cuemby/docqa/pkg/protocol"
	"github.com/cuemby/docqa/pkg/reconciler"
	"github.com/rs/zerolog"
)

// Invalidator schedules a pull refetch of a key. It must not block.
type Invalidator interface {
	Invalidate(key cache.Key)
}

// Applier merges decoded events into the cache
type Applier interface {
	Apply(ev protocol.Event) reconciler.Result
}

// Config wires a Dispatcher
type Config struct {
	Reconciler  Applier
	Invalidator Invalidator
	Navigator   notify.Navigator
	Broker      *events.Broker
}

// Dispatcher routes pushed envelopes to the reconciler and the
// notification router, one envelope at a time.
type Dispatcher struct {
	reconciler  Applier
	invalidator Invalidator
	navigator   notify.Navigator
	broker      *events.Broker
	logger      zerolog.Logger
}

// NewDispatcher creates a dispatcher
func NewDispatcher(cfg Config) *Dispatcher {
	nav := cfg.Navigator
	if nav == nil {
		nav = &notify.Tracker{}
	}
	return &Dispatcher{
		reconciler:  cfg.Reconciler,
		invalidator: cfg.Invalidator,
		navigator:   nav,
		broker:      cfg.Broker,
		logger:      log.WithComponent("dispatcher"),
	}
}

// Run consumes frames until ctx is done or frames is closed. Each
// envelope is decoded, merged and routed before the next one is read.
func (d *Dispatcher) Run(ctx context.Context, frames <-chan protocol.Envelope) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-frames:
			if !ok {
				return nil
			}
			d.Handle(env)
		}
	}
}

// Handle processes one envelope and returns the notification it raised,
// if any. Unknown kinds and malformed payloads are dropped.
func (d *Dispatcher) Handle(env protocol.Envelope) *notify.Notification {
	ev, err := protocol.Decode(env)
	if errors.Is(err, protocol.ErrUnknownKind) {
		metrics.EventsIgnoredTotal.WithLabelValues("unknown_kind").Inc()
		d.logger.Debug().Str("kind", string(env.Kind)).Msg("Ignoring unknown event kind")
		return nil
	}
	if err != nil {
		metrics.EventsIgnoredTotal.WithLabelValues("malformed").Inc()
		d.logger.Warn().Err(err).Str("kind", string(env.Kind)).Msg("Dropping malformed event")
		return nil
	}
	metrics.EventsHandledTotal.WithLabelValues(string(env.Kind)).Inc()

	res := d.reconciler.Apply(ev)
	if res.Outcome == reconciler.OutcomeRefetch && d.invalidator != nil {
		d.invalidator.Invalidate(res.Key)
	}

	n := notify.Route(ev, d.navigator.CurrentConversation())
	if n == nil {
		return nil
	}
	metrics.NotificationsTotal.WithLabelValues(string(n.Type)).Inc()
	d.broker.Publish(&events.Event{
		Type:    events.EventNotificationRaised,
		Message: n.Title,
		Metadata: map[string]string{
			"kind":            string(env.Kind),
			"type":            string(n.Type),
			"level":           string(n.Level),
			"conversation_id": n.ConversationID,
		},
		Data: n,
	})
	return n
}

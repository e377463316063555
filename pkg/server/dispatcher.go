package server

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/chatrelay/chatrelay/pkg/bus"
	"github.com/chatrelay/chatrelay/pkg/protocol"
	"github.com/chatrelay/chatrelay/pkg/store"
)

// resubscribeBackoff is the wait between subscription attempts after the
// bus drops.
const resubscribeBackoff = time.Second

// sessionLocator finds live sessions by user id. The Server implements it;
// the dispatcher uses it to attach sessions to channels created elsewhere.
type sessionLocator interface {
	SessionsForUser(userID string) []*Session
}

// Dispatcher is the single per-instance bus consumer. It subscribes to
// every topic, writes each envelope to the local sessions registered for
// that channel and keeps attended read cursors moving.
type Dispatcher struct {
	bus      bus.Bus
	registry *Registry
	store    store.HistoryStore
	locator  sessionLocator
	log      zerolog.Logger
	metrics  *Metrics
}

func NewDispatcher(b bus.Bus, registry *Registry, st store.HistoryStore, locator sessionLocator, log zerolog.Logger, metrics *Metrics) *Dispatcher {
	return &Dispatcher{
		bus:      b,
		registry: registry,
		store:    st,
		locator:  locator,
		log:      log.With().Str("component", "dispatcher").Logger(),
		metrics:  metrics,
	}
}

// Run consumes the bus until ctx is cancelled. A dropped subscription is
// logged and replaced; envelopes lost in the gap are recovered by clients
// through unread.
func (d *Dispatcher) Run(ctx context.Context) {
	println("DEBUG dispatcher Run entered")
	first := true
	for {
		if ctx.Err() != nil {
			return
		}
		println("DEBUG dispatcher about to subscribe")
		if !first {
			d.metrics.RecordBusResubscribe()
		}
		first = false

		sub, err := d.bus.SubscribePattern(ctx, "*")
		if err != nil {
			d.log.Error().Err(err).Msg("bus subscribe failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(resubscribeBackoff):
			}
			continue
		}
		d.log.Info().Msg("bus subscription established")

		d.consume(ctx, sub)
	}
}

func (d *Dispatcher) consume(ctx context.Context, sub bus.Subscription) {
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			println("DEBUG consume got event ok", ok, "topic", ev.Topic)
			if !ok {
				d.log.Warn().Err(sub.Err()).Msg("bus subscription lost")
				return
			}
			d.handle(ctx, ev)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, ev bus.Event) {
	if ev.Topic == protocol.ControlTopic {
		d.handleCreateChannel(ctx, ev.Payload)
		return
	}

	_, _, publishedAt, err := protocol.Peek(ev.Payload)
	if err != nil {
		d.log.Warn().Err(err).Str("topic", ev.Topic).Msg("undecodable bus envelope")
		return
	}

	delivered, failed := 0, 0
	for _, sess := range d.registry.Sessions(ev.Topic) {
		if err := sess.WriteDoc(ev.Payload); err != nil {
			// A session that cannot take writes is dead; closing the
			// transport lets its read loop run the disconnect path.
			d.log.Debug().Err(err).Uint64("session_id", sess.ID).Msg("fan-out write failed")
			sess.Close()
			failed++
			continue
		}
		delivered++

		// Every envelope delivered while attending counts as read,
		// acks included.
		sess.AdvanceLastRead(ev.Topic, publishedAt)
		d.persistLastRead(ctx, sess, ev.Topic)
	}
	d.metrics.RecordFanout(delivered, failed)
}

// persistLastRead flushes the session's read cursor for channel when the
// session is attending it.
func (d *Dispatcher) persistLastRead(ctx context.Context, sess *Session, channel string) {
	if sess.Attending() != channel {
		return
	}
	info, ok := sess.JoinInfo(channel)
	if !ok {
		return
	}
	if err := d.store.PutJoinInfo(ctx, &info); err != nil {
		d.log.Error().Err(err).Str("channel", channel).Msg("read cursor write failed")
	}
}

// handleCreateChannel attaches this instance's live sessions of the named
// users to a channel created on another instance.
func (d *Dispatcher) handleCreateChannel(ctx context.Context, payload []byte) {
	var env protocol.CreateChannelEnvelope
	if err := protocol.Decode(payload, &env); err != nil {
		d.log.Warn().Err(err).Msg("undecodable channel announcement")
		return
	}

	for _, userID := range env.Users {
		sessions := d.locator.SessionsForUser(userID)
		if len(sessions) == 0 {
			continue
		}
		info, err := d.store.GetJoinInfo(ctx, env.Channel, userID)
		if err != nil {
			d.log.Warn().Err(err).Str("channel", env.Channel).Str("user", userID).Msg("announced membership missing")
			continue
		}
		for _, sess := range sessions {
			sess.AddJoinInfo(*info)
			d.registry.Add(env.Channel, sess)
		}
	}
}

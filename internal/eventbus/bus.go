package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// MsgKind discriminates the LogMsg sum type carried as a NATS message
// payload (spec.md §4.4).
type MsgKind string

const (
	KindJSONPatch MsgKind = "json_patch"
	KindReady     MsgKind = "ready"
	KindFinished  MsgKind = "finished"
	KindSessionID MsgKind = "session_id"
	KindLagged    MsgKind = "lagged"
)

// LogMsg is what subscribers of a topic receive.
type LogMsg struct {
	Kind      MsgKind         `json:"kind"`
	JSONPatch json.RawMessage `json:"json_patch,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Lagged    int             `json:"lagged,omitempty"`
}

// Bus wraps an embedded NATS+JetStream server and a client connection,
// providing topic streams with a bounded retained replay buffer.
type Bus struct {
	embedded *embeddedServer
	conn     *nats.Conn
	js       nats.JetStreamContext
	log      *slog.Logger

	replayLimit int64
}

func Open(cfg EmbeddedConfig, replayLimit int, log *slog.Logger) (*Bus, error) {
	if replayLimit <= 0 {
		replayLimit = 1000
	}

	e := newEmbeddedServer(cfg, log)
	if err := e.Start(); err != nil {
		return nil, err
	}

	conn, err := nats.Connect(e.ClientURL())
	if err != nil {
		e.Shutdown()
		return nil, fmt.Errorf("connect to embedded nats: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		e.Shutdown()
		return nil, fmt.Errorf("get jetstream context: %w", err)
	}

	return &Bus{embedded: e, conn: conn, js: js, log: log, replayLimit: int64(replayLimit)}, nil
}

func (b *Bus) Close() {
	b.conn.Close()
	b.embedded.Shutdown()
}

// EnsureStream creates (or updates) the JetStream stream backing a subject
// hierarchy, retention bounded to b.replayLimit messages, matching the
// teacher's LimitsPolicy/DiscardOld stream configuration.
func (b *Bus) EnsureStream(name string, subjects []string) error {
	cfg := &nats.StreamConfig{
		Name:      name,
		Subjects:  subjects,
		MaxMsgs:   b.replayLimit,
		Retention: nats.LimitsPolicy,
		Discard:   nats.DiscardOld,
		Storage:   nats.MemoryStorage,
	}
	if _, err := b.js.StreamInfo(name); err != nil {
		if _, err := b.js.AddStream(cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", name, err)
		}
		return nil
	}
	if _, err := b.js.UpdateStream(cfg); err != nil {
		return fmt.Errorf("update stream %s: %w", name, err)
	}
	return nil
}

// Publish marshals and publishes msg to subject.
func (b *Bus) Publish(subject string, msg LogMsg) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal log msg: %w", err)
	}
	_, err = b.js.Publish(subject, data)
	return err
}

// Subscription delivers LogMsg values in order on C(). When the consumer's
// pending backlog exceeds MaxAckPending, a KindLagged message carrying the
// pending count is delivered ahead of the next message: the moment the
// subscriber must resnapshot rather than trust incremental patches.
type Subscription struct {
	sub *nats.Subscription
	ch  chan LogMsg
	log *slog.Logger
}

// Subscribe opens a push subscription over subject, replaying everything
// currently retained before switching to live delivery — exactly the
// "ordered replay buffer + live tail" contract spec.md §4.4 requires.
func (b *Bus) Subscribe(ctx context.Context, subject string) (*Subscription, error) {
	return b.subscribe(ctx, subject, nats.DeliverAll())
}

// subscribeLive opens a push subscription over subject that skips retained
// history and only delivers messages published from this point on. Derived
// streams use this for their live tail: they've already synthesized their
// own snapshot from the store, so replaying the bus's retained buffer on top
// would reintroduce stale or duplicate state instead of just the delta.
func (b *Bus) subscribeLive(ctx context.Context, subject string) (*Subscription, error) {
	return b.subscribe(ctx, subject, nats.DeliverNew())
}

func (b *Bus) subscribe(ctx context.Context, subject string, deliver nats.SubOpt) (*Subscription, error) {
	const maxAckPending = 2048
	ch := make(chan LogMsg, maxAckPending)

	s := &Subscription{ch: ch, log: b.log}

	handler := func(m *nats.Msg) {
		meta, _ := m.Metadata()
		if meta != nil && meta.NumPending > uint64(maxAckPending) {
			select {
			case ch <- LogMsg{Kind: KindLagged, Lagged: int(meta.NumPending)}:
			default:
			}
		}

		var msg LogMsg
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			b.log.Warn("dropping malformed event", "subject", subject, "err", err)
			m.Ack()
			return
		}
		select {
		case ch <- msg:
			m.Ack()
		case <-ctx.Done():
			m.Nak()
		}
	}

	sub, err := b.js.Subscribe(subject, handler,
		deliver,
		nats.AckExplicit(),
		nats.MaxAckPending(maxAckPending),
	)
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}
	s.sub = sub

	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
		close(ch)
	}()

	return s, nil
}

func (s *Subscription) C() <-chan LogMsg { return s.ch }

func (s *Subscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/common/config"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/common/logger"
)

const (
	natsDrainTimeout = 10 * time.Second
	// run.log_event bursts while many runs stream; beyond this a subscriber
	// is a slow consumer and NATS drops for it rather than for everyone
	natsPendingMsgs  = 64 * 1024
	natsPendingBytes = 64 * 1024 * 1024
)

// NATSEventBus implements EventBus using NATS, letting several runpool
// processes share run lifecycle events. Subjects are namespaced with the
// configured prefix so deployments can share a server.
type NATSEventBus struct {
	conn   *nats.Conn
	prefix string
	closed chan struct{}
	logger *logger.Logger
}

// NewNATSEventBus connects to cfg.URL and keeps reconnecting up to cfg.MaxReconnects.
func NewNATSEventBus(cfg config.NATSConfig, log *logger.Logger) (*NATSEventBus, error) {
	log = log.Component("nats-bus")
	b := &NATSEventBus{
		prefix: strings.Trim(cfg.SubjectPrefix, "."),
		closed: make(chan struct{}),
		logger: log,
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2*time.Second),
		nats.DrainTimeout(natsDrainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Warn("NATS connection closed", zap.Error(err))
			}
			close(b.closed)
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			if errors.Is(err, nats.ErrSlowConsumer) {
				log.Warn("NATS subscriber falling behind, events dropped", zap.String("subject", subject))
				return
			}
			log.Error("NATS error", zap.String("subject", subject), zap.Error(err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	b.conn = conn
	log.Info("Connected to NATS", zap.String("url", cfg.URL), zap.String("prefix", b.prefix))
	return b, nil
}

// qualify maps a bus subject to its NATS subject.
func qualify(prefix, subject string) string {
	if prefix == "" {
		return subject
	}
	return prefix + "." + subject
}

// unqualify is the inverse of qualify.
func unqualify(prefix, subject string) string {
	if prefix == "" {
		return subject
	}
	return strings.TrimPrefix(subject, prefix+".")
}

// Publish sends an event to a subject
func (b *NATSEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.conn.Publish(qualify(b.prefix, subject), data); err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe creates a subscription to a subject pattern
func (b *NATSEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	sub, err := b.conn.Subscribe(qualify(b.prefix, subject), b.msgHandler(handler))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	return b.track(sub)
}

// QueueSubscribe creates a queue subscription; each event reaches one member of the group.
func (b *NATSEventBus) QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	sub, err := b.conn.QueueSubscribe(qualify(b.prefix, subject), queue, b.msgHandler(handler))
	if err != nil {
		return nil, fmt.Errorf("failed to queue subscribe to %s: %w", subject, err)
	}
	return b.track(sub)
}

func (b *NATSEventBus) track(sub *nats.Subscription) (Subscription, error) {
	if err := sub.SetPendingLimits(natsPendingMsgs, natsPendingBytes); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("set pending limits on %s: %w", sub.Subject, err)
	}
	b.logger.Debug("Subscribed", zap.String("subject", sub.Subject))
	return &natsSubscription{sub: sub}, nil
}

func (b *NATSEventBus) msgHandler(handler EventHandler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.Warn("Dropping undecodable event", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		if err := handler(context.Background(), &event); err != nil {
			b.logger.Error("Event handler failed",
				zap.String("subject", unqualify(b.prefix, msg.Subject)),
				zap.String("event_type", event.Type),
				zap.Error(err))
		}
	}
}

// Close drains subscriptions and waits for in-flight handlers before closing.
func (b *NATSEventBus) Close() {
	if b.conn == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn("NATS drain failed", zap.Error(err))
		b.conn.Close()
	}
	select {
	case <-b.closed:
	case <-time.After(natsDrainTimeout + time.Second):
		b.conn.Close()
	}
}

// IsConnected returns whether the NATS connection is active
func (b *NATSEventBus) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) IsValid() bool {
	return s.sub.IsValid()
}

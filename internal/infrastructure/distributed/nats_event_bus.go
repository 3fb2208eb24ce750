package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"remotelink/internal/core/domain"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSEventBus publishes each session event on <subject>.<code>.<kind> and
// subscribes with a wildcard.
type NATSEventBus struct {
	nc         *nats.Conn
	subject    string
	instanceID string
	logger     *zap.SugaredLogger
}

func NewNATSEventBus(url, subject, instanceID string, logger *zap.SugaredLogger) (*NATSEventBus, error) {
	nc, err := nats.Connect(url,
		nats.Name("remotelink-"+instanceID),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warnw("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infow("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSEventBus{
		nc:         nc,
		subject:    subject,
		instanceID: instanceID,
		logger:     logger,
	}, nil
}

func (b *NATSEventBus) subjectFor(ev domain.SessionEvent) string {
	kind := strings.TrimPrefix(string(ev.Type), "session.")
	return fmt.Sprintf("%s.%s.%s", b.subject, ev.Code, kind)
}

func (b *NATSEventBus) Publish(ctx context.Context, event domain.SessionEvent) error {
	data, err := encodeEvent(b.instanceID, event)
	if err != nil {
		return err
	}
	if err := b.nc.Publish(b.subjectFor(event), data); err != nil {
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}
	return nil
}

func (b *NATSEventBus) Subscribe(ctx context.Context, handler func(domain.SessionEvent)) error {
	sub, err := b.nc.Subscribe(b.subject+".>", func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.Warnw("failed to unmarshal event", "subject", msg.Subject, "error", err)
			return
		}
		handler(event.Session)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", b.subject, err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	b.logger.Infow("nats subscriber started", "subject", b.subject+".>")

	closed := make(chan struct{})
	go func() {
		for !b.nc.IsClosed() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(500 * time.Millisecond):
			}
		}
		close(closed)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-closed:
		return nil
	}
}

func (b *NATSEventBus) Close() error {
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return err
	}
	return nil
}

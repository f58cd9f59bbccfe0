// Package relay carries room events between server instances that share a
// NATS cluster, so peers of one project can be connected to any instance.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/good-yellow-bee/cowork/internal/logging"
	"github.com/good-yellow-bee/cowork/internal/metrics"
	"github.com/good-yellow-bee/cowork/internal/room"
)

// DeliverFunc hands a remote event to the local room.
type DeliverFunc func(projectID string, ev room.Event)

// Relay publishes local room events and delivers remote ones.
type Relay interface {
	Publish(ctx context.Context, projectID string, ev room.Event) error
	// Run delivers remote events until ctx ends.
	Run(ctx context.Context, deliver DeliverFunc) error
	Close() error
}

// Config holds relay settings. An empty URL disables the relay.
type Config struct {
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "cowork.rooms"
	}
}

// Noop is the single-instance relay.
type Noop struct{}

func (Noop) Publish(context.Context, string, room.Event) error { return nil }

func (Noop) Run(ctx context.Context, _ DeliverFunc) error {
	<-ctx.Done()
	return nil
}

func (Noop) Close() error { return nil }

type envelope struct {
	Origin    string     `json:"origin"`
	ProjectID string     `json:"project_id"`
	Event     room.Event `json:"event"`
}

// NATSRelay is a Relay over core NATS subjects, one per project.
type NATSRelay struct {
	nc     *nats.Conn
	prefix string
	origin string
	owned  bool
	logger *zap.Logger
}

// Connect dials the configured NATS server.
func Connect(cfg Config, logger *zap.Logger) (*NATSRelay, error) {
	cfg.SetDefaults()
	nc, err := nats.Connect(cfg.URL,
		nats.Name("cowork"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("relay disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("relay reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect relay: %w", err)
	}
	r := New(nc, cfg, logger)
	r.owned = true
	return r, nil
}

// New wraps an existing connection. The caller keeps ownership of nc.
func New(nc *nats.Conn, cfg Config, logger *zap.Logger) *NATSRelay {
	cfg.SetDefaults()
	return &NATSRelay{
		nc:     nc,
		prefix: cfg.SubjectPrefix,
		origin: uuid.New().String(),
		logger: logger,
	}
}

// Conn returns the underlying connection for health checks.
func (r *NATSRelay) Conn() *nats.Conn {
	return r.nc
}

func (r *NATSRelay) subject(projectID string) (string, error) {
	if projectID == "" || strings.ContainsAny(projectID, ".*> \t") {
		return "", fmt.Errorf("project id %q is not a valid subject token", projectID)
	}
	return r.prefix + "." + projectID, nil
}

// Publish sends ev to the other instances.
func (r *NATSRelay) Publish(_ context.Context, projectID string, ev room.Event) error {
	subject, err := r.subject(projectID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(envelope{Origin: r.origin, ProjectID: projectID, Event: ev})
	if err != nil {
		return fmt.Errorf("encode relay envelope: %w", err)
	}
	if err := r.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	metrics.RelayEventsTotal.WithLabelValues("out").Inc()
	return nil
}

// Run subscribes to every project subject and delivers events published by
// other instances. Events this instance published are skipped.
func (r *NATSRelay) Run(ctx context.Context, deliver DeliverFunc) error {
	msgs := make(chan *nats.Msg, 256)
	sub, err := r.nc.ChanSubscribe(r.prefix+".*", msgs)
	if err != nil {
		return fmt.Errorf("subscribe relay: %w", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()
	if err := r.nc.Flush(); err != nil {
		return fmt.Errorf("flush relay subscription: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-msgs:
			var env envelope
			if err := json.Unmarshal(msg.Data, &env); err != nil {
				r.logger.Warn("dropping malformed relay message", zap.String("subject", msg.Subject), zap.Error(err))
				continue
			}
			if env.Origin == r.origin {
				continue
			}
			metrics.RelayEventsTotal.WithLabelValues("in").Inc()
			r.logger.Debug("relay event", logging.Project(env.ProjectID), zap.String("event", env.Event.Name))
			deliver(env.ProjectID, env.Event)
		}
	}
}

// Close drains the connection if the relay opened it.
func (r *NATSRelay) Close() error {
	if !r.owned {
		return nil
	}
	return r.nc.Drain()
}

// Package relay republishes newly inserted notifications on NATS so that other
// local tools (sound alerts, desktop notifiers) can react without holding their
// own push connection.
package relay

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/cargoline/opsdash/internal/logger"
	"github.com/cargoline/opsdash/internal/notifications"
)

const DefaultSubjectPrefix = "opsdash.notifications"

// Publisher is the part of *nats.Conn used by the relay.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSRelay publishes notifications to <prefix>.<type>.
type NATSRelay struct {
	publisher Publisher
	prefix    string
	logger    *logger.Logger
}

// New creates a relay over an existing publisher.
func New(publisher Publisher, prefix string, log *logger.Logger) *NATSRelay {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if log == nil {
		log = logger.Discard()
	}
	return &NATSRelay{
		publisher: publisher,
		prefix:    prefix,
		logger:    log.WithComponent("relay"),
	}
}

// Connect dials NATS. The connection reconnects on its own; the caller drains
// it on shutdown.
func Connect(url string, log *logger.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("opsdash-notifyd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", url, err)
	}
	return nc, nil
}

// Subject returns the subject a notification is published on.
func (r *NATSRelay) Subject(n notifications.Notification) string {
	kind := strings.ToLower(strings.TrimSpace(n.Type))
	if kind == "" {
		kind = strings.ToLower(notifications.DefaultType)
	}
	return r.prefix + "." + kind
}

// Publish sends n. Failures are logged and otherwise ignored.
func (r *NATSRelay) Publish(n notifications.Notification) {
	data, err := json.Marshal(n)
	if err != nil {
		r.logger.Error("failed to encode notification", slog.String("notification_id", n.ID), slog.String("error", err.Error()))
		return
	}

	subject := r.Subject(n)
	if err := r.publisher.Publish(subject, data); err != nil {
		r.logger.Warn("failed to relay notification",
			slog.String("subject", subject),
			slog.String("notification_id", n.ID),
			slog.String("error", err.Error()))
		return
	}

	r.logger.Debug("relayed notification", slog.String("subject", subject), slog.String("notification_id", n.ID))
}

// Discard is a sink that drops everything, used when NATS is not configured.
type Discard struct{}

func (Discard) Publish(notifications.Notification) {}

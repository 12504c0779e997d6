// Package nats adapts the fabric's fan-out transport seam onto a NATS
// server, letting topic publishes and broadcasts reach subscribers in other
// processes. Core NATS only: topic fan-out is best-effort by contract, so
// JetStream durability is not required.
package nats

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/bidfabric/bidfabric/internal/fabric"
	"github.com/bidfabric/bidfabric/internal/log"
)

// Transport implements fabric.Transport over a NATS connection.
type Transport struct {
	conn   *nats.Conn
	prefix string

	mu   sync.Mutex
	subs []*nats.Subscription
}

// Connect dials the NATS server. prefix namespaces subjects so multiple
// deployments can share one server.
func Connect(url, prefix string) (*Transport, error) {
	if prefix == "" {
		prefix = "bidfabric"
	}
	conn, err := nats.Connect(url,
		nats.Name("bidfabric"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn(log.CatFabric, "nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info(log.CatFabric, "nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	return &Transport{conn: conn, prefix: prefix}, nil
}

// subject maps a fabric topic onto a NATS subject. Topic path segments
// become subject tokens: workflow/progress -> <prefix>.workflow.progress.
func (t *Transport) subject(topic string) string {
	return t.prefix + "." + strings.ReplaceAll(topic, "/", ".")
}

// Publish sends the encoded envelope to the topic's subject.
func (t *Transport) Publish(_ context.Context, topic string, data []byte) error {
	if err := t.conn.Publish(t.subject(topic), data); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers a delivery callback for the topic's subject.
func (t *Transport) Subscribe(topic string, deliver func(data []byte)) (func(), error) {
	sub, err := t.conn.Subscribe(t.subject(topic), func(msg *nats.Msg) {
		deliver(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
	}

	t.mu.Lock()
	t.subs = append(t.subs, sub)
	t.mu.Unlock()

	return func() {
		if err := sub.Unsubscribe(); err != nil {
			log.Debug(log.CatFabric, "nats unsubscribe failed", "topic", topic, "err", err)
		}
	}, nil
}

// Close drains the connection so queued outbound messages flush first.
func (t *Transport) Close() error {
	if err := t.conn.Drain(); err != nil {
		t.conn.Close()
		return err
	}
	return nil
}

var _ fabric.Transport = (*Transport)(nil)

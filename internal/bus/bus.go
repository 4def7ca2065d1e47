// Package bus streams incident records over NATS JetStream.
package bus

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/ppiankov/shieldclaw/internal/model"
)

const (
	// StreamName is the JetStream stream holding incident records.
	StreamName = "SHIELDCLAW_INCIDENTS"
	// SubjectPrefix prefixes every incident subject; the event type follows.
	SubjectPrefix = "shieldclaw.incidents"

	// RandomPort asks the embedded server to pick a free port.
	RandomPort = server.RANDOM_PORT
)

// Config controls how the bus connects.
type Config struct {
	Enabled  bool   `yaml:"enabled"   json:"enabled"`
	Embedded bool   `yaml:"embedded"  json:"embedded"`
	URL      string `yaml:"url"       json:"url"`
	Port     int    `yaml:"port"      json:"port"`
	DataDir  string `yaml:"data_dir"  json:"data_dir"`
}

// Bus publishes incidents to JetStream. It satisfies the journal's Sink interface.
type Bus struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	ns     *server.Server
	logger zerolog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription

	published atomic.Int64
	failed    atomic.Int64
}

// Open connects to NATS. If cfg.Embedded is true, it starts an embedded
// server first.
func Open(cfg Config, logger zerolog.Logger) (*Bus, error) {
	b := &Bus{logger: logger.With().Str("component", "bus").Logger()}

	url := cfg.URL
	if cfg.Embedded {
		if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
			return nil, fmt.Errorf("creating NATS data dir: %w", err)
		}
		ns, err := server.NewServer(&server.Options{
			Host:      "127.0.0.1",
			Port:      cfg.Port,
			JetStream: true,
			StoreDir:  cfg.DataDir,
			NoLog:     true,
			NoSigs:    true,
		})
		if err != nil {
			return nil, fmt.Errorf("creating embedded NATS server: %w", err)
		}
		ns.Start()
		if !ns.ReadyForConnections(10 * time.Second) {
			ns.Shutdown()
			return nil, fmt.Errorf("embedded NATS server failed to start within timeout")
		}
		b.ns = ns
		url = ns.ClientURL()
		b.logger.Info().Str("url", url).Msg("embedded NATS server started")
	}
	if url == "" {
		url = nats.DefaultURL
	}

	nc, err := nats.Connect(url,
		nats.Name("shieldclaw"),
		nats.MaxReconnects(60),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				b.logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			b.logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		b.shutdownServer()
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	b.nc = nc

	js, err := nc.JetStream()
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}
	b.js = js

	streamCfg := &nats.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{SubjectPrefix + ".>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    30 * 24 * time.Hour,
		MaxBytes:  256 * 1024 * 1024,
		Storage:   nats.FileStorage,
		Discard:   nats.DiscardOld,
	}
	if _, err := js.AddStream(streamCfg); err != nil {
		if _, updateErr := js.UpdateStream(streamCfg); updateErr != nil {
			b.Close()
			return nil, fmt.Errorf("creating/updating incident stream: %w (original: %v)", updateErr, err)
		}
	}

	b.logger.Info().Str("url", url).Msg("connected to NATS JetStream")
	return b, nil
}

// Subject returns the subject an incident of type et is published on.
func Subject(et model.EventType) string {
	return SubjectPrefix + "." + string(et)
}

// Publish writes rec to the incident stream.
func (b *Bus) Publish(rec model.IncidentRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling incident: %w", err)
	}
	subject := Subject(rec.EventType)
	if _, err := b.js.Publish(subject, data, nats.MsgId(rec.ID)); err != nil {
		b.failed.Add(1)
		return fmt.Errorf("publishing incident to %s: %w", subject, err)
	}
	b.published.Add(1)
	b.logger.Debug().Str("id", rec.ID).Str("subject", subject).Msg("incident published")
	return nil
}

// Subscribe delivers every stored and future incident matching subject to
// handler. An empty subject subscribes to all incidents.
func (b *Bus) Subscribe(subject, durable string, handler func(model.IncidentRecord)) error {
	if subject == "" {
		subject = SubjectPrefix + ".>"
	}
	opts := []nats.SubOpt{nats.DeliverAll(), nats.AckExplicit()}
	if durable != "" {
		opts = append(opts, nats.Durable(durable))
	}
	sub, err := b.js.Subscribe(subject, func(msg *nats.Msg) {
		var rec model.IncidentRecord
		if err := json.Unmarshal(msg.Data, &rec); err != nil {
			b.logger.Error().Err(err).Msg("failed to unmarshal incident")
			_ = msg.Term()
			return
		}
		handler(rec)
		_ = msg.Ack()
	}, opts...)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", subject, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return nil
}

// Stats returns publish counters.
func (b *Bus) Stats() map[string]int64 {
	return map[string]int64{
		"published": b.published.Load(),
		"failed":    b.failed.Load(),
	}
}

// IsConnected reports whether the NATS connection is active.
func (b *Bus) IsConnected() bool {
	return b.nc != nil && b.nc.IsConnected()
}

// Close drains subscriptions and stops the embedded server if one was started.
func (b *Bus) Close() error {
	b.mu.Lock()
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
	b.mu.Unlock()

	if b.nc != nil {
		b.nc.Close()
	}
	b.shutdownServer()
	return nil
}

func (b *Bus) shutdownServer() {
	if b.ns == nil {
		return
	}
	b.ns.Shutdown()
	b.ns.WaitForShutdown()
	b.ns = nil
	b.logger.Info().Msg("embedded NATS server stopped")
}

package alert

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ppiankov/shieldclaw/internal/model"
	"github.com/ppiankov/shieldclaw/internal/ratelimit"
	"github.com/ppiankov/shieldclaw/internal/redact"
)

// deliverTimeout bounds one delivery including its retries.
const deliverTimeout = 30 * time.Second

// Dispatcher fans out incidents to matching webhook configurations. It
// satisfies the journal's Sink interface.
type Dispatcher struct {
	configs  []AlertConfig
	trackers []*ratelimit.Tracker
	sender   *Sender
	logger   zerolog.Logger
	wg       sync.WaitGroup
}

// NewDispatcher creates a Dispatcher from webhook configurations.
// Returns nil if configs is empty (callers should nil-check).
func NewDispatcher(configs []AlertConfig, logger zerolog.Logger) *Dispatcher {
	if len(configs) == 0 {
		return nil
	}
	trackers := make([]*ratelimit.Tracker, len(configs))
	for i, cfg := range configs {
		if cfg.RateLimit.Enabled() {
			trackers[i] = ratelimit.NewTracker(*cfg.RateLimit)
		}
	}
	return &Dispatcher{
		configs:  configs,
		trackers: trackers,
		sender:   NewSender(),
		logger:   logger.With().Str("component", "alert").Logger(),
	}
}

// Publish sends rec to all webhooks whose Events list matches its type.
// Sends run in goroutines and do not block the caller.
func (d *Dispatcher) Publish(rec model.IncidentRecord) error {
	d.Dispatch(EventFromRecord(rec))
	return nil
}

// Dispatch sends event to every matching webhook. Text bound for a
// non-loopback destination is scrubbed unless the webhook sets redact: never.
func (d *Dispatcher) Dispatch(event AlertEvent) {
	for i, cfg := range d.configs {
		if !matches(cfg.Events, event) || d.throttled(i, event) {
			continue
		}
		d.wg.Add(1)
		ev := event
		if redact.Enabled(cfg.Redact, cfg.URL) {
			ev = event.scrubbed()
		}
		go func(cfg AlertConfig, event AlertEvent) {
			defer d.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
			defer cancel()
			del, err := d.sender.Deliver(ctx, cfg, event)
			if err != nil {
				d.logger.Warn().Err(err).
					Str("url", cfg.URL).
					Str("delivery", del.ID).
					Int("attempts", del.Attempts).
					Str("event_type", event.EventType).
					Msg("webhook failed")
			}
		}(cfg, ev)
	}
}

// Wait blocks until in-flight sends finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) throttled(i int, event AlertEvent) bool {
	tr := d.trackers[i]
	if tr == nil {
		return false
	}
	switch model.EventType(event.EventType) {
	case model.EventKillSwitchActivated, model.EventKillSwitchUnlocked:
		return false
	}
	res := tr.Allow(event.EventType, time.Now())
	if res.Exceeded {
		d.logger.Debug().Str("url", d.configs[i].URL).Str("event_type", event.EventType).Msg(res.Reason)
	}
	return res.Exceeded
}

func matches(events []string, event AlertEvent) bool {
	for _, e := range events {
		if e == "*" || e == event.EventType {
			return true
		}
	}
	return false
}

// Package publish pushes registration snapshots to an external key/value
// store so other services can read extension presence without talking to
// the switch.
package publish

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"voip-router/internal/metrics"
	"voip-router/internal/registry"
)

type Sink interface {
	Publish(ctx context.Context, payload []byte) error
}

type SnapshotSource interface {
	Snapshot() *registry.Snapshot
}

// Payload is the JSON document written to the sink.
type Payload struct {
	Version     uint64                     `json:"version"`
	RefreshedAt time.Time                  `json:"refreshed_at"`
	PublishedAt time.Time                  `json:"published_at"`
	Connected   bool                       `json:"connected"`
	Extensions  []registry.ExtensionStatus `json:"extensions"`
	Gateways    []registry.GatewayStatus   `json:"gateways"`
}

type Options struct {
	Table    SnapshotSource
	Conn     metrics.ConnectionState
	Sink     Sink
	Interval time.Duration
	// Refresh republishes an unchanged snapshot so that a key with a TTL
	// does not expire while the process is alive.
	Refresh time.Duration
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type Publisher struct {
	table    SnapshotSource
	conn     metrics.ConnectionState
	sink     Sink
	interval time.Duration
	refresh  time.Duration
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time

	published     bool
	lastVersion   uint64
	lastConnected bool
	lastAt        time.Time
}

func New(opts Options) *Publisher {
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Publisher{
		table:    opts.Table,
		conn:     opts.Conn,
		sink:     opts.Sink,
		interval: opts.Interval,
		refresh:  opts.Refresh,
		metrics:  opts.Metrics,
		logger:   opts.Logger.With("component", "publisher"),
		now:      time.Now,
	}
}

// Run publishes on every tick until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	p.logger.Info("starting status publisher", "interval", p.interval.String())

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if _, err := p.PublishOnce(ctx); err != nil && ctx.Err() == nil {
			p.logger.Warn("status publish failed", "error", err)
		}
		select {
		case <-ctx.Done():
			p.logger.Info("status publisher stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// PublishOnce writes the current snapshot if it changed since the last
// successful publish, or if the refresh interval elapsed.
func (p *Publisher) PublishOnce(ctx context.Context) (bool, error) {
	snap := p.table.Snapshot()
	connected := p.conn != nil && p.conn.Connected()
	now := p.now()

	if p.published &&
		snap.Version == p.lastVersion &&
		connected == p.lastConnected &&
		(p.refresh <= 0 || now.Sub(p.lastAt) < p.refresh) {
		return false, nil
	}

	data, err := json.Marshal(buildPayload(snap, connected, now))
	if err != nil {
		return false, err
	}
	err = p.sink.Publish(ctx, data)
	p.metrics.Published(err)
	if err != nil {
		return false, err
	}

	p.published = true
	p.lastVersion = snap.Version
	p.lastConnected = connected
	p.lastAt = now
	p.logger.Debug("status published", "version", snap.Version, "extensions", len(snap.Extensions))
	return true, nil
}

func buildPayload(snap *registry.Snapshot, connected bool, now time.Time) Payload {
	out := Payload{
		Version:     snap.Version,
		RefreshedAt: snap.RefreshedAt,
		PublishedAt: now,
		Connected:   connected,
		Extensions:  make([]registry.ExtensionStatus, 0, len(snap.Extensions)),
		Gateways:    make([]registry.GatewayStatus, 0, len(snap.Gateways)),
	}
	for _, st := range snap.Extensions {
		out.Extensions = append(out.Extensions, st)
	}
	sort.Slice(out.Extensions, func(i, j int) bool {
		return registry.Key(out.Extensions[i].Extension, out.Extensions[i].Domain) <
			registry.Key(out.Extensions[j].Extension, out.Extensions[j].Domain)
	})
	for _, g := range snap.Gateways {
		out.Gateways = append(out.Gateways, g)
	}
	sort.Slice(out.Gateways, func(i, j int) bool {
		return out.Gateways[i].Name < out.Gateways[j].Name
	})
	return out
}

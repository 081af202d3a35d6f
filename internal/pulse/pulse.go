// Package pulse emits scheduled heartbeat events onto the bus. Pulses
// give otherwise reactive agents a sense of time: a cron expression
// fires an EVENT envelope on the emitting agent's team output.
package pulse

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
	"github.com/mycelis/swarm/internal/config"
	"github.com/mycelis/swarm/internal/relay"
)

type Emitter struct {
	relay  *relay.Client
	pulses []config.PulseConfig
	gron   *gronx.Gronx
	log    *slog.Logger

	// tick is the evaluation cadence; cron resolution is one minute.
	tick time.Duration
}

// New validates every pulse's cron expression up front. A misspelled
// schedule should fail at startup, not fire never.
func New(rc *relay.Client, pulses []config.PulseConfig) (*Emitter, error) {
	g := gronx.New()
	for _, p := range pulses {
		if p.Name == "" {
			return nil, fmt.Errorf("pulse without a name")
		}
		if !g.IsValid(p.Schedule) {
			return nil, fmt.Errorf("pulse %s: invalid cron expression %q", p.Name, p.Schedule)
		}
	}
	return &Emitter{
		relay:  rc,
		pulses: pulses,
		gron:   g,
		log:    slog.Default().With("component", "pulse"),
		tick:   time.Minute,
	}, nil
}

// Start evaluates the schedules once per tick until ctx is canceled.
func (e *Emitter) Start(ctx context.Context) {
	if len(e.pulses) == 0 {
		return
	}

	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()

	e.log.Info("pulse emitter started", "pulses", len(e.pulses))

	for {
		select {
		case <-ctx.Done():
			e.log.Info("pulse emitter stopped")
			return
		case now := <-ticker.C:
			e.emitDue(now)
		}
	}
}

func (e *Emitter) emitDue(now time.Time) {
	for _, p := range e.pulses {
		due, err := e.gron.IsDue(p.Schedule, now)
		if err != nil {
			e.log.Error("evaluate pulse schedule", "pulse", p.Name, "error", err)
			continue
		}
		if !due {
			continue
		}

		data := map[string]any{
			"pulse":     p.Name,
			"fired_at":  now.UTC().Format(time.RFC3339),
			"next_tick": nextTick(p.Schedule),
		}
		for k, v := range p.Data {
			data[k] = v
		}

		eventType := p.EventType
		if eventType == "" {
			eventType = "pulse"
		}
		if err := e.relay.SendEvent(eventType, data, relay.Send{}); err != nil {
			e.log.Error("emit pulse", "pulse", p.Name, "error", err)
			continue
		}
		e.log.Info("pulse fired", "pulse", p.Name, "event", eventType)
	}
}

func nextTick(expr string) string {
	next, err := gronx.NextTick(expr, false)
	if err != nil {
		return ""
	}
	return next.UTC().Format(time.RFC3339)
}

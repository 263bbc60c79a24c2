package mcp

import (
	"context"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
)

type healthSweeper struct {
	cron *cron.Cron
}

// StartHealthChecks schedules the periodic liveness sweep. The sweep
// runs for the lifetime of the manager until StopHealthChecks.
func (m *Manager) StartHealthChecks(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sweeper != nil {
		return
	}

	c := cron.New()
	c.Schedule(cron.Every(m.interval), cron.FuncJob(func() {
		m.HealthCheckAll(ctx)
	}))
	c.Start()

	m.sweeper = &healthSweeper{cron: c}
	m.logger.Info().Dur("interval", m.interval).Msg("Health check sweep started")
}

// StopHealthChecks stops the sweep and waits for a running sweep to
// finish
func (m *Manager) StopHealthChecks() {
	m.mu.Lock()
	sweeper := m.sweeper
	m.sweeper = nil
	m.mu.Unlock()

	if sweeper != nil {
		<-sweeper.cron.Stop().Done()
	}
}

// HealthCheckAll re-issues the tool-listing call against every
// connected provider as a liveness probe. A failing provider is marked
// error and restarted from its stored definition. Providers left in the
// error state by an earlier failed restart are retried too, so a
// provider that comes back is picked up by a later sweep.
func (m *Manager) HealthCheckAll(ctx context.Context) {
	m.mu.RLock()
	type probe struct {
		id   string
		sess Session
	}
	probes := make([]probe, 0, len(m.connOrder))
	for _, id := range m.connOrder {
		probes = append(probes, probe{id: id, sess: m.connected[id].session})
	}
	m.mu.RUnlock()

	for _, p := range probes {
		tools, err := p.sess.ListTools(ctx)
		if err != nil {
			m.metrics.ObserveHealthCheckFailure(p.id)
			m.logger.Warn().Str("provider", p.id).Err(err).Msg("Health check failed; restarting provider")

			m.mu.Lock()
			if entry, ok := m.connected[p.id]; ok && entry.session == p.sess {
				entry.Status = StatusError
				m.statuses[p.id] = StatusError
			}
			m.mu.Unlock()

			if _, err := m.Restart(ctx, p.id); err != nil {
				m.logger.Error().Str("provider", p.id).Err(err).Msg("Provider restart failed")
			}
			continue
		}

		m.mu.Lock()
		if entry, ok := m.connected[p.id]; ok && entry.session == p.sess {
			entry.Status = StatusConnected
			entry.LastHealthCheck = time.Now()
			entry.Tools = quarantineInvalidTools(m.logger, p.id, tools)
			m.statuses[p.id] = StatusConnected
		}
		m.mu.Unlock()
	}

	m.mu.RLock()
	stuck := make([]string, 0)
	for id := range m.definitions {
		if _, ok := m.connected[id]; !ok && m.statuses[id] == StatusError {
			stuck = append(stuck, id)
		}
	}
	m.mu.RUnlock()
	sort.Strings(stuck)

	for _, id := range stuck {
		if _, err := m.Connect(ctx, id); err != nil {
			m.logger.Warn().Str("provider", id).Err(err).Msg("Reconnect attempt failed")
			continue
		}
		m.logger.Info().Str("provider", id).Msg("Provider reconnected by health sweep")
	}
}

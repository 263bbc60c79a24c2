package mcp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mkondo/karakuri/internal/metrics"
)

// DefaultHealthCheckInterval is the default liveness probe interval
const DefaultHealthCheckInterval = 30 * time.Second

// Config holds manager configuration
type Config struct {
	Logger              zerolog.Logger
	Metrics             *metrics.Metrics
	Dialer              Dialer // defaults to Dial
	HealthCheckInterval time.Duration
}

// Manager owns the provider definitions and all live sessions. Every
// operation takes the one mutex: the health sweep and the agent loop
// run concurrently against the same map.
type Manager struct {
	mu sync.RWMutex

	definitions map[string]ProviderDefinition
	connected   map[string]*ConnectedProvider
	connOrder   []string // connect order, drives FindOwner and ListTools
	statuses    map[string]Status

	dialer   Dialer
	interval time.Duration
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	sweeper *healthSweeper
}

// NewManager creates a manager over a fixed set of provider definitions
func NewManager(defs []ProviderDefinition, cfg Config) (*Manager, error) {
	definitions := make(map[string]ProviderDefinition, len(defs))
	statuses := make(map[string]Status, len(defs))
	for _, def := range defs {
		if def.ID == "" {
			return nil, fmt.Errorf("provider definition requires an id")
		}
		if _, dup := definitions[def.ID]; dup {
			return nil, fmt.Errorf("duplicate provider id: %s", def.ID)
		}
		definitions[def.ID] = def
		statuses[def.ID] = StatusDisconnected
	}

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = Dial
	}
	interval := cfg.HealthCheckInterval
	if interval <= 0 {
		interval = DefaultHealthCheckInterval
	}

	return &Manager{
		definitions: definitions,
		connected:   make(map[string]*ConnectedProvider),
		statuses:    statuses,
		dialer:      dialer,
		interval:    interval,
		logger:      cfg.Logger.With().Str("component", "mcp").Logger(),
		metrics:     cfg.Metrics,
	}, nil
}

// Connect launches or attaches to the provider, performs the
// tool-listing handshake, and stores the entry. On failure the
// provider's status is error and no entry is retained.
func (m *Manager) Connect(ctx context.Context, id string) (ConnectedProvider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.connectLocked(ctx, id)
}

func (m *Manager) connectLocked(ctx context.Context, id string) (ConnectedProvider, error) {
	def, ok := m.definitions[id]
	if !ok {
		return ConnectedProvider{}, fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}

	if existing, ok := m.connected[id]; ok {
		return *existing, nil
	}

	sess, err := m.dialer(ctx, def)
	if err != nil {
		m.statuses[id] = StatusError
		m.metrics.ObserveProviderConnect(id, "error")
		return ConnectedProvider{}, fmt.Errorf("%w: %s: %v", ErrConnection, id, err)
	}

	tools, err := sess.ListTools(ctx)
	if err != nil {
		_ = sess.Close()
		m.statuses[id] = StatusError
		m.metrics.ObserveProviderConnect(id, "error")
		return ConnectedProvider{}, fmt.Errorf("%w: %s: tool listing: %v", ErrConnection, id, err)
	}

	tools = quarantineInvalidTools(m.logger, id, tools)
	m.warnShadowedToolsLocked(id, tools)

	entry := &ConnectedProvider{
		Definition:      def,
		Status:          StatusConnected,
		LastHealthCheck: time.Now(),
		Tools:           tools,
		session:         sess,
	}
	m.connected[id] = entry
	m.connOrder = append(m.connOrder, id)
	m.statuses[id] = StatusConnected

	m.metrics.ObserveProviderConnect(id, "success")
	m.metrics.SetProvidersConnected(len(m.connected))
	m.logger.Info().Str("provider", id).Int("tools", len(tools)).Msg("Provider connected")

	return *entry, nil
}

// warnShadowedToolsLocked flags tool names that already resolve to an
// earlier provider. First-match resolution keeps the earlier owner.
func (m *Manager) warnShadowedToolsLocked(id string, tools []ToolDescriptor) {
	for _, t := range tools {
		for _, otherID := range m.connOrder {
			other := m.connected[otherID]
			for _, existing := range other.Tools {
				if existing.Name == t.Name {
					m.logger.Warn().
						Str("tool", t.Name).
						Str("owner", otherID).
						Str("shadowed_by", id).
						Msg("Tool name collision; first connected provider keeps ownership")
				}
			}
		}
	}
}

// ConnectMany connects each requested id that is not already connected.
// Individual failures are logged and skipped; the returned slice holds
// the ids that are connected when the call returns.
func (m *Manager) ConnectMany(ctx context.Context, ids []string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	connected := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, err := m.connectLocked(ctx, id); err != nil {
			m.logger.Error().Str("provider", id).Err(err).Msg("Provider connection failed; skipping")
			continue
		}
		connected = append(connected, id)
	}
	return connected
}

// Disconnect closes the session and removes the entry. Close errors are
// swallowed; the provider is being torn down regardless.
func (m *Manager) Disconnect(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.disconnectLocked(id)
}

func (m *Manager) disconnectLocked(id string) {
	entry, ok := m.connected[id]
	if !ok {
		return
	}

	if err := entry.session.Close(); err != nil {
		m.logger.Debug().Str("provider", id).Err(err).Msg("Session close failed during disconnect")
	}

	delete(m.connected, id)
	for i, cid := range m.connOrder {
		if cid == id {
			m.connOrder = append(m.connOrder[:i], m.connOrder[i+1:]...)
			break
		}
	}
	m.statuses[id] = StatusDisconnected
	m.metrics.SetProvidersConnected(len(m.connected))
	m.logger.Info().Str("provider", id).Msg("Provider disconnected")
}

// DisconnectAll tears down every live session
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range append([]string(nil), m.connOrder...) {
		m.disconnectLocked(id)
	}
}

// Restart disconnects and reconnects a provider from its stored
// definition
func (m *Manager) Restart(ctx context.Context, id string) (ConnectedProvider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.definitions[id]; !ok {
		return ConnectedProvider{}, fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}

	m.disconnectLocked(id)
	m.metrics.ObserveProviderRestart(id)

	return m.connectLocked(ctx, id)
}

// ListTools returns the union of tool descriptors for the given
// provider ids, preserving the requested provider order and then each
// provider's own tool order. Ids that are not connected are skipped.
func (m *Manager) ListTools(ids []string) []ToolDescriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ToolDescriptor
	for _, id := range ids {
		entry, ok := m.connected[id]
		if !ok {
			continue
		}
		out = append(out, entry.Tools...)
	}
	return out
}

// FindOwner returns the first connected provider, in connect order,
// whose tool snapshot contains the given name
func (m *Manager) FindOwner(toolName string) (ConnectedProvider, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, id := range m.connOrder {
		entry := m.connected[id]
		for _, t := range entry.Tools {
			if t.Name == toolName {
				return *entry, true
			}
		}
	}
	return ConnectedProvider{}, false
}

// Status returns the last known status for a provider id
func (m *Manager) Status(id string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.statuses[id]
	return s, ok
}

// ConnectedIDs returns the currently connected provider ids in connect
// order
func (m *Manager) ConnectedIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]string(nil), m.connOrder...)
}

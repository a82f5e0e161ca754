// Package exposure reads and changes which Home Assistant entities are
// visible to the conversation agent.
package exposure

import (
	"context"
	"errors"
	"fmt"

	"github.com/paoloantinori/claude-skill-homeassistant/internal/ha"

	"go.uber.org/zap"
)

// Conversation is the assistant id of Home Assistant's built-in conversation agent
const Conversation = "conversation"

// ErrNoEntities is returned when a mutation names no entity
var ErrNoEntities = errors.New("no entity ids given")

// EntityInfo describes an exposed entity
type EntityInfo struct {
	Name string `json:"name" yaml:"name"`
	Area string `json:"area" yaml:"area"`
}

// EntityStatus is the exposure state of one requested entity
type EntityStatus struct {
	Exists  bool   `json:"exists" yaml:"exists"`
	Exposed bool   `json:"exposed" yaml:"exposed"`
	Name    string `json:"name" yaml:"name"`
}

// Manager runs exposure queries and mutations over an HA session
type Manager struct {
	client ha.HAClient
	logger *zap.Logger
}

// NewManager creates a new exposure manager
func NewManager(client ha.HAClient, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		client: client,
		logger: logger,
	}
}

// ListExposed returns every registry entity whose conversation should_expose
// flag is true, keyed by entity id.
func (m *Manager) ListExposed(ctx context.Context) (map[string]EntityInfo, error) {
	entries, err := m.fetchRegistry(ctx)
	if err != nil {
		return nil, err
	}

	exposed := make(map[string]EntityInfo)
	for _, entry := range entries {
		if !entry.ShouldExpose(Conversation) {
			continue
		}
		exposed[entry.EntityID] = EntityInfo{
			Name: entry.DisplayName(),
			Area: entry.Area(),
		}
	}

	m.logger.Debug("Listed exposed entities",
		zap.Int("registry_size", len(entries)),
		zap.Int("exposed", len(exposed)))
	return exposed, nil
}

// CheckStatus reports existence, exposure and display name for each id.
// Ids missing from the registry are reported with Exists=false.
func (m *Manager) CheckStatus(ctx context.Context, entityIDs []string) (map[string]EntityStatus, error) {
	entries, err := m.fetchRegistry(ctx)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*ha.RegistryEntry, len(entries))
	for _, entry := range entries {
		byID[entry.EntityID] = entry
	}

	status := make(map[string]EntityStatus, len(entityIDs))
	for _, entityID := range entityIDs {
		entry, ok := byID[entityID]
		if !ok {
			status[entityID] = EntityStatus{}
			continue
		}
		status[entityID] = EntityStatus{
			Exists:  true,
			Exposed: entry.ShouldExpose(Conversation),
			Name:    entry.DisplayName(),
		}
	}

	return status, nil
}

// SetExposure exposes (or unexposes) all entityIDs to the conversation agent
// in a single batch request. The result is Home Assistant's success flag for
// the whole batch; there is no per-entity detail.
func (m *Manager) SetExposure(ctx context.Context, entityIDs []string, exposed bool) (bool, error) {
	if len(entityIDs) == 0 {
		return false, ErrNoEntities
	}

	ok, err := m.client.ExposeEntities(ctx, []string{Conversation}, entityIDs, exposed)
	if err != nil {
		return false, fmt.Errorf("failed to set exposure: %w", err)
	}

	m.logger.Debug("Exposure updated",
		zap.Strings("entity_ids", entityIDs),
		zap.Bool("should_expose", exposed),
		zap.Bool("success", ok))
	return ok, nil
}

func (m *Manager) fetchRegistry(ctx context.Context) ([]*ha.RegistryEntry, error) {
	entries, err := m.client.ListEntityRegistry(ctx)
	if err != nil {
		m.logger.Debug("Entity registry request failed", zap.Error(err))
		return nil, fmt.Errorf("failed to get entity registry: %w", err)
	}

	// A null element in the result decodes to a nil entry
	valid := entries[:0]
	for _, entry := range entries {
		if entry != nil {
			valid = append(valid, entry)
		}
	}
	return valid, nil
}

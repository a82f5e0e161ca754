package ha

import (
	"encoding/json"
	"strings"
	"time"
)

// Message represents a base WebSocket message to/from Home Assistant
type Message struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	Event   *Event          `json:"event,omitempty"`

	// Only set on auth_invalid / auth_required frames
	Message   string `json:"message,omitempty"`
	HAVersion string `json:"ha_version,omitempty"`
}

// Succeeded reports whether the frame carries success=true
func (m *Message) Succeeded() bool {
	return m != nil && m.Success != nil && *m.Success
}

// Error represents an error response from Home Assistant
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AuthMessage represents authentication request
type AuthMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token,omitempty"`
}

// Event represents an event message from Home Assistant
type Event struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin"`
	TimeFired time.Time       `json:"time_fired"`
}

// RegistryEntry is one record of config/entity_registry/list
type RegistryEntry struct {
	EntityID     string                     `json:"entity_id"`
	Name         *string                    `json:"name"`
	OriginalName *string                    `json:"original_name"`
	AreaID       *string                    `json:"area_id"`
	Platform     string                     `json:"platform,omitempty"`
	Options      map[string]json.RawMessage `json:"options,omitempty"`
}

// DisplayName returns the user-set name, falling back to the integration's
// original name.
func (e *RegistryEntry) DisplayName() string {
	if e.Name != nil && *e.Name != "" {
		return *e.Name
	}
	if e.OriginalName != nil {
		return *e.OriginalName
	}
	return ""
}

// Area returns the assigned area id or "" when unassigned
func (e *RegistryEntry) Area() string {
	if e.AreaID == nil {
		return ""
	}
	return *e.AreaID
}

// Domain returns the part of the entity id before the first dot
func (e *RegistryEntry) Domain() string {
	return EntityDomain(e.EntityID)
}

// ShouldExpose reports whether options.<assistant>.should_expose is the
// boolean true. Missing options, null, false and non-boolean values all
// count as not exposed.
func (e *RegistryEntry) ShouldExpose(assistant string) bool {
	raw, ok := e.Options[assistant]
	if !ok {
		return false
	}

	var opts map[string]interface{}
	if err := json.Unmarshal(raw, &opts); err != nil {
		return false
	}

	exposed, ok := opts["should_expose"].(bool)
	return ok && exposed
}

// EntityDomain splits "sensor.kitchen" into "sensor"
func EntityDomain(entityID string) string {
	domain, _, _ := strings.Cut(entityID, ".")
	return domain
}

// Command types used against the WebSocket API
const (
	TypeAuth           = "auth"
	TypeAuthRequired   = "auth_required"
	TypeAuthOK         = "auth_ok"
	TypeAuthInvalid    = "auth_invalid"
	TypeEvent          = "event"
	TypeResult         = "result"
	TypeEntityRegistry = "config/entity_registry/list"
	TypeExposeEntity   = "homeassistant/expose_entity"
)

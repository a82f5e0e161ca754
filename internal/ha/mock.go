package ha

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MockClient implements HAClient interface for testing. It keeps an
// in-memory entity registry and applies expose requests to it, the same way
// Home Assistant does.
type MockClient struct {
	entries    map[string]*RegistryEntry
	entriesMu  sync.RWMutex
	connected  bool
	connMu     sync.RWMutex
	msgID      int
	requests   []Request
	requestsMu sync.Mutex
	failures   map[string]*Error
}

// Request records a message sent through the mock for testing
type Request struct {
	ID      int
	Type    string
	Payload map[string]interface{}
	Time    time.Time
}

// NewMockClient creates a new mock HA client
func NewMockClient() *MockClient {
	return &MockClient{
		entries:  make(map[string]*RegistryEntry),
		requests: make([]Request, 0),
		failures: make(map[string]*Error),
	}
}

// Connect simulates connecting to Home Assistant
func (m *MockClient) Connect(ctx context.Context) error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	if m.connected {
		return ErrAlreadyConnected
	}

	m.connected = true
	return nil
}

// Disconnect simulates disconnecting
func (m *MockClient) Disconnect() error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	m.connected = false
	return nil
}

// IsConnected returns connection status
func (m *MockClient) IsConnected() bool {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return m.connected
}

// Send dispatches the request against the in-memory registry
func (m *MockClient) Send(ctx context.Context, msgType string, payload map[string]interface{}) (*Message, error) {
	if !m.IsConnected() {
		return nil, ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.requestsMu.Lock()
	m.msgID++
	msgID := m.msgID
	m.requests = append(m.requests, Request{
		ID:      msgID,
		Type:    msgType,
		Payload: payload,
		Time:    time.Now(),
	})
	failure := m.failures[msgType]
	m.requestsMu.Unlock()

	success := failure == nil
	resp := &Message{ID: msgID, Type: TypeResult, Success: &success, Error: failure}
	if failure != nil {
		return resp, nil
	}

	switch msgType {
	case TypeEntityRegistry:
		result, err := m.registryJSON()
		if err != nil {
			return nil, err
		}
		resp.Result = result

	case TypeExposeEntity:
		if err := m.applyExpose(payload); err != nil {
			success = false
			resp.Error = &Error{Code: "invalid_format", Message: err.Error()}
		}

	default:
		success = false
		resp.Error = &Error{Code: "unknown_command", Message: "Unknown command."}
	}

	return resp, nil
}

// ListEntityRegistry returns a copy of the mock registry
func (m *MockClient) ListEntityRegistry(ctx context.Context) ([]*RegistryEntry, error) {
	resp, err := m.Send(ctx, TypeEntityRegistry, nil)
	if err != nil {
		return nil, err
	}
	if !resp.Succeeded() {
		return nil, newRemoteError(TypeEntityRegistry, resp)
	}

	var entries []*RegistryEntry
	if err := json.Unmarshal(resp.Result, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// ExposeEntities records the request and updates the mock registry
func (m *MockClient) ExposeEntities(ctx context.Context, assistants, entityIDs []string, shouldExpose bool) (bool, error) {
	resp, err := m.Send(ctx, TypeExposeEntity, map[string]interface{}{
		"assistants":    assistants,
		"entity_ids":    entityIDs,
		"should_expose": shouldExpose,
	})
	if err != nil {
		return false, err
	}
	return resp.Succeeded(), nil
}

// AddEntity adds or replaces a registry entry (for testing)
func (m *MockClient) AddEntity(entry *RegistryEntry) {
	m.entriesMu.Lock()
	defer m.entriesMu.Unlock()

	if entry.Options == nil {
		entry.Options = make(map[string]json.RawMessage)
	}
	m.entries[entry.EntityID] = entry
}

// SetFailure makes every request of msgType fail with the given error.
// A nil error clears it.
func (m *MockClient) SetFailure(msgType string, failure *Error) {
	m.requestsMu.Lock()
	defer m.requestsMu.Unlock()

	if failure == nil {
		delete(m.failures, msgType)
		return
	}
	m.failures[msgType] = failure
}

// GetRequests returns all recorded requests
func (m *MockClient) GetRequests() []Request {
	m.requestsMu.Lock()
	defer m.requestsMu.Unlock()

	requests := make([]Request, len(m.requests))
	copy(requests, m.requests)
	return requests
}

// ClearRequests clears recorded requests
func (m *MockClient) ClearRequests() {
	m.requestsMu.Lock()
	defer m.requestsMu.Unlock()
	m.requests = make([]Request, 0)
}

func (m *MockClient) registryJSON() (json.RawMessage, error) {
	m.entriesMu.RLock()
	defer m.entriesMu.RUnlock()

	entries := make([]*RegistryEntry, 0, len(m.entries))
	for _, entry := range m.entries {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].EntityID < entries[j].EntityID
	})
	return json.Marshal(entries)
}

func (m *MockClient) applyExpose(payload map[string]interface{}) error {
	assistants, ok := payload["assistants"].([]string)
	if !ok {
		return fmt.Errorf("assistants must be a list of strings")
	}
	entityIDs, ok := payload["entity_ids"].([]string)
	if !ok {
		return fmt.Errorf("entity_ids must be a list of strings")
	}
	shouldExpose, ok := payload["should_expose"].(bool)
	if !ok {
		return fmt.Errorf("should_expose must be a boolean")
	}

	m.entriesMu.Lock()
	defer m.entriesMu.Unlock()

	// All or nothing, like Home Assistant's own validation: build every
	// update first and only then apply them.
	updates := make(map[string]map[string]json.RawMessage, len(entityIDs))
	for _, entityID := range entityIDs {
		entry, ok := m.entries[entityID]
		if !ok {
			return fmt.Errorf("unknown entity %s", entityID)
		}

		options := make(map[string]json.RawMessage, len(assistants))
		for _, assistant := range assistants {
			opts := make(map[string]interface{})
			if raw, ok := entry.Options[assistant]; ok {
				if err := json.Unmarshal(raw, &opts); err != nil {
					return fmt.Errorf("invalid %s options of %s: %w", assistant, entityID, err)
				}
			}
			opts["should_expose"] = shouldExpose

			raw, err := json.Marshal(opts)
			if err != nil {
				return err
			}
			options[assistant] = raw
		}
		updates[entityID] = options
	}

	for entityID, options := range updates {
		for assistant, raw := range options {
			m.entries[entityID].Options[assistant] = raw
		}
	}
	return nil
}

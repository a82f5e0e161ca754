// Package testutil provides testing utilities for the exposure tool.
// This package contains a mock Home Assistant WebSocket server that speaks
// the entity registry and expose_entity commands, and helpers for writing
// integration tests against it.
package testutil

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// connWrapper wraps a WebSocket connection with its write mutex
type connWrapper struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (w *connWrapper) write(msg interface{}) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.conn.WriteJSON(msg)
}

// MockHAServer simulates a Home Assistant WebSocket server
type MockHAServer struct {
	server      *httptest.Server
	token       string
	entries     map[string]*RegistryEntry
	entriesMu   sync.RWMutex
	connections []*connWrapper
	connsMu     sync.Mutex
	requests    []Request // Track all requests for verification
	requestsMu  sync.Mutex

	settingsMu   sync.RWMutex
	eventsBefore int                   // unsolicited events sent ahead of every response
	failures     map[string]*ErrorInfo // forced failures by command type
	authReply    string                // overrides auth_ok when set
}

// Message represents a WebSocket message
type Message struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorInfo      `json:"error,omitempty"`
	Event   *Event          `json:"event,omitempty"`
	Message string          `json:"message,omitempty"`
}

// ErrorInfo is the error object of a failed result
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Event represents a Home Assistant event
type Event struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin"`
	TimeFired time.Time       `json:"time_fired"`
}

// AuthMessage represents authentication request
type AuthMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token,omitempty"`
}

// RegistryEntry is an entity registry record as served by the mock
type RegistryEntry struct {
	EntityID     string                            `json:"entity_id"`
	Name         *string                           `json:"name"`
	OriginalName *string                           `json:"original_name"`
	AreaID       *string                           `json:"area_id"`
	Platform     string                            `json:"platform"`
	Options      map[string]map[string]interface{} `json:"options"`
}

// NewMockHAServer creates a new mock HA server
func NewMockHAServer(token string) *MockHAServer {
	return &MockHAServer{
		token:       token,
		entries:     make(map[string]*RegistryEntry),
		connections: make([]*connWrapper, 0),
		requests:    make([]Request, 0),
		failures:    make(map[string]*ErrorInfo),
	}
}

// Start starts the mock server on a random local port
func (s *MockHAServer) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/websocket", s.handleWebSocket)

	s.server = httptest.NewServer(mux)
	return nil
}

// Stop stops the mock server
func (s *MockHAServer) Stop() error {
	s.connsMu.Lock()
	for _, wrapper := range s.connections {
		wrapper.conn.Close()
	}
	s.connections = nil
	s.connsMu.Unlock()

	if s.server != nil {
		s.server.Close()
	}
	return nil
}

// ServerAddress returns the http://host:port form used for HASS_SERVER
func (s *MockHAServer) ServerAddress() string {
	return s.server.URL
}

// URL returns the full WebSocket API URL
func (s *MockHAServer) URL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http") + "/api/websocket"
}

// AddEntity adds an entity to the registry. exposed=nil leaves the entity
// without any conversation options.
func (s *MockHAServer) AddEntity(entityID, name, area string, exposed *bool) {
	entry := &RegistryEntry{
		EntityID: entityID,
		Platform: "mock",
		Options:  make(map[string]map[string]interface{}),
	}
	if name != "" {
		entry.Name = &name
	}
	if area != "" {
		entry.AreaID = &area
	}
	if exposed != nil {
		entry.Options["conversation"] = map[string]interface{}{"should_expose": *exposed}
	}

	s.entriesMu.Lock()
	s.entries[entityID] = entry
	s.entriesMu.Unlock()
}

// SetEntity adds or replaces a raw registry entry
func (s *MockHAServer) SetEntity(entry *RegistryEntry) {
	s.entriesMu.Lock()
	defer s.entriesMu.Unlock()
	if entry.Options == nil {
		entry.Options = make(map[string]map[string]interface{})
	}
	s.entries[entry.EntityID] = entry
}

// IsExposed reports the current conversation flag of an entity
func (s *MockHAServer) IsExposed(entityID string) bool {
	s.entriesMu.RLock()
	defer s.entriesMu.RUnlock()

	entry, ok := s.entries[entityID]
	if !ok {
		return false
	}
	exposed, _ := entry.Options["conversation"]["should_expose"].(bool)
	return exposed
}

// SetEventsBeforeResponse makes the server push n unsolicited event frames
// ahead of every command response
func (s *MockHAServer) SetEventsBeforeResponse(n int) {
	s.settingsMu.Lock()
	defer s.settingsMu.Unlock()
	s.eventsBefore = n
}

// FailCommand makes every request of msgType answer success=false
func (s *MockHAServer) FailCommand(msgType, code, message string) {
	s.settingsMu.Lock()
	defer s.settingsMu.Unlock()
	s.failures[msgType] = &ErrorInfo{Code: code, Message: message}
}

// SetAuthReply replaces the auth_ok reply with an arbitrary message type
func (s *MockHAServer) SetAuthReply(msgType string) {
	s.settingsMu.Lock()
	defer s.settingsMu.Unlock()
	s.authReply = msgType
}

// handleWebSocket handles WebSocket connections
func (s *MockHAServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade connection: %v", err)
		return
	}

	wrapper := &connWrapper{conn: conn}

	s.connsMu.Lock()
	s.connections = append(s.connections, wrapper)
	s.connsMu.Unlock()

	defer func() {
		s.connsMu.Lock()
		for i, w := range s.connections {
			if w.conn == conn {
				s.connections = append(s.connections[:i], s.connections[i+1:]...)
				break
			}
		}
		s.connsMu.Unlock()
		conn.Close()
	}()

	wrapper.write(Message{Type: "auth_required"})

	var authMsg AuthMessage
	if err := conn.ReadJSON(&authMsg); err != nil {
		return
	}

	if authMsg.Type != "auth" || authMsg.AccessToken != s.token {
		wrapper.write(Message{Type: "auth_invalid", Message: "Invalid access token or password"})
		return
	}

	s.settingsMu.RLock()
	authReply := s.authReply
	s.settingsMu.RUnlock()
	if authReply != "" {
		wrapper.write(Message{Type: authReply})
		return
	}

	wrapper.write(Message{Type: "auth_ok"})

	for {
		var req map[string]interface{}
		if err := conn.ReadJSON(&req); err != nil {
			return
		}

		id, _ := req["id"].(float64)
		msgType, _ := req["type"].(string)
		s.recordRequest(int(id), msgType, req)

		s.sendUnsolicitedEvents(wrapper)
		wrapper.write(s.dispatch(int(id), msgType, req))
	}
}

func (s *MockHAServer) recordRequest(id int, msgType string, req map[string]interface{}) {
	payload := make(map[string]interface{}, len(req))
	for k, v := range req {
		if k != "id" && k != "type" {
			payload[k] = v
		}
	}

	s.requestsMu.Lock()
	defer s.requestsMu.Unlock()
	s.requests = append(s.requests, Request{
		Timestamp: time.Now(),
		ID:        id,
		Type:      msgType,
		Payload:   payload,
	})
}

func (s *MockHAServer) sendUnsolicitedEvents(wrapper *connWrapper) {
	s.settingsMu.RLock()
	n := s.eventsBefore
	s.settingsMu.RUnlock()

	for i := 0; i < n; i++ {
		data, _ := json.Marshal(map[string]interface{}{"entity_id": fmt.Sprintf("sensor.noise_%d", i)})
		wrapper.write(Message{
			// Subscription events carry the id of their subscription, which
			// never matches a pending request here.
			ID:   100000 + i,
			Type: "event",
			Event: &Event{
				EventType: "state_changed",
				Data:      data,
				Origin:    "LOCAL",
				TimeFired: time.Now(),
			},
		})
	}
}

func (s *MockHAServer) dispatch(id int, msgType string, req map[string]interface{}) Message {
	s.settingsMu.RLock()
	failure := s.failures[msgType]
	s.settingsMu.RUnlock()

	if failure != nil {
		return failed(id, failure.Code, failure.Message)
	}

	switch msgType {
	case "config/entity_registry/list":
		return s.handleRegistryList(id)
	case "homeassistant/expose_entity":
		return s.handleExposeEntity(id, req)
	default:
		return failed(id, "unknown_command", "Unknown command.")
	}
}

// handleRegistryList answers config/entity_registry/list
func (s *MockHAServer) handleRegistryList(id int) Message {
	s.entriesMu.RLock()
	entries := make([]*RegistryEntry, 0, len(s.entries))
	for _, entry := range s.entries {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].EntityID < entries[j].EntityID
	})
	result, err := json.Marshal(entries)
	s.entriesMu.RUnlock()

	if err != nil {
		return failed(id, "unknown_error", err.Error())
	}

	success := true
	return Message{ID: id, Type: "result", Success: &success, Result: result}
}

// handleExposeEntity answers homeassistant/expose_entity
func (s *MockHAServer) handleExposeEntity(id int, req map[string]interface{}) Message {
	assistants, ok := stringList(req["assistants"])
	if !ok {
		return failed(id, "invalid_format", "expected a list for dictionary value @ data['assistants']")
	}
	entityIDs, ok := stringList(req["entity_ids"])
	if !ok {
		return failed(id, "invalid_format", "expected a list for dictionary value @ data['entity_ids']")
	}
	shouldExpose, ok := req["should_expose"].(bool)
	if !ok {
		return failed(id, "invalid_format", "expected bool for dictionary value @ data['should_expose']")
	}

	s.entriesMu.Lock()
	defer s.entriesMu.Unlock()

	for _, entityID := range entityIDs {
		if _, ok := s.entries[entityID]; !ok {
			return failed(id, "not_found", fmt.Sprintf("can't expose '%s'", entityID))
		}
	}

	for _, entityID := range entityIDs {
		entry := s.entries[entityID]
		for _, assistant := range assistants {
			if entry.Options[assistant] == nil {
				entry.Options[assistant] = make(map[string]interface{})
			}
			entry.Options[assistant]["should_expose"] = shouldExpose
		}
	}

	success := true
	return Message{ID: id, Type: "result", Success: &success}
}

// ActiveConnections returns the number of open client connections
func (s *MockHAServer) ActiveConnections() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return len(s.connections)
}

// GetRequests returns all requests since last clear
func (s *MockHAServer) GetRequests() []Request {
	s.requestsMu.Lock()
	defer s.requestsMu.Unlock()
	requests := make([]Request, len(s.requests))
	copy(requests, s.requests)
	return requests
}

// ClearRequests resets the request log
func (s *MockHAServer) ClearRequests() {
	s.requestsMu.Lock()
	defer s.requestsMu.Unlock()
	s.requests = nil
}

// CountRequests counts recorded requests of the given type
func (s *MockHAServer) CountRequests(msgType string) int {
	s.requestsMu.Lock()
	defer s.requestsMu.Unlock()

	count := 0
	for _, req := range s.requests {
		if req.Type == msgType {
			count++
		}
	}
	return count
}

func failed(id int, code, message string) Message {
	success := false
	return Message{
		ID:      id,
		Type:    "result",
		Success: &success,
		Error:   &ErrorInfo{Code: code, Message: message},
	}
}

func stringList(v interface{}) ([]string, bool) {
	items, ok := v.([]interface{})
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		str, ok := item.(string)
		if !ok {
			return nil, false
		}
		out = append(out, str)
	}
	return out, true
}

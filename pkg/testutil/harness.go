// Package testutil provides testing utilities for the exposure tool.
// This file provides a TestEnv for integration tests that need a live
// session against the mock server.
package testutil

import (
	"context"
	"fmt"

	"github.com/paoloantinori/claude-skill-homeassistant/internal/ha"

	"go.uber.org/zap"
)

// TestEnv bundles a running mock HA server with a client already
// authenticated against it.
type TestEnv struct {
	Server *MockHAServer
	Client *ha.Client
	Logger *zap.Logger
}

// NewTestEnv creates a test environment with a mock HA server and a
// connected client. Entities can be added to env.Server at any time.
//
// Example usage:
//
//	env, err := testutil.NewTestEnv("test_token")
//	if err != nil {
//	    t.Fatal(err)
//	}
//	defer env.Cleanup()
func NewTestEnv(token string) (*TestEnv, error) {
	logger, _ := zap.NewDevelopment()

	server := NewMockHAServer(token)
	if err := server.Start(); err != nil {
		return nil, fmt.Errorf("failed to start mock server: %w", err)
	}

	client := ha.NewClient(server.URL(), token, logger)
	if err := client.Connect(context.Background()); err != nil {
		server.Stop()
		return nil, fmt.Errorf("failed to connect client: %w", err)
	}

	return &TestEnv{
		Server: server,
		Client: client,
		Logger: logger,
	}, nil
}

// Cleanup disconnects the client and stops the server.
// Always call this in a defer after creating the TestEnv.
func (e *TestEnv) Cleanup() {
	if e.Client != nil {
		e.Client.Disconnect()
	}
	if e.Server != nil {
		e.Server.Stop()
	}
}

// GetRequests returns all requests made to the mock server
func (e *TestEnv) GetRequests() []Request {
	return e.Server.GetRequests()
}

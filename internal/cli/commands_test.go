package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/paoloantinori/claude-skill-homeassistant/internal/config"
	"github.com/paoloantinori/claude-skill-homeassistant/internal/ha"
	"github.com/paoloantinori/claude-skill-homeassistant/pkg/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "test_token"

func boolPtr(b bool) *bool { return &b }

// startServer runs a mock hub holding sensor.a (exposed, "Temp", kitchen)
// and sensor.b (no conversation options)
func startServer(t *testing.T) *testutil.MockHAServer {
	server := testutil.NewMockHAServer(testToken)
	require.NoError(t, server.Start())
	t.Cleanup(func() { server.Stop() })

	server.AddEntity("sensor.a", "Temp", "kitchen", boolPtr(true))
	server.AddEntity("sensor.b", "", "", nil)
	server.SetEventsBeforeResponse(2)
	return server
}

// isolateEnv keeps the developer's HASS_* variables and .env out of the test
func isolateEnv(t *testing.T) string {
	for _, key := range []string{config.EnvServer, config.EnvToken, config.EnvTimeout} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
	return filepath.Join(t.TempDir(), "none.env")
}

type result struct {
	code   int
	stdout string
	stderr string
}

func run(t *testing.T, server *testutil.MockHAServer, args ...string) result {
	envFile := isolateEnv(t)
	full := []string{"--env-file", envFile}
	if server != nil {
		full = append(full, "--server", server.ServerAddress(), "--token", testToken)
	}
	full = append(full, args...)

	var stdout, stderr bytes.Buffer
	code := Execute(context.Background(), full, &stdout, &stderr)

	if server != nil {
		assert.Eventually(t, func() bool { return server.ActiveConnections() == 0 },
			2*time.Second, 10*time.Millisecond, "connection left open")
	}
	return result{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

func TestExecute_NoSubcommand(t *testing.T) {
	res := run(t, nil)
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stdout, "Usage:")
	assert.Contains(t, res.stdout, "expose")
	assert.Contains(t, res.stdout, "unexpose")
	assert.Contains(t, res.stdout, "check")
}

func TestExecute_UnknownSubcommand(t *testing.T) {
	res := run(t, nil, "frobnicate")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, "ERROR:")
}

func TestExecute_MissingConfig(t *testing.T) {
	server := startServer(t)

	envFile := isolateEnv(t)
	var stdout, stderr bytes.Buffer
	code := Execute(context.Background(), []string{"--env-file", envFile, "list"}, &stdout, &stderr)

	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "ERROR: HASS_SERVER and HASS_TOKEN environment variables required")
	assert.Contains(t, stderr.String(), "export HASS_SERVER=")
	assert.Contains(t, stderr.String(), "export HASS_TOKEN=")
	assert.Empty(t, stdout.String())
	assert.Empty(t, server.GetRequests())
}

func TestExecute_ConfigFromEnvironment(t *testing.T) {
	server := startServer(t)

	envFile := isolateEnv(t)
	t.Setenv(config.EnvServer, server.ServerAddress())
	t.Setenv(config.EnvToken, testToken)

	var stdout, stderr bytes.Buffer
	code := Execute(context.Background(), []string{"--env-file", envFile, "list"}, &stdout, &stderr)

	assert.Equal(t, 0, code, stderr.String())
	assert.Contains(t, stdout.String(), "sensor.a (Temp) [kitchen]")
}

func TestExecute_AuthFailure(t *testing.T) {
	t.Run("wrong token", func(t *testing.T) {
		server := startServer(t)

		var stdout, stderr bytes.Buffer
		code := Execute(context.Background(), []string{
			"--env-file", isolateEnv(t),
			"--server", server.ServerAddress(),
			"--token", "wrong",
			"list",
		}, &stdout, &stderr)

		assert.Equal(t, 1, code)
		assert.Contains(t, stderr.String(), "ERROR: Authentication failed")
		assert.Empty(t, server.GetRequests())
	})

	t.Run("reply is not auth_ok", func(t *testing.T) {
		server := startServer(t)
		server.SetAuthReply("auth_pending")

		res := run(t, server, "expose", "sensor.b")
		assert.Equal(t, 1, res.code)
		assert.Contains(t, res.stderr, "ERROR: Authentication failed")
		assert.Empty(t, server.GetRequests())
		assert.False(t, server.IsExposed("sensor.b"))
	})
}

func TestExecute_List(t *testing.T) {
	t.Run("text", func(t *testing.T) {
		server := startServer(t)

		res := run(t, server, "list")
		require.Equal(t, 0, res.code, res.stderr)
		assert.Equal(t, "Entities exposed to conversation agent (1):\n\n"+
			"sensor:\n"+
			"  sensor.a (Temp) [kitchen]\n"+
			"\n", res.stdout)
		assert.Equal(t, 1, server.CountRequests("config/entity_registry/list"))
	})

	t.Run("nothing exposed", func(t *testing.T) {
		server := testutil.NewMockHAServer(testToken)
		require.NoError(t, server.Start())
		defer server.Stop()

		res := run(t, server, "list")
		require.Equal(t, 0, res.code, res.stderr)
		assert.Equal(t, "No entities are exposed to the conversation agent.\n", res.stdout)
	})

	t.Run("json", func(t *testing.T) {
		server := startServer(t)

		res := run(t, server, "list", "-o", "json")
		require.Equal(t, 0, res.code, res.stderr)

		var doc map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(res.stdout), &doc))
		assert.Equal(t, float64(1), doc["count"])
	})

	t.Run("registry rejected prints the empty result", func(t *testing.T) {
		server := startServer(t)
		server.FailCommand("config/entity_registry/list", "unauthorized", "Unauthorized")

		res := run(t, server, "list")
		assert.Equal(t, 0, res.code)
		assert.Contains(t, res.stderr, "ERROR: Failed to get entity registry")
		assert.Contains(t, res.stderr, "Unauthorized")
		assert.Equal(t, "No entities are exposed to the conversation agent.\n", res.stdout)
	})

	t.Run("rejects arguments", func(t *testing.T) {
		server := startServer(t)

		res := run(t, server, "list", "sensor.a")
		assert.Equal(t, 1, res.code)
		assert.Empty(t, server.GetRequests())
	})
}

func TestExecute_Check(t *testing.T) {
	server := startServer(t)

	res := run(t, server, "check", "sensor.a", "sensor.missing", "sensor.b")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Equal(t, "Entity exposure status:\n\n"+
		"  sensor.a: EXPOSED (Temp)\n"+
		"  sensor.missing: NOT FOUND\n"+
		"  sensor.b: not exposed\n", res.stdout)
}

func TestExecute_CheckRegistryRejected(t *testing.T) {
	server := startServer(t)
	server.FailCommand("config/entity_registry/list", "unauthorized", "Unauthorized")

	res := run(t, server, "check", "sensor.a", "sensor.b")
	assert.Equal(t, 0, res.code)
	assert.Contains(t, res.stderr, "ERROR: Failed to get entity registry")
	assert.Equal(t, "Entity exposure status:\n\n", res.stdout)

	t.Run("json", func(t *testing.T) {
		res := run(t, server, "check", "sensor.a", "-o", "json")
		assert.Equal(t, 0, res.code)
		assert.JSONEq(t, `{"entities": []}`, res.stdout)
	})
}

func TestReportRejected(t *testing.T) {
	var stderr bytes.Buffer
	a := &app{stderr: &stderr}

	transport := errors.New("failed to read message: EOF")
	assert.Equal(t, transport, a.reportRejected(transport))
	assert.Empty(t, stderr.String())

	rejected := fmt.Errorf("failed to get entity registry: %w",
		&ha.RemoteError{Command: ha.TypeEntityRegistry, Code: "unknown_error", Message: "boom"})
	assert.NoError(t, a.reportRejected(rejected))
	assert.Equal(t, "ERROR: Failed to get entity registry: HA error: config/entity_registry/list failed: unknown_error - boom\n",
		stderr.String())
}

func TestExecute_CheckRequiresIDs(t *testing.T) {
	server := startServer(t)

	res := run(t, server, "check")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, "ERROR:")
	assert.Empty(t, server.GetRequests())
}

func TestExecute_Expose(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		server := startServer(t)

		res := run(t, server, "expose", "sensor.b")
		require.Equal(t, 0, res.code, res.stderr)
		assert.Equal(t, "Successfully exposed 1 entity(ies) to conversation agent:\n"+
			"  + sensor.b\n", res.stdout)
		assert.True(t, server.IsExposed("sensor.b"))

		res = run(t, server, "check", "sensor.b")
		require.Equal(t, 0, res.code, res.stderr)
		assert.Contains(t, res.stdout, "sensor.b: EXPOSED")
	})

	t.Run("batch rejected", func(t *testing.T) {
		server := startServer(t)

		res := run(t, server, "expose", "sensor.b", "sensor.missing")
		assert.Equal(t, 1, res.code)
		assert.Equal(t, "ERROR: Failed to expose entities\n", res.stderr)
		assert.Empty(t, res.stdout)
		assert.False(t, server.IsExposed("sensor.b"))
	})

	t.Run("requires ids", func(t *testing.T) {
		server := startServer(t)

		res := run(t, server, "expose")
		assert.Equal(t, 1, res.code)
		assert.Empty(t, server.GetRequests())
	})
}

func TestExecute_Unexpose(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		server := startServer(t)

		res := run(t, server, "unexpose", "sensor.a")
		require.Equal(t, 0, res.code, res.stderr)
		assert.Equal(t, "Successfully unexposed 1 entity(ies) from conversation agent:\n"+
			"  - sensor.a\n", res.stdout)
		assert.False(t, server.IsExposed("sensor.a"))

		requests := testutil.FilterRequests(server.GetRequests(), "homeassistant/expose_entity")
		require.Len(t, requests, 1)
		assert.Equal(t, false, requests[0].Payload["should_expose"])
		assert.Equal(t, []interface{}{"conversation"}, requests[0].Payload["assistants"])
	})

	t.Run("remote failure", func(t *testing.T) {
		server := startServer(t)
		server.FailCommand("homeassistant/expose_entity", "home_assistant_error", "boom")

		res := run(t, server, "unexpose", "sensor.a")
		assert.Equal(t, 1, res.code)
		assert.Equal(t, "ERROR: Failed to unexpose entities\n", res.stderr)
		assert.True(t, server.IsExposed("sensor.a"))
	})
}

func TestExecute_ConfigFile(t *testing.T) {
	server := startServer(t)

	dir := t.TempDir()
	configFile := filepath.Join(dir, "haexpose.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte(
		"server: "+server.ServerAddress()+"\ntoken: "+testToken+"\ntimeout: 5s\noutput: yaml\n"), 0644))

	envFile := isolateEnv(t)
	var stdout, stderr bytes.Buffer
	code := Execute(context.Background(),
		[]string{"--env-file", envFile, "--config", configFile, "check", "sensor.a"}, &stdout, &stderr)

	require.Equal(t, 0, code, stderr.String())
	assert.Contains(t, stdout.String(), "entity_id: sensor.a")
	assert.Contains(t, stdout.String(), "exposed: true")
}

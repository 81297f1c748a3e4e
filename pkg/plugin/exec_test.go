package plugin

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const echoScript = `#!/bin/sh
req=$(cat)
case "$req" in
  *'"action":"testConnection"'*) echo '{"success":true,"message":"reachable"}' ;;
  *'"action":"configUpdated"'*) echo '{"success":true}' ;;
  *'"gestureName":"fist"'*) echo '{"success":false,"error":"device offline"}' ;;
  *) echo '{"success":true,"message":"executed","data":{"echo":1}}' ;;
esac
`

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported on windows")
	}
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

func newTestExecPlugin(t *testing.T, body string, timeout time.Duration, caps Capabilities) *ExecPlugin {
	t.Helper()
	dir := t.TempDir()
	path := writeScript(t, dir, "backend.sh", body)
	p := newExecPlugin(path, dir, timeout, zerolog.Nop())
	p.SetManifest(&Manifest{ID: "scripted", Capabilities: caps})
	return p
}

func TestExecPlugin_Execute(t *testing.T) {
	p := newTestExecPlugin(t, echoScript, time.Second, Capabilities{})

	t.Run("success with data", func(t *testing.T) {
		res, err := p.Execute(context.Background(), json.RawMessage(`{"scene":"movie"}`), ActionDetails{GestureName: "wave"}, nil, nil)
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, "executed", res.Message)
		assert.JSONEq(t, `{"echo":1}`, string(res.Data.(json.RawMessage)))
	})

	t.Run("reported error becomes handler error", func(t *testing.T) {
		_, err := p.Execute(context.Background(), nil, ActionDetails{GestureName: "fist"}, nil, nil)
		assert.EqualError(t, err, "device offline")
	})
}

func TestExecPlugin_Failures(t *testing.T) {
	t.Run("non-zero exit includes stderr", func(t *testing.T) {
		p := newTestExecPlugin(t, "#!/bin/sh\necho boom >&2\nexit 3\n", time.Second, Capabilities{})
		_, err := p.Execute(context.Background(), nil, ActionDetails{}, nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "boom")
	})

	t.Run("timeout", func(t *testing.T) {
		p := newTestExecPlugin(t, "#!/bin/sh\nexec sleep 5\n", 100*time.Millisecond, Capabilities{})
		_, err := p.Execute(context.Background(), nil, ActionDetails{}, nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "timeout")
	})

	t.Run("unparsable output", func(t *testing.T) {
		p := newTestExecPlugin(t, "#!/bin/sh\ncat >/dev/null\necho not-json\n", time.Second, Capabilities{})
		_, err := p.Execute(context.Background(), nil, ActionDetails{}, nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse plugin response")
	})
}

func TestExecPlugin_Capabilities(t *testing.T) {
	t.Run("connection test masked unless declared", func(t *testing.T) {
		p := newTestExecPlugin(t, echoScript, time.Second, Capabilities{HasActions: true})
		caps := resolveCapabilities(p)
		assert.NotNil(t, caps.action)
		assert.Nil(t, caps.tester)
		assert.NotNil(t, caps.configListener)
	})

	t.Run("actions masked unless declared", func(t *testing.T) {
		p := newTestExecPlugin(t, echoScript, time.Second, Capabilities{HasConnectionTest: true})
		caps := resolveCapabilities(p)
		assert.Nil(t, caps.action)
		assert.NotNil(t, caps.tester)
	})

	t.Run("connection test when declared", func(t *testing.T) {
		p := newTestExecPlugin(t, echoScript, time.Second, Capabilities{HasConnectionTest: true})
		caps := resolveCapabilities(p)
		require.NotNil(t, caps.tester)

		res := caps.tester.TestConnection(context.Background(), json.RawMessage(`{}`), nil)
		assert.True(t, res.Success)
		assert.Equal(t, "reachable", res.Message)
	})

	t.Run("config update is delivered", func(t *testing.T) {
		p := newTestExecPlugin(t, echoScript, time.Second, Capabilities{})
		p.OnGlobalConfigUpdate(context.Background(), json.RawMessage(`{"a":1}`))
	})
}

func TestResolveExecutable(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "bin/run", "#!/bin/sh\n")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))

	path, err := resolveExecutable(dir, "bin/run")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "bin", "run"), path)

	_, err = resolveExecutable(dir, "../outside")
	assert.Error(t, err)

	_, err = resolveExecutable(dir, "missing")
	assert.Error(t, err)

	_, err = resolveExecutable(dir, "sub")
	assert.Error(t, err)
}

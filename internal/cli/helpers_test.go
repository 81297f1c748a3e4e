package cli

import (
	"bytes"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// writeTestConfig writes a config file rooted in a temp data dir and returns
// its path and the data dir.
func writeTestConfig(t *testing.T, port int) (string, string) {
	t.Helper()
	dataDir := t.TempDir()
	if port == 0 {
		port = 17420
	}
	cfg := map[string]interface{}{
		"data_dir": dataDir,
		"logging":  map[string]interface{}{"level": "error", "file": filepath.Join(dataDir, "mudra.log")},
		"gateway":  map[string]interface{}{"host": "127.0.0.1", "port": port},
	}
	data, err := json.Marshal(cfg)
	require.NoError(t, err)

	path := filepath.Join(dataDir, "mudra.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path, dataDir
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// execute runs the root command with args and returns what it printed.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := GetRootCmd()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetIn(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

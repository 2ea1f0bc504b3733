package main

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const configTemplate = `server:
  member: node-1
  dataDir: %s
  clockInterval: 50ms
  tickInterval: 10ms
partitionGroups:
  - name: raft
    protocol: multi-raft
    partitions:
      - id: 1
        members:
          - id: node-1
            address: %[2]s
  - name: primary
    protocol: multi-primary
    partitions:
      - id: 2
        members:
          - id: node-1
            address: %[2]s
  - name: log
    protocol: multi-log
    partitions:
      - id: 3
        members:
          - id: node-1
            address: %[2]s
primitives:
  hits:
    protocol: multi-primary
  audit:
    protocol: multi-log
`

func writeConfig(t *testing.T, dir string, name string, address string) string {
	t.Helper()

	path := filepath.Join(dir, name)

	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(configTemplate, filepath.Join(dir, "data"), address)), 0644))

	return path
}

// startServer serves every partition on an ephemeral port and returns
// the path of a config pointing clients at it
func startServer(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	options := &serveOptions{
		rootOptions: &rootOptions{
			configPath: writeConfig(t, dir, "server.yaml", "unused:0"),
			logger:     zaptest.NewLogger(t),
		},
		address: "127.0.0.1:0",
	}

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan net.Addr, 1)
	errs := make(chan error, 1)

	go func() {
		errs <- serve(ctx, options, ready)
	}()

	var address net.Addr

	select {
	case address = <-ready:
	case err := <-errs:
		cancel()
		t.Fatalf("serve failed: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("server did not start")
	}

	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-errs)
	})

	return writeConfig(t, dir, "client.yaml", address.String())
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := newRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetArgs(args)

	err := cmd.Execute()

	return strings.TrimSpace(out.String()), err
}

func TestValueCommands(t *testing.T) {
	configPath := startServer(t)

	for _, name := range []string{"greeting", "audit"} {
		t.Run(name, func(t *testing.T) {
			out, err := run(t, "--config", configPath, "value", "get", name)

			require.NoError(t, err)
			require.True(t, strings.HasPrefix(out, "<absent>"), out)

			out, err = run(t, "--config", configPath, "value", "set", name, "hello")

			require.NoError(t, err)
			require.True(t, strings.HasPrefix(out, "hello (index "), out)

			out, err = run(t, "--config", configPath, "value", "cas", name, "hello", "goodbye")

			require.NoError(t, err)
			require.Equal(t, "true", out)

			out, err = run(t, "--config", configPath, "value", "cas", name, "hello", "again")

			require.NoError(t, err)
			require.Equal(t, "false", out)

			out, err = run(t, "--config", configPath, "value", "get", name)

			require.NoError(t, err)
			require.True(t, strings.HasPrefix(out, "goodbye (index "), out)

			_, err = run(t, "--config", configPath, "value", "delete", name)

			require.NoError(t, err)
		})
	}
}

func TestCounterCommands(t *testing.T) {
	configPath := startServer(t)

	out, err := run(t, "--config", configPath, "counter", "add", "hits", "5")

	require.NoError(t, err)
	require.Equal(t, "5", out)

	out, err = run(t, "--config", configPath, "counter", "add", "hits", "-2")

	require.NoError(t, err)
	require.Equal(t, "3", out)

	out, err = run(t, "--config", configPath, "counter", "get", "hits")

	require.NoError(t, err)
	require.Equal(t, "3", out)

	_, err = run(t, "--config", configPath, "counter", "add", "hits", "many")

	require.Error(t, err)
}

func TestCommandErrors(t *testing.T) {
	dir := t.TempDir()
	configPath := writeConfig(t, dir, "plover.yaml", "127.0.0.1:1")

	_, err := run(t, "--config", configPath, "--log-level", "loud", "value", "get", "x")

	require.ErrorContains(t, err, "invalid log level")

	_, err = run(t, "--config", filepath.Join(dir, "missing.yaml"), "value", "get", "x")

	require.ErrorContains(t, err, "could not load config")

	_, err = run(t, "--config", configPath, "serve", "--member", "node-9")

	require.ErrorContains(t, err, "hosts no partitions")

	_, err = run(t, "--config", configPath, "--timeout", "200ms", "value", "get", "x")

	require.Error(t, err)
}

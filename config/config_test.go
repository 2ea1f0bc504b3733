package config_test

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jrife/plover/cluster"
	"github.com/jrife/plover/config"
	"github.com/jrife/plover/protocol"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	cfg, err := config.Load("testdata/cluster.yaml")

	require.NoError(t, err)
	require.Equal(t, "node-1", cfg.Server.Member)
	require.Equal(t, 500*time.Millisecond, cfg.Server.ClockInterval)
	require.Equal(t, config.DefaultBackups, cfg.Server.Backups)
	require.Equal(t, "multi-raft", cfg.Defaults.Protocol)

	counter, err := cfg.Primitive("counter")

	require.NoError(t, err)

	expected := config.PrimitiveConfig{
		Protocol:        "multi-raft",
		Group:           "raft",
		SessionTimeout:  10 * time.Second,
		ReadConsistency: "sequential",
	}

	if diff := cmp.Diff(expected, counter); diff != "" {
		t.Fatalf(diff)
	}

	consistency, err := counter.Consistency()

	require.NoError(t, err)
	require.Equal(t, protocol.Sequential, consistency)

	_, err = cfg.Primitive("missing")

	require.True(t, errors.Is(err, config.ErrNoSuchPrimitive))
	require.Equal(t, "multi-raft", cfg.PrimitiveOrDefault("missing").Protocol)
}

func TestTopologies(t *testing.T) {
	cfg, err := config.Load("testdata/cluster.yaml")

	require.NoError(t, err)

	topology, err := cfg.PartitionService().PartitionGroup("multi-log", "")

	require.NoError(t, err)

	expected := cluster.Topology{
		Group:    "log",
		Protocol: "multi-log",
		Partitions: []cluster.Partition{
			{ID: 3, Members: []cluster.Member{{ID: "node-1", Address: "localhost:7000"}}},
		},
	}

	if diff := cmp.Diff(expected, topology); diff != "" {
		t.Fatalf(diff)
	}

	hosted := cfg.HostedPartitions("node-1")
	expectedHosted := []config.HostedPartition{
		{Group: "raft", Protocol: protocol.Consensus, Partition: 1},
		{Group: "log", Protocol: protocol.AppendLog, Partition: 3},
	}

	if diff := cmp.Diff(expectedHosted, hosted); diff != "" {
		t.Fatalf(diff)
	}

	require.Len(t, cfg.HostedPartitions(""), 3)
}

func TestMarshalRoundTrip(t *testing.T) {
	cfg, err := config.Load("testdata/cluster.yaml")

	require.NoError(t, err)

	data, err := cfg.Marshal()

	require.NoError(t, err)

	parsed, err := config.Parse(data)

	require.NoError(t, err)

	if diff := cmp.Diff(cfg, parsed); diff != "" {
		t.Fatalf(diff)
	}
}

func TestValidate(t *testing.T) {
	testCases := map[string]string{
		"unknown field": `
partitionGroups: []
bogus: true
`,
		"unknown protocol": `
partitionGroups:
  - name: a
    protocol: paxos
    partitions:
      - id: 1
        members: [{id: n, address: a}]
`,
		"duplicate partition": `
partitionGroups:
  - name: a
    protocol: multi-raft
    partitions:
      - id: 1
        members: [{id: n, address: a}]
  - name: b
    protocol: multi-log
    partitions:
      - id: 1
        members: [{id: n, address: a}]
`,
		"no members": `
partitionGroups:
  - name: a
    protocol: multi-raft
    partitions:
      - id: 1
`,
		"unknown group": `
partitionGroups:
  - name: a
    protocol: multi-raft
    partitions:
      - id: 1
        members: [{id: n, address: a}]
primitives:
  foo:
    group: b
`,
		"bad consistency": `
partitionGroups:
  - name: a
    protocol: multi-raft
    partitions:
      - id: 1
        members: [{id: n, address: a}]
primitives:
  foo:
    readConsistency: strong
`,
	}

	for name, data := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := config.Parse([]byte(data))

			require.True(t, errors.Is(err, config.ErrInvalidConfig), "unexpected error %v", err)
		})
	}
}

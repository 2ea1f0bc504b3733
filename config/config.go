// Package config loads the YAML file describing a plover cluster:
// the partition groups, the primitives running on them and the
// settings of a partition host.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/jrife/plover/cluster"
	"github.com/jrife/plover/protocol"
	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalidConfig is wrapped by every validation failure
	ErrInvalidConfig = errors.New("invalid config")
	// ErrNoSuchPrimitive is returned for a primitive missing from the config
	ErrNoSuchPrimitive = errors.New("no such primitive")
)

const (
	DefaultAddress        = "localhost:7000"
	DefaultDataDir        = "data"
	DefaultClockInterval  = time.Second
	DefaultSessionTimeout = 5 * time.Second
	DefaultBackups        = 1
)

// Config is the root of a config file
type Config struct {
	Server ServerConfig `yaml:"server"`
	// Groups are the partition groups of the cluster
	Groups []GroupConfig `yaml:"partitionGroups"`
	// Defaults fill in fields a primitive leaves empty
	Defaults   PrimitiveConfig            `yaml:"defaults,omitempty"`
	Primitives map[string]PrimitiveConfig `yaml:"primitives,omitempty"`
}

// ServerConfig configures a partition host
type ServerConfig struct {
	// Member is the member id this host runs as. The host serves every
	// partition listing this member.
	Member           string        `yaml:"member"`
	Address          string        `yaml:"address"`
	DataDir          string        `yaml:"dataDir"`
	ClockInterval    time.Duration `yaml:"clockInterval"`
	TickInterval     time.Duration `yaml:"tickInterval,omitempty"`
	Backups          int           `yaml:"backups"`
	ReplicationDelay time.Duration `yaml:"replicationDelay,omitempty"`
}

// GroupConfig describes a partition group
type GroupConfig struct {
	Name       string            `yaml:"name"`
	Protocol   string            `yaml:"protocol"`
	Partitions []PartitionConfig `yaml:"partitions"`
}

// PartitionConfig describes one partition. Partition ids are unique
// across groups.
type PartitionConfig struct {
	ID      uint32         `yaml:"id"`
	Members []MemberConfig `yaml:"members"`
}

// MemberConfig describes a replica of a partition
type MemberConfig struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
}

// PrimitiveConfig selects the protocol and session settings of a
// primitive
type PrimitiveConfig struct {
	Protocol          string        `yaml:"protocol,omitempty"`
	Group             string        `yaml:"group,omitempty"`
	Partitions        int           `yaml:"partitions,omitempty"`
	ReplicationFactor int           `yaml:"replicationFactor,omitempty"`
	SessionTimeout    time.Duration `yaml:"sessionTimeout,omitempty"`
	ReadConsistency   string        `yaml:"readConsistency,omitempty"`
	MaxStaleness      time.Duration `yaml:"maxStaleness,omitempty"`
	ReadOffset        uint64        `yaml:"readOffset,omitempty"`
}

// Consistency parses ReadConsistency
func (primitiveConfig PrimitiveConfig) Consistency() (protocol.ReadConsistency, error) {
	return protocol.ParseReadConsistency(primitiveConfig.ReadConsistency)
}

func (primitiveConfig PrimitiveConfig) merge(defaults PrimitiveConfig) PrimitiveConfig {
	if primitiveConfig.Protocol == "" {
		primitiveConfig.Protocol = defaults.Protocol
	}

	if primitiveConfig.Group == "" {
		primitiveConfig.Group = defaults.Group
	}

	if primitiveConfig.Partitions == 0 {
		primitiveConfig.Partitions = defaults.Partitions
	}

	if primitiveConfig.ReplicationFactor == 0 {
		primitiveConfig.ReplicationFactor = defaults.ReplicationFactor
	}

	if primitiveConfig.SessionTimeout == 0 {
		primitiveConfig.SessionTimeout = defaults.SessionTimeout
	}

	if primitiveConfig.ReadConsistency == "" {
		primitiveConfig.ReadConsistency = defaults.ReadConsistency
	}

	if primitiveConfig.MaxStaleness == 0 {
		primitiveConfig.MaxStaleness = defaults.MaxStaleness
	}

	if primitiveConfig.ReadOffset == 0 {
		primitiveConfig.ReadOffset = defaults.ReadOffset
	}

	return primitiveConfig
}

// Load reads and parses the config file at path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)

	if err != nil {
		return nil, fmt.Errorf("could not read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes a config, applies defaults and validates it. Unknown
// fields are rejected.
func Parse(data []byte) (*Config, error) {
	var config Config

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	if err := decoder.Decode(&config); err != nil {
		return nil, fmt.Errorf("%w: could not parse YAML: %w", ErrInvalidConfig, err)
	}

	config.Normalize()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Marshal encodes the config as YAML
func (config *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(config)
}

// Normalize fills in defaults
func (config *Config) Normalize() {
	if config.Server.Address == "" {
		config.Server.Address = DefaultAddress
	}

	if config.Server.DataDir == "" {
		config.Server.DataDir = DefaultDataDir
	}

	if config.Server.ClockInterval == 0 {
		config.Server.ClockInterval = DefaultClockInterval
	}

	if config.Server.Backups == 0 {
		config.Server.Backups = DefaultBackups
	}

	if config.Defaults.SessionTimeout == 0 {
		config.Defaults.SessionTimeout = DefaultSessionTimeout
	}

	if config.Defaults.Protocol == "" && len(config.Groups) > 0 {
		config.Defaults.Protocol = config.Groups[0].Protocol
	}
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

func validProtocol(name string) bool {
	switch protocol.Type(name) {
	case protocol.Consensus, protocol.PrimaryBackup, protocol.AppendLog:
		return true
	}

	return false
}

// Validate reports the first problem found in the config
func (config *Config) Validate() error {
	if config.Server.ClockInterval < 0 {
		return invalid("server clockInterval %s is negative", config.Server.ClockInterval)
	}

	if config.Server.Backups < 0 {
		return invalid("server backups %d is negative", config.Server.Backups)
	}

	groups := map[string]bool{}
	partitions := map[uint32]string{}

	for i, group := range config.Groups {
		if group.Name == "" {
			return invalid("partitionGroups[%d]: name is required", i)
		}

		if groups[group.Name] {
			return invalid("partition group %s is defined twice", group.Name)
		}

		groups[group.Name] = true

		if !validProtocol(group.Protocol) {
			return invalid("partition group %s: unknown protocol %q", group.Name, group.Protocol)
		}

		if len(group.Partitions) == 0 {
			return invalid("partition group %s has no partitions", group.Name)
		}

		for _, partition := range group.Partitions {
			if partition.ID == 0 {
				return invalid("partition group %s: partition ids start at 1", group.Name)
			}

			if owner, ok := partitions[partition.ID]; ok {
				return invalid("partition %d is in groups %s and %s", partition.ID, owner, group.Name)
			}

			partitions[partition.ID] = group.Name

			if len(partition.Members) == 0 {
				return invalid("partition %d has no members", partition.ID)
			}

			for _, member := range partition.Members {
				if member.ID == "" || member.Address == "" {
					return invalid("partition %d: members need an id and an address", partition.ID)
				}
			}
		}
	}

	names := make([]string, 0, len(config.Primitives))

	for name := range config.Primitives {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		primitiveConfig := config.Primitives[name].merge(config.Defaults)

		if err := config.validatePrimitive(name, primitiveConfig, groups); err != nil {
			return err
		}
	}

	return nil
}

func (config *Config) validatePrimitive(name string, primitiveConfig PrimitiveConfig, groups map[string]bool) error {
	if !validProtocol(primitiveConfig.Protocol) {
		return invalid("primitive %s: unknown protocol %q", name, primitiveConfig.Protocol)
	}

	if primitiveConfig.Group != "" && !groups[primitiveConfig.Group] {
		return invalid("primitive %s: unknown partition group %s", name, primitiveConfig.Group)
	}

	if primitiveConfig.Partitions < 0 || primitiveConfig.ReplicationFactor < 0 {
		return invalid("primitive %s: partitions and replicationFactor must not be negative", name)
	}

	if primitiveConfig.SessionTimeout < 0 || primitiveConfig.MaxStaleness < 0 {
		return invalid("primitive %s: durations must not be negative", name)
	}

	if _, err := primitiveConfig.Consistency(); err != nil {
		return invalid("primitive %s: %s", name, err)
	}

	return nil
}

// Primitive returns the settings of the named primitive with defaults
// applied
func (config *Config) Primitive(name string) (PrimitiveConfig, error) {
	primitiveConfig, ok := config.Primitives[name]

	if !ok {
		return PrimitiveConfig{}, fmt.Errorf("%s: %w", name, ErrNoSuchPrimitive)
	}

	return primitiveConfig.merge(config.Defaults), nil
}

// PrimitiveOrDefault is Primitive but falls back to the defaults for
// primitives missing from the config
func (config *Config) PrimitiveOrDefault(name string) PrimitiveConfig {
	return config.Primitives[name].merge(config.Defaults)
}

// Topologies converts the partition groups
func (config *Config) Topologies() []cluster.Topology {
	topologies := make([]cluster.Topology, 0, len(config.Groups))

	for _, group := range config.Groups {
		topology := cluster.Topology{Group: group.Name, Protocol: group.Protocol}

		for _, partition := range group.Partitions {
			members := make([]cluster.Member, 0, len(partition.Members))

			for _, member := range partition.Members {
				members = append(members, cluster.Member{ID: member.ID, Address: member.Address})
			}

			topology.Partitions = append(topology.Partitions, cluster.Partition{
				ID:      cluster.PartitionID(partition.ID),
				Members: members,
			})
		}

		topologies = append(topologies, topology)
	}

	return topologies
}

// PartitionService returns a partition service over the groups
func (config *Config) PartitionService() *cluster.StaticPartitionService {
	return cluster.NewStaticPartitionService(config.Topologies()...)
}

// HostedPartition is a partition a host must serve
type HostedPartition struct {
	Group     string
	Protocol  protocol.Type
	Partition cluster.PartitionID
}

// HostedPartitions lists the partitions that name member in ascending
// partition order. An empty member matches every partition.
func (config *Config) HostedPartitions(member string) []HostedPartition {
	var hosted []HostedPartition

	for _, group := range config.Groups {
		for _, partition := range group.Partitions {
			for _, candidate := range partition.Members {
				if member != "" && candidate.ID != member {
					continue
				}

				hosted = append(hosted, HostedPartition{
					Group:     group.Name,
					Protocol:  protocol.Type(group.Protocol),
					Partition: cluster.PartitionID(partition.ID),
				})

				break
			}
		}
	}

	sort.Slice(hosted, func(i, j int) bool { return hosted[i].Partition < hosted[j].Partition })

	return hosted
}

package sharding

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ShardID names one shard connection. It is both the routing target and the
// repository cache key.
type ShardID string

// Algorithm selects a Router implementation.
type Algorithm string

const (
	AlgorithmModulo     Algorithm = "modulo"
	AlgorithmRendezvous Algorithm = "rendezvous"
)

// ShardSpec describes how to reach one shard.
type ShardSpec struct {
	ID     ShardID `yaml:"id"`
	Driver string  `yaml:"driver,omitempty"`
	DSN    string  `yaml:"dsn,omitempty"`
}

// ClusterConfig is the static description of a named cluster. The order of
// Shards is part of the routing function and must not change while data
// routed with it exists.
type ClusterConfig struct {
	Name      string      `yaml:"-"`
	Algorithm Algorithm   `yaml:"algorithm,omitempty"`
	Seed      string      `yaml:"seed,omitempty"`
	Shards    []ShardSpec `yaml:"shards"`
}

// ShardIDs returns the shard ids in configured order.
func (c ClusterConfig) ShardIDs() []ShardID {
	ids := make([]ShardID, len(c.Shards))
	for i, s := range c.Shards {
		ids[i] = s.ID
	}
	return ids
}

// Shard returns the spec for id.
func (c ClusterConfig) Shard(id ShardID) (ShardSpec, bool) {
	for _, s := range c.Shards {
		if s.ID == id {
			return s, true
		}
	}
	return ShardSpec{}, false
}

func (c ClusterConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidCluster)
	}
	if len(c.Shards) == 0 {
		return fmt.Errorf("%w: cluster %q has no shards", ErrInvalidCluster, c.Name)
	}
	seen := make(map[ShardID]struct{}, len(c.Shards))
	for i, s := range c.Shards {
		if s.ID == "" {
			return fmt.Errorf("%w: cluster %q shard %d has no id", ErrInvalidCluster, c.Name, i)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("%w: cluster %q lists shard %q twice", ErrInvalidCluster, c.Name, s.ID)
		}
		seen[s.ID] = struct{}{}
	}
	return nil
}

// Clone detaches the shard list so a loaded config cannot be changed through
// a copy handed out earlier.
func (c ClusterConfig) Clone() ClusterConfig {
	c.Shards = append([]ShardSpec(nil), c.Shards...)
	return c
}

// ConfigSource looks up clusters by name.
type ConfigSource interface {
	Cluster(name string) (ClusterConfig, error)
}

// Config is a set of named clusters, usually loaded from YAML:
//
//	clusters:
//	  users:
//	    algorithm: modulo
//	    shards:
//	      - id: users-a
//	        driver: sqlite
//	        dsn: /var/lib/app/users-a.db
type Config struct {
	Clusters map[string]ClusterConfig `yaml:"clusters"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	for name, c := range cfg.Clusters {
		c.Name = name
		if c.Algorithm == "" {
			c.Algorithm = AlgorithmModulo
		}
		if err := c.Validate(); err != nil {
			return nil, err
		}
		cfg.Clusters[name] = c
	}
	return &cfg, nil
}

// ParseClusterYAML parses a single cluster document (the value of one entry
// under "clusters").
func ParseClusterYAML(name string, data []byte) (ClusterConfig, error) {
	var c ClusterConfig
	if err := yaml.Unmarshal(data, &c); err != nil {
		return ClusterConfig{}, fmt.Errorf("parse cluster %q: %w", name, err)
	}
	c.Name = name
	if c.Algorithm == "" {
		c.Algorithm = AlgorithmModulo
	}
	if err := c.Validate(); err != nil {
		return ClusterConfig{}, err
	}
	return c, nil
}

// MarshalClusterYAML is the inverse of ParseClusterYAML.
func MarshalClusterYAML(c ClusterConfig) ([]byte, error) {
	return yaml.Marshal(c)
}

func (c *Config) Cluster(name string) (ClusterConfig, error) {
	if c == nil {
		return ClusterConfig{}, fmt.Errorf("%w: %q", ErrClusterNotFound, name)
	}
	cc, ok := c.Clusters[name]
	if !ok {
		return ClusterConfig{}, fmt.Errorf("%w: %q", ErrClusterNotFound, name)
	}
	return cc.Clone(), nil
}

var _ ConfigSource = (*Config)(nil)

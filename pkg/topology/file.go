package topology

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// File is the on-disk form of a topology. Exactly one of Standalone,
// ReplicaSet or Sharded must be present.
type File struct {
	Global     GlobalConfig `yaml:"global"`
	Standalone *NodeSpec    `yaml:"standalone,omitempty"`
	ReplicaSet *ReplicaSet  `yaml:"replica_set,omitempty"`
	Sharded    *Sharded     `yaml:"sharded,omitempty"`
}

// GlobalConfig contains defaults applied to every node
type GlobalConfig struct {
	Host    string `yaml:"host,omitempty"`
	DataDir string `yaml:"data_dir,omitempty"`
}

// ParseTopologyFile parses a topology YAML file
func ParseTopologyFile(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read topology file: %w", err)
	}

	return ParseTopology(data)
}

// ParseTopology parses topology YAML, applies global defaults and tags every
// node with its role. The result still needs Validate.
func ParseTopology(data []byte) (*Topology, error) {
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse topology YAML: %w", err)
	}

	set := 0
	for _, present := range []bool{file.Standalone != nil, file.ReplicaSet != nil, file.Sharded != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return nil, fmt.Errorf("topology file must define exactly one of standalone, replica_set or sharded (found %d)", set)
	}

	switch {
	case file.Standalone != nil:
		node := file.Global.applyTo(*file.Standalone)
		return NewStandalone(node), nil
	case file.ReplicaSet != nil:
		return NewReplicaSet(file.ReplicaSet.Name, file.Global.applyToAll(file.ReplicaSet.Members)), nil
	default:
		s := file.Sharded
		cfg := ReplicaSet{Name: s.ConfigServers.Name, Members: file.Global.applyToAll(s.ConfigServers.Members)}
		shards := make([]ReplicaSet, len(s.Shards))
		for i, shard := range s.Shards {
			shards[i] = ReplicaSet{Name: shard.Name, Members: file.Global.applyToAll(shard.Members)}
		}
		routers := make([]NodeSpec, len(s.Routers))
		for i, r := range s.Routers {
			if r.Host == "" {
				r.Host = file.Global.host()
			}
			routers[i] = r
		}
		return NewSharded(cfg, shards, routers), nil
	}
}

func (g GlobalConfig) host() string {
	if g.Host == "" {
		return DefaultHost
	}
	return g.Host
}

// applyTo fills a node's host and data directory from the global section
func (g GlobalConfig) applyTo(node NodeSpec) NodeSpec {
	if node.Host == "" {
		node.Host = g.host()
	}
	if node.DataDir == "" && g.DataDir != "" {
		node.DataDir = filepath.Join(g.DataDir, fmt.Sprintf("%s-%d", node.Host, node.Port))
	}
	return node
}

func (g GlobalConfig) applyToAll(nodes []NodeSpec) []NodeSpec {
	out := make([]NodeSpec, len(nodes))
	for i, n := range nodes {
		out[i] = g.applyTo(n)
	}
	return out
}

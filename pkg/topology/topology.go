package topology

import (
	"fmt"
	"strings"
)

// Kind identifies which variant of Topology is populated
type Kind string

const (
	KindStandalone Kind = "standalone"
	KindReplicaSet Kind = "replica_set"
	KindSharded    Kind = "sharded"
)

// Role tags what a node does in its cluster
type Role string

const (
	RoleStandalone Role = "standalone"
	RoleMember     Role = "member"
	RoleConfig     Role = "config"
	RoleShard      Role = "shard"
	RoleRouter     Role = "router"
)

// NodeSpec describes one mongod or mongos process.
// Values are never mutated once a builder or parser has returned them.
type NodeSpec struct {
	Host       string `yaml:"host" validate:"required,hostname_rfc1123|ip"`
	Port       int    `yaml:"port" validate:"required,min=1,max=65535"`
	DataDir    string `yaml:"data_dir,omitempty" validate:"required_unless=Role router"`
	Role       Role   `yaml:"role,omitempty" validate:"required,oneof=standalone member config shard router"`
	ReplicaSet string `yaml:"replica_set,omitempty"`
	// ConfigDB is the config server connection string a router is started with
	ConfigDB string `yaml:"config_db,omitempty"`
}

// Address returns host:port
func (n NodeSpec) Address() string {
	return GetNodeID(n.Host, n.Port)
}

// Binary returns the server binary that runs this node
func (n NodeSpec) Binary() string {
	if n.Role == RoleRouter {
		return "mongos"
	}
	return "mongod"
}

// ReplicaSet is a named, ordered group of members. The first member receives
// replSetInitiate; the rest are added one at a time in listed order.
type ReplicaSet struct {
	Name    string     `yaml:"name" validate:"required"`
	Members []NodeSpec `yaml:"members" validate:"required,min=1,dive"`
}

// Hosts returns the member addresses in listed order
func (rs ReplicaSet) Hosts() []string {
	hosts := make([]string, len(rs.Members))
	for i, m := range rs.Members {
		hosts[i] = m.Address()
	}
	return hosts
}

// ConnectionString returns the "<name>/<host1>,<host2>" form used by
// --configdb and addShard
func (rs ReplicaSet) ConnectionString() string {
	return fmt.Sprintf("%s/%s", rs.Name, strings.Join(rs.Hosts(), ","))
}

// Sharded describes a sharded cluster
type Sharded struct {
	ConfigServers ReplicaSet   `yaml:"config_servers"`
	Shards        []ReplicaSet `yaml:"shards" validate:"required,min=1,dive"`
	Routers       []NodeSpec   `yaml:"routers" validate:"required,min=1,dive"`
}

// Topology is a tagged variant: exactly one of Standalone, ReplicaSet or
// Sharded is set, matching Kind.
type Topology struct {
	Kind       Kind
	Standalone *NodeSpec
	ReplicaSet *ReplicaSet
	Sharded    *Sharded
}

// NewStandalone builds a single-server topology
func NewStandalone(node NodeSpec) *Topology {
	node.Role = RoleStandalone
	node.ReplicaSet = ""
	return &Topology{Kind: KindStandalone, Standalone: &node}
}

// NewReplicaSet builds a replica set topology. Member roles and set names are
// filled in from the set.
func NewReplicaSet(name string, members []NodeSpec) *Topology {
	rs := tagReplicaSet(name, members, RoleMember)
	return &Topology{Kind: KindReplicaSet, ReplicaSet: &rs}
}

// NewSharded builds a sharded topology. Routers are pointed at the config
// server replica set.
func NewSharded(configServers ReplicaSet, shards []ReplicaSet, routers []NodeSpec) *Topology {
	cfg := tagReplicaSet(configServers.Name, configServers.Members, RoleConfig)

	taggedShards := make([]ReplicaSet, len(shards))
	for i, shard := range shards {
		taggedShards[i] = tagReplicaSet(shard.Name, shard.Members, RoleShard)
	}

	configDB := cfg.ConnectionString()
	taggedRouters := make([]NodeSpec, len(routers))
	for i, r := range routers {
		r.Role = RoleRouter
		r.ReplicaSet = ""
		r.DataDir = ""
		r.ConfigDB = configDB
		taggedRouters[i] = r
	}

	return &Topology{
		Kind: KindSharded,
		Sharded: &Sharded{
			ConfigServers: cfg,
			Shards:        taggedShards,
			Routers:       taggedRouters,
		},
	}
}

func tagReplicaSet(name string, members []NodeSpec, role Role) ReplicaSet {
	tagged := make([]NodeSpec, len(members))
	for i, m := range members {
		m.Role = role
		m.ReplicaSet = name
		tagged[i] = m
	}
	return ReplicaSet{Name: name, Members: tagged}
}

// Tier is a group of nodes that can be started concurrently. If ReplicaSet is
// set, the tier's nodes are exactly that set's members and the set is
// configured once they are all reachable.
type Tier struct {
	Name       string
	Nodes      []NodeSpec
	ReplicaSet *ReplicaSet
	ConfigSvr  bool
}

// Tiers returns the topology's nodes grouped in dependency order:
// config servers, then each shard, then routers.
func (t *Topology) Tiers() []Tier {
	switch t.Kind {
	case KindStandalone:
		return []Tier{{Name: "standalone", Nodes: []NodeSpec{*t.Standalone}}}
	case KindReplicaSet:
		rs := *t.ReplicaSet
		return []Tier{{Name: "replset:" + rs.Name, Nodes: rs.Members, ReplicaSet: &rs}}
	case KindSharded:
		tiers := make([]Tier, 0, len(t.Sharded.Shards)+2)
		cfg := t.Sharded.ConfigServers
		tiers = append(tiers, Tier{Name: "config:" + cfg.Name, Nodes: cfg.Members, ReplicaSet: &cfg, ConfigSvr: true})
		for i := range t.Sharded.Shards {
			shard := t.Sharded.Shards[i]
			tiers = append(tiers, Tier{Name: "shard:" + shard.Name, Nodes: shard.Members, ReplicaSet: &shard})
		}
		tiers = append(tiers, Tier{Name: "routers", Nodes: t.Sharded.Routers})
		return tiers
	}
	return nil
}

// Nodes returns every node in start order
func (t *Topology) Nodes() []NodeSpec {
	var nodes []NodeSpec
	for _, tier := range t.Tiers() {
		nodes = append(nodes, tier.Nodes...)
	}
	return nodes
}

// ClientHosts returns the addresses a client should connect to: the router
// list for sharded clusters, every member otherwise.
func (t *Topology) ClientHosts() []string {
	switch t.Kind {
	case KindStandalone:
		return []string{t.Standalone.Address()}
	case KindReplicaSet:
		return t.ReplicaSet.Hosts()
	case KindSharded:
		hosts := make([]string, len(t.Sharded.Routers))
		for i, r := range t.Sharded.Routers {
			hosts[i] = r.Address()
		}
		return hosts
	}
	return nil
}

// GetNodeID returns a unique identifier for a node
func GetNodeID(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}

// ParseNodeID parses a node ID into host and port
func ParseNodeID(nodeID string) (string, int, error) {
	idx := strings.LastIndex(nodeID, ":")
	if idx <= 0 || idx == len(nodeID)-1 {
		return "", 0, fmt.Errorf("invalid node ID format: %s", nodeID)
	}

	port := 0
	if _, err := fmt.Sscanf(nodeID[idx+1:], "%d", &port); err != nil {
		return "", 0, fmt.Errorf("invalid port in node ID: %s", nodeID)
	}

	return nodeID[:idx], port, nil
}

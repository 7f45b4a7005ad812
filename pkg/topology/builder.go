package topology

import (
	"fmt"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/zph/phil/pkg/naming"
)

const (
	// DefaultSetName is the replica set name used when none is given
	DefaultSetName = "phil"

	// ConfigSetName is the config server replica set of generated sharded clusters
	ConfigSetName = "phil-config-server"

	// ShardSetPrefix prefixes generated shard replica set names
	ShardSetPrefix = "phil-replset-shard-"
)

// Builder generates local topologies: every node on one host, ports taken
// sequentially from the allocator and one fresh data directory per node.
// It does not create anything on disk.
type Builder struct {
	Host      string
	DataRoot  string
	Allocator *PortAllocator

	// NewDataDir names a node's data directory; defaults to
	// <DataRoot>/phil-mongodb-<uuid>
	NewDataDir func() string
}

// NewBuilder creates a builder starting at basePort
func NewBuilder(host, dataRoot string, basePort int) *Builder {
	if host == "" {
		host = DefaultHost
	}
	return &Builder{
		Host:      host,
		DataRoot:  dataRoot,
		Allocator: NewPortAllocator(basePort),
	}
}

func (b *Builder) dataDir() string {
	if b.NewDataDir != nil {
		return b.NewDataDir()
	}
	return filepath.Join(b.DataRoot, naming.GetDataDirName(uuid.NewString()))
}

func (b *Builder) node(withData bool) (NodeSpec, error) {
	port, err := b.Allocator.Next()
	if err != nil {
		return NodeSpec{}, err
	}
	n := NodeSpec{Host: b.Host, Port: port}
	if withData {
		n.DataDir = b.dataDir()
	}
	return n, nil
}

func (b *Builder) members(count int) ([]NodeSpec, error) {
	members := make([]NodeSpec, 0, count)
	for i := 0; i < count; i++ {
		n, err := b.node(true)
		if err != nil {
			return nil, err
		}
		members = append(members, n)
	}
	return members, nil
}

// Standalone builds a single server
func (b *Builder) Standalone() (*Topology, error) {
	n, err := b.node(true)
	if err != nil {
		return nil, err
	}
	return NewStandalone(n), nil
}

// ReplicaSet builds an n-member replica set
func (b *Builder) ReplicaSet(name string, nodes int) (*Topology, error) {
	if nodes < 1 {
		return nil, fmt.Errorf("replica set requires at least one node, got %d", nodes)
	}
	if name == "" {
		name = DefaultSetName
	}
	members, err := b.members(nodes)
	if err != nil {
		return nil, err
	}
	return NewReplicaSet(name, members), nil
}

// Sharded builds a sharded cluster. Routers take the first ports so the
// client URI starts at the base port, then the single config server, then
// each shard. nodesPerShard of 1 gives singleton shards.
func (b *Builder) Sharded(numShards, nodesPerShard, numRouters int) (*Topology, error) {
	if numShards < 1 {
		return nil, fmt.Errorf("sharded cluster requires at least one shard, got %d", numShards)
	}
	if nodesPerShard < 1 {
		return nil, fmt.Errorf("shards require at least one node, got %d", nodesPerShard)
	}
	if numRouters < 1 {
		return nil, fmt.Errorf("sharded cluster requires at least one router, got %d", numRouters)
	}

	routers := make([]NodeSpec, 0, numRouters)
	for i := 0; i < numRouters; i++ {
		n, err := b.node(false)
		if err != nil {
			return nil, err
		}
		routers = append(routers, n)
	}

	cfgMembers, err := b.members(1)
	if err != nil {
		return nil, err
	}

	shards := make([]ReplicaSet, 0, numShards)
	for i := 0; i < numShards; i++ {
		members, err := b.members(nodesPerShard)
		if err != nil {
			return nil, err
		}
		shards = append(shards, ReplicaSet{Name: fmt.Sprintf("%s%d", ShardSetPrefix, i), Members: members})
	}

	return NewSharded(ReplicaSet{Name: ConfigSetName, Members: cfgMembers}, shards, routers), nil
}

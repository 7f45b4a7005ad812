package simulation

import (
	"fmt"
	"strings"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	driver "go.mongodb.org/mongo-driver/mongo"

	"github.com/zph/phil/pkg/mongo"
	"github.com/zph/phil/pkg/topology"
)

// Server error codes the model replies with
const (
	codeNoReplicationEnabled = 76
	codeIncompatibleConfig   = 103
)

type replSet struct {
	name      string
	version   int32
	configsvr bool
	// members[0] is always primary
	members []string
}

// clusterScope holds users created through a router. They are stored on the
// config servers.
const clusterScope = "cluster"

type shard struct {
	id   string
	host string
}

// clusterModel is the simulated server-side state shared by every node
type clusterModel struct {
	mu       sync.Mutex
	sets     map[string]*replSet
	memberOf map[string]string
	shards   []shard
	// users are keyed scope/name, where scope is a set name, clusterScope
	// or the address of a node outside any set
	users    map[string]bool
	balancer bool
	dbs      map[string]bool
}

func newClusterModel() *clusterModel {
	return &clusterModel{
		sets:     make(map[string]*replSet),
		memberOf: make(map[string]string),
		users:    make(map[string]bool),
		dbs:      make(map[string]bool),
	}
}

type memberDoc struct {
	ID   int    `bson:"_id"`
	Host string `bson:"host"`
}

type configDoc struct {
	ID        string      `bson:"_id"`
	Version   int32       `bson:"version"`
	ConfigSvr bool        `bson:"configsvr"`
	Members   []memberDoc `bson:"members"`
}

func commandError(code int, format string, args ...interface{}) error {
	return driver.CommandError{Code: int32(code), Message: fmt.Sprintf(format, args...)}
}

func notFound(name string) error {
	return commandError(codeCommandNotFound, "no such command: '%s'", name)
}

func decodeConfig(v interface{}) (configDoc, error) {
	var cfg configDoc
	raw, err := bson.Marshal(v)
	if err != nil {
		return cfg, commandError(codeIncompatibleConfig, "invalid config: %v", err)
	}
	if err := bson.Unmarshal(raw, &cfg); err != nil {
		return cfg, commandError(codeIncompatibleConfig, "invalid config: %v", err)
	}
	return cfg, nil
}

func (s *Simulator) handle(addr, user, name string, cmd bson.D) (bson.M, error) {
	role, _ := s.role(addr)
	router := role == topology.RoleRouter

	m := s.model
	m.mu.Lock()
	defer m.mu.Unlock()

	if name != "ping" && name != "buildInfo" {
		if user != "" && !m.hasUser(addr, router, user) && !s.config.userExists(user) {
			return nil, commandError(mongo.CodeAuthenticationFailed, "Authentication failed.")
		}
		// The localhost exception closes once the node's scope has a user
		if user == "" && m.requiresAuth(addr, router) {
			return nil, commandError(mongo.CodeUnauthorized, "command %s requires authentication", name)
		}
	}

	switch name {
	case "ping":
		return bson.M{"ok": 1.0}, nil

	case "buildInfo":
		return bson.M{"version": s.config.ServerVersion, "ok": 1.0}, nil

	case "replSetInitiate":
		if router {
			return nil, notFound(name)
		}
		return m.initiate(addr, cmd[0].Value)

	case "replSetGetStatus":
		if router {
			return nil, notFound(name)
		}
		return m.status(addr)

	case "replSetGetConfig":
		if router {
			return nil, notFound(name)
		}
		return m.getConfig(addr)

	case "replSetReconfig":
		if router {
			return nil, notFound(name)
		}
		return m.reconfig(addr, cmd[0].Value)

	case "listShards", "addShard", "balancerStart", "enableSharding":
		if !router {
			return nil, notFound(name)
		}
		return m.sharding(name, cmd)

	case "createUser":
		username, _ := cmd[0].Value.(string)
		key := m.scope(addr, router) + "/" + username
		if m.users[key] || s.config.userExists(username) {
			return nil, commandError(mongo.CodeUserAlreadyExists, "User \"%s@admin\" already exists", username)
		}
		m.users[key] = true
		return bson.M{"ok": 1.0}, nil
	}

	return nil, notFound(name)
}

func (m *clusterModel) scope(addr string, router bool) string {
	if router {
		return clusterScope
	}
	if set, ok := m.memberOf[addr]; ok {
		return set
	}
	return addr
}

// scopes returns where users that can log in to addr live. Config servers
// also accept users created through a router.
func (m *clusterModel) scopes(addr string, router bool) []string {
	scope := m.scope(addr, router)
	if rs, ok := m.sets[scope]; ok && rs.configsvr {
		return []string{scope, clusterScope}
	}
	return []string{scope}
}

func (m *clusterModel) requiresAuth(addr string, router bool) bool {
	for _, scope := range m.scopes(addr, router) {
		for key := range m.users {
			if strings.HasPrefix(key, scope+"/") {
				return true
			}
		}
	}
	return false
}

func (m *clusterModel) hasUser(addr string, router bool, user string) bool {
	for _, scope := range m.scopes(addr, router) {
		if m.users[scope+"/"+user] {
			return true
		}
	}
	return false
}

func (m *clusterModel) initiate(addr string, value interface{}) (bson.M, error) {
	if set, ok := m.memberOf[addr]; ok {
		return nil, commandError(mongo.CodeAlreadyInitialized, "already initialized (member of %s)", set)
	}

	cfg, err := decodeConfig(value)
	if err != nil {
		return nil, err
	}
	if cfg.ID == "" || len(cfg.Members) == 0 {
		return nil, commandError(codeIncompatibleConfig, "config needs _id and members")
	}
	if cfg.Members[0].Host != addr {
		return nil, commandError(codeIncompatibleConfig, "no config member matches %s", addr)
	}

	rs := &replSet{name: cfg.ID, version: 1, configsvr: cfg.ConfigSvr}
	for _, member := range cfg.Members {
		rs.members = append(rs.members, member.Host)
		m.memberOf[member.Host] = cfg.ID
	}
	m.sets[cfg.ID] = rs
	return bson.M{"ok": 1.0}, nil
}

func (m *clusterModel) set(addr string) (*replSet, error) {
	name, ok := m.memberOf[addr]
	if !ok {
		return nil, commandError(mongo.CodeNotYetInitialized, "no replset config has been received")
	}
	return m.sets[name], nil
}

func (m *clusterModel) status(addr string) (bson.M, error) {
	rs, err := m.set(addr)
	if err != nil {
		return nil, err
	}

	members := bson.A{}
	myState := int32(2)
	for i, host := range rs.members {
		state, stateStr := int32(2), "SECONDARY"
		if i == 0 {
			state, stateStr = 1, "PRIMARY"
		}
		if host == addr {
			myState = state
		}
		members = append(members, bson.M{"_id": int32(i), "name": host, "state": state, "stateStr": stateStr})
	}

	return bson.M{"set": rs.name, "myState": myState, "members": members, "ok": 1.0}, nil
}

func (m *clusterModel) getConfig(addr string) (bson.M, error) {
	rs, err := m.set(addr)
	if err != nil {
		return nil, err
	}

	members := bson.A{}
	for i, host := range rs.members {
		members = append(members, bson.M{"_id": int32(i), "host": host, "priority": 1.0, "votes": int32(1)})
	}

	cfg := bson.M{
		"_id":             rs.name,
		"version":         rs.version,
		"term":            int64(1),
		"protocolVersion": int64(1),
		"members":         members,
	}
	if rs.configsvr {
		cfg["configsvr"] = true
	}
	return bson.M{"config": cfg, "ok": 1.0}, nil
}

func (m *clusterModel) reconfig(addr string, value interface{}) (bson.M, error) {
	rs, err := m.set(addr)
	if err != nil {
		return nil, err
	}
	if rs.members[0] != addr {
		return nil, commandError(mongo.CodeNotWritablePrimary, "not primary")
	}

	cfg, err := decodeConfig(value)
	if err != nil {
		return nil, err
	}
	if cfg.ID != rs.name {
		return nil, commandError(codeIncompatibleConfig, "set name %s does not match %s", cfg.ID, rs.name)
	}
	if cfg.Version != rs.version+1 {
		return nil, commandError(codeIncompatibleConfig, "version %d must be %d", cfg.Version, rs.version+1)
	}

	seen := make(map[int]bool)
	hosts := make([]string, 0, len(cfg.Members))
	for _, member := range cfg.Members {
		if seen[member.ID] {
			return nil, commandError(codeIncompatibleConfig, "duplicate member _id %d", member.ID)
		}
		seen[member.ID] = true
		hosts = append(hosts, member.Host)
	}
	if len(hosts) == 0 || hosts[0] != rs.members[0] {
		return nil, commandError(codeIncompatibleConfig, "primary %s must stay in the config", rs.members[0])
	}

	for _, host := range rs.members {
		delete(m.memberOf, host)
	}
	for _, host := range hosts {
		m.memberOf[host] = rs.name
	}
	rs.members = hosts
	rs.version = cfg.Version
	return bson.M{"ok": 1.0}, nil
}

func (m *clusterModel) sharding(name string, cmd bson.D) (bson.M, error) {
	switch name {
	case "listShards":
		shards := bson.A{}
		for _, sh := range m.shards {
			shards = append(shards, bson.M{"_id": sh.id, "host": sh.host, "state": int32(1)})
		}
		return bson.M{"shards": shards, "ok": 1.0}, nil

	case "addShard":
		host, _ := cmd[0].Value.(string)
		id := ""
		for _, e := range cmd[1:] {
			if e.Key == "name" {
				id, _ = e.Value.(string)
			}
		}
		setName, _, found := strings.Cut(host, "/")
		if !found {
			return nil, commandError(codeIncompatibleConfig, "shard host %q is not a replica set connection string", host)
		}
		if _, ok := m.sets[setName]; !ok {
			return nil, commandError(codeNoReplicationEnabled, "could not find host matching read preference for set %s", setName)
		}
		if id == "" {
			id = setName
		}
		for _, sh := range m.shards {
			if sh.id == id {
				return bson.M{"shardAdded": id, "ok": 1.0}, nil
			}
		}
		m.shards = append(m.shards, shard{id: id, host: host})
		return bson.M{"shardAdded": id, "ok": 1.0}, nil

	case "balancerStart":
		m.balancer = true
		return bson.M{"ok": 1.0}, nil

	case "enableSharding":
		db, _ := cmd[0].Value.(string)
		if m.dbs[db] {
			return nil, commandError(mongo.CodeAlreadyInitialized, "sharding already enabled for database %s", db)
		}
		m.dbs[db] = true
		return bson.M{"ok": 1.0}, nil
	}
	return nil, notFound(name)
}

// Shards returns the ids of shards added so far
func (s *Simulator) Shards() []string {
	s.model.mu.Lock()
	defer s.model.mu.Unlock()
	ids := make([]string, len(s.model.shards))
	for i, sh := range s.model.shards {
		ids[i] = sh.id
	}
	return ids
}

// ReplicaSetMembers returns the members of a simulated replica set in config order
func (s *Simulator) ReplicaSetMembers(name string) []string {
	s.model.mu.Lock()
	defer s.model.mu.Unlock()
	rs, ok := s.model.sets[name]
	if !ok {
		return nil
	}
	return append([]string(nil), rs.members...)
}

// ElectPrimary hands the primary of host's replica set to host, as if the
// old primary had stepped down
func (s *Simulator) ElectPrimary(host string) error {
	s.model.mu.Lock()
	defer s.model.mu.Unlock()

	rs, err := s.model.set(host)
	if err != nil {
		return err
	}
	members := []string{host}
	for _, m := range rs.members {
		if m != host {
			members = append(members, m)
		}
	}
	rs.members = members
	return nil
}

// BalancerRunning reports whether balancerStart was received
func (s *Simulator) BalancerRunning() bool {
	s.model.mu.Lock()
	defer s.model.mu.Unlock()
	return s.model.balancer
}

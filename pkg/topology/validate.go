package topology

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks the topology's invariants. It never touches the network or
// the filesystem.
func (t *Topology) Validate() error {
	if t == nil {
		return errors.New("topology is nil")
	}

	switch t.Kind {
	case KindStandalone:
		if t.Standalone == nil || t.ReplicaSet != nil || t.Sharded != nil {
			return fmt.Errorf("standalone topology must set only the standalone node")
		}
		if err := validateStruct(t.Standalone); err != nil {
			return fmt.Errorf("standalone node: %w", err)
		}
		if t.Standalone.Role != RoleStandalone {
			return fmt.Errorf("standalone node has role %q", t.Standalone.Role)
		}
	case KindReplicaSet:
		if t.ReplicaSet == nil || t.Standalone != nil || t.Sharded != nil {
			return fmt.Errorf("replica set topology must set only the replica set")
		}
		if err := validateReplicaSet(*t.ReplicaSet, RoleMember); err != nil {
			return err
		}
	case KindSharded:
		if t.Sharded == nil || t.Standalone != nil || t.ReplicaSet != nil {
			return fmt.Errorf("sharded topology must set only the sharded layout")
		}
		if err := t.validateSharded(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown topology kind %q", t.Kind)
	}

	return validateUnique(t.Nodes())
}

func (t *Topology) validateSharded() error {
	s := t.Sharded
	if len(s.ConfigServers.Members) == 0 {
		return fmt.Errorf("sharded topology requires at least one config server")
	}
	if len(s.Shards) == 0 {
		return fmt.Errorf("sharded topology requires at least one shard")
	}
	if len(s.Routers) == 0 {
		return fmt.Errorf("sharded topology requires at least one router")
	}
	if err := validateStruct(s); err != nil {
		return err
	}

	if err := validateReplicaSet(s.ConfigServers, RoleConfig); err != nil {
		return fmt.Errorf("config servers: %w", err)
	}

	names := map[string]bool{s.ConfigServers.Name: true}
	for _, shard := range s.Shards {
		if names[shard.Name] {
			return fmt.Errorf("duplicate replica set name %q", shard.Name)
		}
		names[shard.Name] = true
		if err := validateReplicaSet(shard, RoleShard); err != nil {
			return fmt.Errorf("shard %s: %w", shard.Name, err)
		}
	}

	for _, r := range s.Routers {
		if r.Role != RoleRouter {
			return fmt.Errorf("router %s has role %q", r.Address(), r.Role)
		}
		if r.ConfigDB == "" {
			return fmt.Errorf("router %s has no config server connection string", r.Address())
		}
	}

	return nil
}

func validateReplicaSet(rs ReplicaSet, role Role) error {
	if len(rs.Members) == 0 {
		return fmt.Errorf("replica set %q requires at least one member", rs.Name)
	}
	if err := validateStruct(rs); err != nil {
		return fmt.Errorf("replica set %q: %w", rs.Name, err)
	}
	for _, m := range rs.Members {
		if m.Role != role {
			return fmt.Errorf("member %s of %s has role %q, want %q", m.Address(), rs.Name, m.Role, role)
		}
		if m.ReplicaSet != rs.Name {
			return fmt.Errorf("member %s is tagged with replica set %q, want %q", m.Address(), m.ReplicaSet, rs.Name)
		}
	}
	return nil
}

func validateUnique(nodes []NodeSpec) error {
	addrs := make(map[string]bool, len(nodes))
	dirs := make(map[string]string, len(nodes))
	for _, n := range nodes {
		if addrs[n.Address()] {
			return fmt.Errorf("duplicate port %d on host %s", n.Port, n.Host)
		}
		addrs[n.Address()] = true

		if n.DataDir == "" {
			continue
		}
		if other, ok := dirs[n.DataDir]; ok {
			return fmt.Errorf("nodes %s and %s share data directory %s", other, n.Address(), n.DataDir)
		}
		dirs[n.DataDir] = n.Address()
	}
	return nil
}

// validateStruct runs the struct tags and flattens the result into one error
func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
	}
	return errors.New(strings.Join(msgs, "; "))
}

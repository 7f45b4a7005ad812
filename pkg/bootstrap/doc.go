package bootstrap

import (
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/zph/phil/pkg/topology"
)

// remarshal converts a reply value into out by round-tripping through BSON,
// which copes with nested documents arriving as either bson.M or bson.D
func remarshal(in, out interface{}) error {
	data, err := bson.Marshal(in)
	if err != nil {
		return err
	}
	return bson.Unmarshal(data, out)
}

type rsMember struct {
	ID   int    `bson:"_id"`
	Host string `bson:"host"`
}

// rsConfig is a replica set config as returned by replSetGetConfig. raw
// keeps every field so a reconfig sends back what it did not change.
type rsConfig struct {
	raw     bson.M
	version int64
	members []rsMember
}

func configFromReply(reply bson.M) (*rsConfig, error) {
	v, ok := reply["config"]
	if !ok {
		return nil, errors.New("replSetGetConfig reply has no config")
	}

	var raw bson.M
	if err := remarshal(v, &raw); err != nil {
		return nil, fmt.Errorf("decoding replica set config: %w", err)
	}

	var typed struct {
		Version int64      `bson:"version"`
		Members []rsMember `bson:"members"`
	}
	if err := remarshal(v, &typed); err != nil {
		return nil, fmt.Errorf("decoding replica set config: %w", err)
	}

	return &rsConfig{raw: raw, version: typed.Version, members: typed.Members}, nil
}

func (c *rsConfig) hasHost(host string) bool {
	for _, m := range c.members {
		if m.Host == host {
			return true
		}
	}
	return false
}

// withMember returns the next config: host appended with the next free _id,
// version bumped and term dropped
func (c *rsConfig) withMember(host string) bson.M {
	next := make(bson.M, len(c.raw))
	for k, v := range c.raw {
		next[k] = v
	}

	maxID := -1
	for _, m := range c.members {
		if m.ID > maxID {
			maxID = m.ID
		}
	}

	members := make(bson.A, 0, len(c.members)+1)
	if existing, ok := c.raw["members"].(bson.A); ok {
		members = append(members, existing...)
	} else {
		for _, m := range c.members {
			members = append(members, bson.M{"_id": m.ID, "host": m.Host})
		}
	}
	members = append(members, bson.M{"_id": maxID + 1, "host": host})

	next["members"] = members
	next["version"] = c.version + 1
	delete(next, "term")
	return next
}

// primaryFromStatus returns the address of the PRIMARY in a replSetGetStatus reply
func primaryFromStatus(reply bson.M) (string, bool) {
	var status struct {
		Members []struct {
			Name     string `bson:"name"`
			StateStr string `bson:"stateStr"`
		} `bson:"members"`
	}
	if err := remarshal(reply, &status); err != nil {
		return "", false
	}
	for _, m := range status.Members {
		if m.StateStr == "PRIMARY" {
			return m.Name, true
		}
	}
	return "", false
}

// shardsFromReply returns the shard ids and replica set names in a listShards reply
func shardsFromReply(reply bson.M) (map[string]bool, error) {
	var list struct {
		Shards []struct {
			ID   string `bson:"_id"`
			Host string `bson:"host"`
		} `bson:"shards"`
	}
	if err := remarshal(reply, &list); err != nil {
		return nil, fmt.Errorf("decoding listShards reply: %w", err)
	}

	known := make(map[string]bool)
	for _, sh := range list.Shards {
		known[sh.ID] = true
		if setName, _, ok := cutSetName(sh.Host); ok {
			known[setName] = true
		}
	}
	return known, nil
}

func cutSetName(connString string) (string, string, bool) {
	for i := 0; i < len(connString); i++ {
		if connString[i] == '/' {
			return connString[:i], connString[i+1:], true
		}
	}
	return "", connString, false
}

// memberFor maps an address reported by the server back to a member spec
func memberFor(rs topology.ReplicaSet, addr string) topology.NodeSpec {
	for _, m := range rs.Members {
		if m.Address() == addr {
			return m
		}
	}
	host, port, err := topology.ParseNodeID(addr)
	if err != nil {
		return rs.Members[0]
	}
	return topology.NodeSpec{Host: host, Port: port, Role: rs.Members[0].Role, ReplicaSet: rs.Name}
}

package mongo

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-version"
	"go.mongodb.org/mongo-driver/bson"
)

// implicitShardingVersion is the first release where databases no longer
// need enableSharding before collections are sharded.
var implicitShardingVersion = version.Must(version.NewVersion("6.0"))

// ParseVersion parses a server version such as "7.0.14" or "4.4.29-rc0"
func ParseVersion(v string) (*version.Version, error) {
	parsed, err := version.NewVersion(v)
	if err != nil {
		return nil, fmt.Errorf("invalid MongoDB version %q: %w", v, err)
	}
	return parsed, nil
}

// ServerVersion asks a node for its version with buildInfo
func ServerVersion(ctx context.Context, conn Conn) (*version.Version, error) {
	result, err := conn.RunAdminCommand(ctx, bson.D{{Key: "buildInfo", Value: 1}})
	if err != nil {
		return nil, fmt.Errorf("buildInfo failed: %w", err)
	}

	v, ok := result["version"].(string)
	if !ok {
		return nil, fmt.Errorf("buildInfo reply has no version")
	}
	return ParseVersion(v)
}

// NeedsEnableSharding reports whether databases must be explicitly enabled
// for sharding on a server of version v
func NeedsEnableSharding(v *version.Version) bool {
	return v.Core().LessThan(implicitShardingVersion)
}

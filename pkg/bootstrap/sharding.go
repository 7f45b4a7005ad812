package bootstrap

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-version"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/zph/phil/pkg/logger"
	"github.com/zph/phil/pkg/mongo"
	"github.com/zph/phil/pkg/topology"
)

// configureSharding adds every shard through the first router, then starts
// the balancer and enables sharding on databases as requested
func (b *Bootstrapper) configureSharding(ctx context.Context, sh *topology.Sharded) error {
	router := sh.Routers[0]

	if b.opts.Credential != nil {
		if err := b.createUser(ctx, router, sh.Routers); err != nil {
			return err
		}
	}

	existing, err := b.listShards(ctx, router)
	if err != nil {
		return err
	}

	for _, shard := range sh.Shards {
		if existing[shard.Name] {
			b.recordStep("addShard", shard.Name, Skipped, "already in listShards")
			continue
		}

		logger.Info("adding shard %s", shard.ConnectionString())
		cmd := bson.D{
			{Key: "addShard", Value: shard.ConnectionString()},
			{Key: "name", Value: shard.Name},
		}
		if _, _, err := b.runStep(ctx, "addShard", shard.Name, router, cmd); err != nil {
			return err
		}
	}

	if b.opts.EnableBalancer {
		if _, _, err := b.runStep(ctx, "balancerStart", router.Address(), router, bson.D{{Key: "balancerStart", Value: 1}}); err != nil {
			return err
		}
	}

	if len(b.opts.ShardedDatabases) > 0 {
		if err := b.enableSharding(ctx, router); err != nil {
			return err
		}
	}

	for _, r := range sh.Routers {
		b.state.markConfigured(r.Address())
	}
	return nil
}

func (b *Bootstrapper) listShards(ctx context.Context, router topology.NodeSpec) (map[string]bool, error) {
	reply, _, err := b.runStep(ctx, "listShards", router.Address(), router, bson.D{{Key: "listShards", Value: 1}})
	if err != nil {
		return nil, err
	}

	known, err := shardsFromReply(reply)
	if err != nil {
		return nil, &Error{Kind: ConfigCommandFailure, Node: router.Address(), Step: "listShards", Err: err}
	}
	return known, nil
}

func (b *Bootstrapper) enableSharding(ctx context.Context, router topology.NodeSpec) error {
	v, err := b.serverVersion(ctx, router)
	if err != nil {
		return err
	}

	for _, db := range b.opts.ShardedDatabases {
		if !mongo.NeedsEnableSharding(v) {
			b.recordStep("enableSharding", db, Skipped, fmt.Sprintf("implicit on MongoDB %s", v))
			continue
		}
		if _, _, err := b.runStep(ctx, "enableSharding", db, router, bson.D{{Key: "enableSharding", Value: db}}); err != nil {
			return err
		}
	}
	return nil
}

// serverVersion returns Options.MongoVersion or asks the node
func (b *Bootstrapper) serverVersion(ctx context.Context, node topology.NodeSpec) (*version.Version, error) {
	if b.opts.MongoVersion != "" {
		return mongo.ParseVersion(b.opts.MongoVersion)
	}

	var v *version.Version
	_, err := b.retry(ctx, b.opts.Retry, "command", func() error {
		conn, err := b.dialerFor(node).Connect(ctx, node.Host, node.Port)
		if err != nil {
			return retryable(err)
		}
		defer conn.Close(context.WithoutCancel(ctx))

		v, err = mongo.ServerVersion(ctx, conn)
		if err != nil {
			return retryable(err)
		}
		return nil
	})
	if err != nil {
		b.recordStep("buildInfo", node.Address(), Failed, err.Error())
		return nil, &Error{Kind: ConfigCommandFailure, Node: node.Address(), Step: "buildInfo", Err: err}
	}
	return v, nil
}

// createUser creates the root user on node through the localhost exception.
// Commands to the nodes of scope authenticate as that user afterwards.
func (b *Bootstrapper) createUser(ctx context.Context, node topology.NodeSpec, scope []topology.NodeSpec) error {
	cred := b.opts.Credential
	cmd := bson.D{
		{Key: "createUser", Value: cred.Username},
		{Key: "pwd", Value: cred.Password},
		{Key: "roles", Value: bson.A{bson.M{"role": "root", "db": "admin"}}},
	}
	if _, _, err := b.runStep(ctx, "createUser", node.Address(), node, cmd); err != nil {
		return err
	}

	b.authenticate(scope...)
	return nil
}

package bootstrap

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/zph/phil/pkg/logger"
	"github.com/zph/phil/pkg/mongo"
	"github.com/zph/phil/pkg/topology"
)

// configureReplicaSet initiates rs on its first member, waits for a primary,
// then adds the remaining members one at a time in listed order
func (b *Bootstrapper) configureReplicaSet(ctx context.Context, rs topology.ReplicaSet, configSvr bool) error {
	first := rs.Members[0]
	logger.Info("initiating replica set %s on %s", rs.Name, first.Address())

	cfg := bson.M{
		"_id":     rs.Name,
		"members": bson.A{bson.M{"_id": 0, "host": first.Address()}},
	}
	if configSvr {
		cfg["configsvr"] = true
	}

	if _, _, err := b.runStep(ctx, "replSetInitiate", rs.Name, first, bson.D{{Key: "replSetInitiate", Value: cfg}}); err != nil {
		return err
	}

	primary, err := b.waitPrimary(ctx, rs)
	if err != nil {
		return err
	}

	for _, member := range rs.Members[1:] {
		if primary, err = b.addMember(ctx, rs, primary, member); err != nil {
			return err
		}
	}

	if len(rs.Members) > 1 {
		if primary, err = b.waitPrimary(ctx, rs); err != nil {
			return err
		}
	}

	b.mu.Lock()
	b.primaries[rs.Name] = primary
	b.mu.Unlock()

	b.state.markConfigured(rs.Hosts()...)
	logger.Info("replica set %s ready, primary %s", rs.Name, primary.Address())
	return nil
}

// addMember adds member through the primary unless the config already has it.
// Each attempt re-reads the config, so a reconfig whose reply was lost is
// detected as already applied. If the primary steps down in between, the new
// one is looked up before the next attempt. It returns the primary in use.
func (b *Bootstrapper) addMember(ctx context.Context, rs topology.ReplicaSet, primary, member topology.NodeSpec) (topology.NodeSpec, error) {
	host := member.Address()
	added := false

	// reelect finds the current primary after a not-primary reply
	reelect := func(cause error) error {
		if !mongo.IsNotPrimary(cause) {
			return retryable(cause)
		}
		logger.WithNode(primary.Address()).Infof("no longer primary of %s, looking up the new one", rs.Name)
		next, err := b.waitPrimary(ctx, rs)
		if err != nil {
			return backoff.Permanent(err)
		}
		primary = next
		return cause
	}

	_, err := b.retry(ctx, b.opts.Retry, "command", func() error {
		reply, err := b.command(ctx, primary, bson.D{{Key: "replSetGetConfig", Value: 1}})
		if err != nil {
			return reelect(err)
		}

		cfg, err := configFromReply(reply)
		if err != nil {
			return backoff.Permanent(err)
		}
		if cfg.hasHost(host) {
			added = false
			return nil
		}

		next := cfg.withMember(host)
		if _, err := b.command(ctx, primary, bson.D{{Key: "replSetReconfig", Value: next}}); err != nil {
			return reelect(err)
		}
		added = true
		return nil
	})
	if err != nil {
		b.recordStep("addMember", host, Failed, err.Error())
		return primary, &Error{
			Kind: ConfigCommandFailure,
			Node: primary.Address(),
			Step: "addMember",
			Err:  fmt.Errorf("adding %s to %s: %w", host, rs.Name, err),
		}
	}

	if added {
		logger.WithNode(host).Infof("added to %s", rs.Name)
		b.recordStep("addMember", host, Applied, "")
	} else {
		b.recordStep("addMember", host, Skipped, "already a member")
	}
	return primary, nil
}

// waitPrimary polls replSetGetStatus until some member reports a PRIMARY.
// Members are asked in order; the first one that answers decides the attempt.
func (b *Bootstrapper) waitPrimary(ctx context.Context, rs topology.ReplicaSet) (topology.NodeSpec, error) {
	var primary topology.NodeSpec

	attempts, err := b.retry(ctx, b.opts.PrimaryWait, "primary", func() error {
		var lastErr error
		for _, m := range rs.Members {
			reply, err := b.command(ctx, m, bson.D{{Key: "replSetGetStatus", Value: 1}})
			if err != nil {
				if !mongo.IsTransient(err) {
					return backoff.Permanent(err)
				}
				lastErr = err
				continue
			}

			addr, ok := primaryFromStatus(reply)
			if !ok {
				return errNoPrimary
			}
			primary = memberFor(rs, addr)
			return nil
		}
		return lastErr
	})
	if err != nil {
		b.recordStep("waitPrimary", rs.Name, Failed, err.Error())
		return topology.NodeSpec{}, &Error{
			Kind: ConfigCommandFailure,
			Node: rs.Members[0].Address(),
			Step: "waitPrimary",
			Err:  fmt.Errorf("%s has no primary after %d attempts: %w", rs.Name, attempts, err),
		}
	}

	b.recordStep("waitPrimary", rs.Name, Applied, primary.Address())
	return primary, nil
}

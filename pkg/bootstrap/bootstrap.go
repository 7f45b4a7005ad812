// Package bootstrap brings a topology from nothing to a converged cluster.
//
// Nodes are started tier by tier: config servers, then each shard replica
// set, then routers. Nodes within a tier start concurrently and the tier is
// joined before anything that depends on it runs. Once a replica set's
// members are reachable the set is initiated on its first member and the
// remaining members are added one reconfig at a time. Sharded clusters then
// get their shards added through the first router.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/sync/errgroup"

	"github.com/zph/phil/pkg/logger"
	"github.com/zph/phil/pkg/mongo"
	"github.com/zph/phil/pkg/process"
	"github.com/zph/phil/pkg/topology"
)

const stopTimeout = time.Minute

// Bootstrapper owns the handles of the processes it starts
type Bootstrapper struct {
	procs   process.Manager
	dialer  mongo.Dialer
	opts    Options
	metrics *metrics

	state *ClusterState

	mu        sync.Mutex
	handles   []process.Handle
	adopted   map[string]bool
	primaries map[string]topology.NodeSpec
	// authed dials the nodes in authNodes: routers once the root user
	// exists, and any node that refused an unauthenticated command
	authed    mongo.Dialer
	authNodes map[string]bool
}

// New creates a bootstrapper
func New(procs process.Manager, dialer mongo.Dialer, opts Options) *Bootstrapper {
	return &Bootstrapper{
		procs:   procs,
		dialer:  dialer,
		opts:    opts.withDefaults(),
		metrics: newMetrics(opts.Metrics),
	}
}

// Handles returns the processes started by the last run, in start order.
// Adopted nodes are not included.
func (b *Bootstrapper) Handles() []process.Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]process.Handle(nil), b.handles...)
}

// Bootstrap starts and configures every node of topo. On failure the
// returned error is an *Error carrying the state reached so far.
func (b *Bootstrapper) Bootstrap(ctx context.Context, topo *topology.Topology) (*ClusterState, error) {
	if err := b.opts.Validate(); err != nil {
		return nil, &Error{Kind: TopologyInvalid, Step: "validate", Err: err}
	}
	if topo == nil {
		return nil, &Error{Kind: TopologyInvalid, Step: "validate", Err: errors.New("no topology given")}
	}
	if err := topo.Validate(); err != nil {
		return nil, &Error{Kind: TopologyInvalid, Step: "validate", Err: err}
	}

	b.mu.Lock()
	b.handles = nil
	b.adopted = make(map[string]bool)
	b.primaries = make(map[string]topology.NodeSpec)
	b.authed = nil
	b.authNodes = make(map[string]bool)
	b.mu.Unlock()

	b.state = NewClusterState(topo)
	logger.Info("bootstrapping %s topology (run %s)", topo.Kind, b.state.RunID())
	b.metrics.nodes.WithLabelValues("desired").Set(float64(len(topo.Nodes())))

	for _, tier := range topo.Tiers() {
		if err := b.runTier(ctx, tier); err != nil {
			return nil, b.fail(ctx, err)
		}
	}

	var err error
	switch topo.Kind {
	case topology.KindSharded:
		err = b.configureSharding(ctx, topo.Sharded)
	case topology.KindReplicaSet:
		if b.opts.Credential != nil {
			err = b.createUser(ctx, b.primary(topo.ReplicaSet.Name), topo.ReplicaSet.Members)
		}
	case topology.KindStandalone:
		if b.opts.Credential != nil {
			err = b.createUser(ctx, *topo.Standalone, []topology.NodeSpec{*topo.Standalone})
		}
	}
	if err != nil {
		return nil, b.fail(ctx, err)
	}

	logger.Info("cluster converged: %d nodes", len(topo.Nodes()))
	return b.state, nil
}

func (b *Bootstrapper) runTier(ctx context.Context, tier topology.Tier) error {
	timer := prometheus.NewTimer(b.metrics.tierDuration.WithLabelValues(tier.Name))
	defer timer.ObserveDuration()

	logger.Info("starting %s (%d nodes)", tier.Name, len(tier.Nodes))

	g, gctx := errgroup.WithContext(ctx)
	for _, node := range tier.Nodes {
		g.Go(func() error {
			h, err := b.startNode(gctx, node)
			if err != nil {
				return err
			}
			return b.waitReachable(gctx, h)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if tier.ReplicaSet != nil {
		return b.configureReplicaSet(ctx, *tier.ReplicaSet, tier.ConfigSvr)
	}

	for _, node := range tier.Nodes {
		if node.Role == topology.RoleStandalone {
			b.state.markConfigured(node.Address())
		}
	}
	return nil
}

func (b *Bootstrapper) startNode(ctx context.Context, spec topology.NodeSpec) (process.Handle, error) {
	addr := spec.Address()
	log := logger.WithNode(addr)

	if b.opts.AdoptRunning && b.ping(ctx, spec) == nil {
		log.Info("already running, adopting")
		b.mu.Lock()
		b.adopted[addr] = true
		b.mu.Unlock()
		b.state.markStarted(addr, 0, true)
		b.recordStep("start", addr, Skipped, "already running")
		return process.Handle{Spec: spec, Program: process.ProgramName(spec)}, nil
	}

	h, err := b.procs.Start(ctx, spec)
	if err != nil {
		b.recordStep("start", addr, Failed, err.Error())
		return process.Handle{}, &Error{Kind: ProcessStartFailure, Node: addr, Step: "start", Err: err}
	}

	b.mu.Lock()
	b.handles = append(b.handles, h)
	b.mu.Unlock()

	b.state.markStarted(addr, h.PID, false)
	b.metrics.nodes.WithLabelValues("started").Inc()
	b.recordStep("start", addr, Applied, "")
	log.Debugf("started %s with pid %d", h.Program, h.PID)
	return h, nil
}

func (b *Bootstrapper) waitReachable(ctx context.Context, h process.Handle) error {
	addr := h.Spec.Address()

	b.mu.Lock()
	adopted := b.adopted[addr]
	b.mu.Unlock()

	attempts, err := b.retry(ctx, b.opts.Retry, "reachability", func() error {
		if !adopted && !b.procs.IsAlive(h) {
			return backoff.Permanent(errProcessExited)
		}
		return b.ping(ctx, h.Spec)
	})
	if err != nil {
		b.recordStep("reachable", addr, Failed, err.Error())
		return &Error{
			Kind: NodeUnreachable,
			Node: addr,
			Step: "reachable",
			Err:  fmt.Errorf("gave up after %d attempts: %w", attempts, err),
		}
	}

	b.state.markReachable(addr)
	b.metrics.nodes.WithLabelValues("reachable").Inc()
	b.recordStep("reachable", addr, Applied, "")
	logger.WithNode(addr).Debugf("reachable after %d attempts", attempts)
	return nil
}

// retry runs op under policy until it succeeds, returns a permanent error,
// runs out of attempts or ctx is done. It returns the number of attempts made.
func (b *Bootstrapper) retry(ctx context.Context, policy RetryPolicy, kind string, op func() error) (int, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = policy.InitialInterval
	eb.MaxInterval = policy.MaxInterval
	eb.MaxElapsedTime = 0

	bo := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(policy.MaxAttempts-1)), ctx)

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		b.metrics.attempts.WithLabelValues(kind).Inc()
		return op()
	}, bo)
	return attempts, err
}

// retryable keeps transient errors retryable and stops on everything else
func retryable(err error) error {
	if mongo.IsTransient(err) {
		return err
	}
	return backoff.Permanent(err)
}

func (b *Bootstrapper) dialerFor(node topology.NodeSpec) mongo.Dialer {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.authed != nil && b.authNodes[node.Address()] {
		return b.authed
	}
	return b.dialer
}

// authenticate switches nodes to connections that log in with
// Options.Credential. It reports whether any node switched; false means
// there is no credential or every node already uses it.
func (b *Bootstrapper) authenticate(nodes ...topology.NodeSpec) bool {
	cd, ok := b.dialer.(mongo.CredentialDialer)
	if !ok || b.opts.Credential == nil {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.authed == nil {
		b.authed = cd.WithCredential(*b.opts.Credential)
	}

	switched := false
	for _, n := range nodes {
		if !b.authNodes[n.Address()] {
			b.authNodes[n.Address()] = true
			switched = true
		}
	}
	return switched
}

// command runs one admin command on a fresh connection. A node that already
// has users refuses unauthenticated commands; those are repeated once with
// the credential and the node keeps using it.
func (b *Bootstrapper) command(ctx context.Context, node topology.NodeSpec, cmd bson.D) (bson.M, error) {
	reply, err := b.commandVia(ctx, b.dialerFor(node), node, cmd)
	if mongo.IsUnauthorized(err) && b.authenticate(node) {
		logger.WithNode(node.Address()).Debugf("%s needs authentication, retrying as %s", mongo.CommandName(cmd), b.opts.Credential.Username)
		return b.commandVia(ctx, b.dialerFor(node), node, cmd)
	}
	return reply, err
}

func (b *Bootstrapper) commandVia(ctx context.Context, dialer mongo.Dialer, node topology.NodeSpec, cmd bson.D) (bson.M, error) {
	conn, err := dialer.Connect(ctx, node.Host, node.Port)
	if err != nil {
		return nil, err
	}
	defer conn.Close(context.WithoutCancel(ctx))

	return conn.RunAdminCommand(ctx, cmd)
}

func (b *Bootstrapper) ping(ctx context.Context, node topology.NodeSpec) error {
	_, err := b.command(ctx, node, bson.D{{Key: "ping", Value: 1}})
	return err
}

// runStep runs a configuration command with transient retries and records
// its outcome. Already-satisfied replies count as skipped.
func (b *Bootstrapper) runStep(ctx context.Context, step, target string, node topology.NodeSpec, cmd bson.D) (bson.M, Outcome, error) {
	var reply bson.M
	_, err := b.retry(ctx, b.opts.Retry, "command", func() error {
		r, err := b.command(ctx, node, cmd)
		if err != nil {
			return retryable(err)
		}
		reply = r
		return nil
	})

	switch {
	case err == nil:
		b.recordStep(step, target, Applied, "")
		return reply, Applied, nil
	case mongo.IsAlreadySatisfied(err):
		b.recordStep(step, target, Skipped, err.Error())
		return nil, Skipped, nil
	default:
		b.recordStep(step, target, Failed, err.Error())
		return nil, Failed, &Error{Kind: ConfigCommandFailure, Node: node.Address(), Step: step, Err: err}
	}
}

func (b *Bootstrapper) recordStep(step, target string, outcome Outcome, detail string) {
	b.state.record(step, target, outcome, detail)
	b.metrics.step(step, outcome)

	entry := logger.WithFields(map[string]interface{}{"target": target, "outcome": outcome})
	if detail != "" {
		entry = entry.WithField("detail", detail)
	}
	if outcome == Failed {
		entry.Warn(step)
	} else {
		entry.Debug(step)
	}
}

func (b *Bootstrapper) primary(setName string) topology.NodeSpec {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.primaries[setName]
}

// fail classifies err, applies the cancel or rollback policy and attaches
// the state reached so far
func (b *Bootstrapper) fail(ctx context.Context, err error) error {
	var bErr *Error
	if !errors.As(err, &bErr) {
		bErr = &Error{Kind: ConfigCommandFailure, Err: err}
	}

	if ctx.Err() != nil {
		bErr = &Error{Kind: Canceled, Node: bErr.Node, Step: bErr.Step, Err: ctx.Err()}
		logger.Warn("bootstrap canceled during %s", bErr.Step)
		if b.opts.OnCancel == KillStarted {
			b.stopStarted(ctx)
		}
	} else {
		logger.Error("bootstrap failed: %v", bErr)
		if b.opts.RollbackOnFailure {
			b.stopStarted(ctx)
		}
	}

	bErr.State = b.state
	return bErr
}

// stopStarted stops every process this run started, newest first. It runs
// on a context detached from cancellation so an interrupt can still clean up.
func (b *Bootstrapper) stopStarted(ctx context.Context) {
	cleanup, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()

	handles := b.Handles()
	for i := len(handles) - 1; i >= 0; i-- {
		h := handles[i]
		addr := h.Spec.Address()
		if err := b.procs.Stop(cleanup, h); err != nil {
			logger.WithNode(addr).Warnf("failed to stop %s: %v", h.Program, err)
			b.recordStep("stop", addr, Failed, err.Error())
			continue
		}
		b.state.markStopped(addr)
		b.metrics.nodes.WithLabelValues("stopped").Inc()
		b.recordStep("stop", addr, Applied, "")
	}
}

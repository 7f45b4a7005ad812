package bootstrap

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/zph/phil/pkg/mongo"
	"github.com/zph/phil/pkg/simulation"
	"github.com/zph/phil/pkg/topology"
)

const (
	nodeA = "localhost:27017"
	nodeB = "localhost:27018"
	nodeC = "localhost:27019"
)

func fastRetry(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func testOptions() Options {
	return Options{OnCancel: LeaveRunning, Retry: fastRetry(5), PrimaryWait: fastRetry(5)}
}

func node(port int) topology.NodeSpec {
	return topology.NodeSpec{Host: "localhost", Port: port, DataDir: filepath.Join("/tmp/phil-test", topology.GetNodeID("localhost", port))}
}

func rs0() *topology.Topology {
	return topology.NewReplicaSet("rs0", []topology.NodeSpec{node(27017), node(27018), node(27019)})
}

func shardedTopology() *topology.Topology {
	cfg := topology.ReplicaSet{Name: "cfg", Members: []topology.NodeSpec{node(28000)}}
	shards := []topology.ReplicaSet{
		{Name: "s0", Members: []topology.NodeSpec{node(28010), node(28011)}},
		{Name: "s1", Members: []topology.NodeSpec{node(28020)}},
	}
	routers := []topology.NodeSpec{
		{Host: "localhost", Port: 28100},
		{Host: "localhost", Port: 28101},
	}
	return topology.NewSharded(cfg, shards, routers)
}

func bootstrapError(t *testing.T, err error) *Error {
	t.Helper()
	require.Error(t, err)
	var bErr *Error
	require.True(t, errors.As(err, &bErr), "expected *Error, got %T", err)
	return bErr
}

func outcomes(steps []Step) []Outcome {
	out := make([]Outcome, len(steps))
	for i, s := range steps {
		out[i] = s.Outcome
	}
	return out
}

func TestBootstrap_ReplicaSet(t *testing.T) {
	sim := simulation.NewSimulator(nil)
	b := New(sim, sim, testOptions())

	state, err := b.Bootstrap(context.Background(), rs0())
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{nodeA, nodeB, nodeC}, sim.Sequence(simulation.OpStartProcess))
	assert.Equal(t, []string{nodeA}, sim.Sequence("replSetInitiate"))
	assert.Equal(t, 2, sim.Count("replSetReconfig", nodeA))
	assert.Equal(t, []string{nodeA, nodeB, nodeC}, sim.ReplicaSetMembers("rs0"))

	assert.True(t, state.Converged())
	assert.Equal(t, topology.KindReplicaSet, state.Kind())
	for _, n := range state.Nodes() {
		assert.True(t, n.Started, n.Spec.Address())
		assert.True(t, n.Reachable, n.Spec.Address())
		assert.True(t, n.Configured, n.Spec.Address())
		assert.NotZero(t, n.PID)
	}

	added := state.StepsFor("addMember")
	require.Len(t, added, 2)
	assert.Equal(t, nodeB, added[0].Target)
	assert.Equal(t, nodeC, added[1].Target)
	assert.Equal(t, []Outcome{Applied, Applied}, outcomes(added))
	assert.Len(t, b.Handles(), 3)
}

func TestBootstrap_SingleMemberSet(t *testing.T) {
	sim := simulation.NewSimulator(nil)
	topo := topology.NewReplicaSet("solo", []topology.NodeSpec{node(27017)})

	state, err := New(sim, sim, testOptions()).Bootstrap(context.Background(), topo)
	require.NoError(t, err)

	assert.Equal(t, 1, sim.Count("replSetInitiate", nodeA))
	assert.Zero(t, sim.Count("replSetReconfig", ""))
	assert.Empty(t, state.StepsFor("addMember"))
	assert.True(t, state.Converged())
}

func TestBootstrap_Standalone(t *testing.T) {
	sim := simulation.NewSimulator(nil)
	topo := topology.NewStandalone(node(27017))

	state, err := New(sim, sim, testOptions()).Bootstrap(context.Background(), topo)
	require.NoError(t, err)

	assert.True(t, state.Converged())
	assert.Zero(t, sim.Count("replSetInitiate", ""))
	assert.Equal(t, 1, sim.Count(simulation.OpStartProcess, nodeA))
}

func TestBootstrap_AttemptBudget(t *testing.T) {
	sim := simulation.NewSimulator(nil)
	sim.Config().SetFailure(simulation.OpConnect, nodeB, "connection refused")

	opts := testOptions()
	opts.Retry = fastRetry(4)

	state, err := New(sim, sim, opts).Bootstrap(context.Background(), rs0())
	assert.Nil(t, state)

	bErr := bootstrapError(t, err)
	assert.Equal(t, NodeUnreachable, bErr.Kind)
	assert.Equal(t, nodeB, bErr.Node)
	assert.Equal(t, 4, sim.Attempts(simulation.OpConnect, nodeB))
	assert.Contains(t, bErr.Error(), "gave up after 4 attempts")

	require.NotNil(t, bErr.State)
	n, ok := bErr.State.Node(nodeB)
	require.True(t, ok)
	assert.True(t, n.Started)
	assert.False(t, n.Reachable)
	assert.Zero(t, sim.Count("replSetInitiate", ""), "set must not be initiated before every member is reachable")
}

func TestBootstrap_DeadProcessStopsPolling(t *testing.T) {
	sim := simulation.NewSimulator(nil)
	sim.Config().MarkDead(nodeC)

	opts := testOptions()
	opts.Retry = fastRetry(50)

	_, err := New(sim, sim, opts).Bootstrap(context.Background(), rs0())

	bErr := bootstrapError(t, err)
	assert.Equal(t, NodeUnreachable, bErr.Kind)
	assert.Equal(t, nodeC, bErr.Node)
	assert.ErrorIs(t, err, errProcessExited)
	assert.Zero(t, sim.Attempts(simulation.OpConnect, nodeC))
}

func TestBootstrap_ProcessStartFailure(t *testing.T) {
	sim := simulation.NewSimulator(nil)
	sim.Config().SetFailure(simulation.OpStartProcess, nodeA, "address already in use")

	_, err := New(sim, sim, testOptions()).Bootstrap(context.Background(), rs0())

	bErr := bootstrapError(t, err)
	assert.Equal(t, ProcessStartFailure, bErr.Kind)
	assert.Equal(t, nodeA, bErr.Node)
	assert.Contains(t, bErr.Error(), "address already in use")
}

func TestBootstrap_RetriesTransientCommandErrors(t *testing.T) {
	sim := simulation.NewSimulator(nil)
	sim.Config().AddFailure(simulation.ConfiguredFailure{
		Operation: "replSetInitiate",
		Target:    nodeA,
		Code:      mongo.CodeShutdownInProgress,
		Error:     "shutting down",
		Times:     2,
	})

	state, err := New(sim, sim, testOptions()).Bootstrap(context.Background(), rs0())
	require.NoError(t, err)

	assert.Equal(t, 3, sim.Attempts("replSetInitiate", nodeA))
	assert.Equal(t, []Outcome{Applied}, outcomes(state.StepsFor("replSetInitiate")))
}

func TestBootstrap_SlowElection(t *testing.T) {
	sim := simulation.NewSimulator(nil)
	sim.Config().AddFailure(simulation.ConfiguredFailure{
		Operation: "replSetGetStatus",
		Target:    "*",
		Code:      mongo.CodeNotYetInitialized,
		Error:     "no replset config has been received",
		Times:     3,
	})

	opts := testOptions()
	opts.PrimaryWait = fastRetry(10)

	state, err := New(sim, sim, opts).Bootstrap(context.Background(), rs0())
	require.NoError(t, err)
	assert.True(t, state.Converged())
}

func TestBootstrap_NoPrimaryWithinBudget(t *testing.T) {
	sim := simulation.NewSimulator(nil)
	sim.Config().SetCommandError("replSetGetStatus", "*", mongo.CodeNotYetInitialized, "no replset config has been received")

	opts := testOptions()
	opts.PrimaryWait = fastRetry(3)

	_, err := New(sim, sim, opts).Bootstrap(context.Background(), rs0())

	bErr := bootstrapError(t, err)
	assert.Equal(t, ConfigCommandFailure, bErr.Kind)
	assert.Equal(t, "waitPrimary", bErr.Step)
	assert.Equal(t, 3, sim.Attempts("replSetGetStatus", nodeA))
	assert.Zero(t, sim.Count("replSetReconfig", ""))
}

func TestBootstrap_Idempotent(t *testing.T) {
	sim := simulation.NewSimulator(nil)
	ctx := context.Background()

	_, err := New(sim, sim, testOptions()).Bootstrap(ctx, rs0())
	require.NoError(t, err)

	state, err := New(sim, sim, testOptions()).Bootstrap(ctx, rs0())
	require.NoError(t, err)

	assert.True(t, state.Converged())
	assert.Equal(t, 1, sim.Count("replSetInitiate", ""))
	assert.Equal(t, 2, sim.Count("replSetReconfig", ""), "second run must not reconfigure")
	assert.Equal(t, []string{nodeA, nodeB, nodeC}, sim.ReplicaSetMembers("rs0"))

	assert.Equal(t, []Outcome{Skipped}, outcomes(state.StepsFor("replSetInitiate")))
	assert.Equal(t, []Outcome{Skipped, Skipped}, outcomes(state.StepsFor("addMember")))
}

// stepDownDialer hands the primary of rs0 to nodeB just before the reconfig
// that adds nodeC reaches nodeA
type stepDownDialer struct {
	sim  *simulation.Simulator
	once sync.Once
}

func (d *stepDownDialer) Connect(ctx context.Context, host string, port int) (mongo.Conn, error) {
	c, err := d.sim.Connect(ctx, host, port)
	if err != nil {
		return nil, err
	}
	return &stepDownConn{Conn: c, d: d}, nil
}

type stepDownConn struct {
	mongo.Conn
	d *stepDownDialer
}

func (c *stepDownConn) RunAdminCommand(ctx context.Context, cmd bson.D) (bson.M, error) {
	if mongo.CommandName(cmd) == "replSetReconfig" && len(c.d.sim.ReplicaSetMembers("rs0")) == 2 {
		c.d.once.Do(func() {
			_ = c.d.sim.ElectPrimary(nodeB)
		})
	}
	return c.Conn.RunAdminCommand(ctx, cmd)
}

func TestBootstrap_PrimaryMovesWhileAddingMembers(t *testing.T) {
	sim := simulation.NewSimulator(nil)
	b := New(sim, &stepDownDialer{sim: sim}, testOptions())

	state, err := b.Bootstrap(context.Background(), rs0())
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{nodeA, nodeB, nodeC}, sim.ReplicaSetMembers("rs0"))
	assert.Equal(t, 2, sim.Attempts("replSetReconfig", nodeA), "one stale attempt against the old primary")
	assert.Equal(t, 1, sim.Count("replSetReconfig", nodeB))
	assert.Equal(t, nodeB, b.primary("rs0").Address())
	assert.Equal(t, []Outcome{Applied, Applied}, outcomes(state.StepsFor("addMember")))
	assert.True(t, state.Converged())
}

func TestBootstrap_IdempotentWithAuth(t *testing.T) {
	sim := simulation.NewSimulator(nil)
	ctx := context.Background()

	opts := testOptions()
	opts.Credential = &mongo.Credential{Username: "phil", Password: "ravi"}

	_, err := New(sim, sim, opts).Bootstrap(ctx, rs0())
	require.NoError(t, err)

	opts.AdoptRunning = true
	state, err := New(sim, sim, opts).Bootstrap(ctx, rs0())
	require.NoError(t, err)

	assert.True(t, state.Converged())
	assert.Equal(t, 1, sim.Count("replSetInitiate", ""))
	assert.Equal(t, 2, sim.Count("replSetReconfig", ""))
	assert.Equal(t, 1, sim.Count("createUser", ""))
	assert.Equal(t, []Outcome{Skipped}, outcomes(state.StepsFor("replSetInitiate")))
	assert.Equal(t, []Outcome{Skipped, Skipped}, outcomes(state.StepsFor("addMember")))
	assert.Equal(t, []Outcome{Skipped}, outcomes(state.StepsFor("createUser")))
}

func TestBootstrap_RerunWithoutCredentialIsUnauthorized(t *testing.T) {
	sim := simulation.NewSimulator(nil)
	ctx := context.Background()

	opts := testOptions()
	opts.Credential = &mongo.Credential{Username: "phil", Password: "ravi"}
	_, err := New(sim, sim, opts).Bootstrap(ctx, rs0())
	require.NoError(t, err)

	_, err = New(sim, sim, testOptions()).Bootstrap(ctx, rs0())

	bErr := bootstrapError(t, err)
	assert.Equal(t, ConfigCommandFailure, bErr.Kind)
	assert.Equal(t, "replSetInitiate", bErr.Step)
	assert.True(t, mongo.IsUnauthorized(err))
}

func TestBootstrap_ShardedIdempotentWithAuth(t *testing.T) {
	sim := simulation.NewSimulator(nil)
	ctx := context.Background()

	opts := testOptions()
	opts.Credential = &mongo.Credential{Username: "phil", Password: "ravi"}

	_, err := New(sim, sim, opts).Bootstrap(ctx, shardedTopology())
	require.NoError(t, err)
	firstRun := len(sim.GetOperations())

	state, err := New(sim, sim, opts).Bootstrap(ctx, shardedTopology())
	require.NoError(t, err)

	assert.True(t, state.Converged())
	assert.Equal(t, []Outcome{Skipped, Skipped, Skipped}, outcomes(state.StepsFor("replSetInitiate")))
	assert.Equal(t, []Outcome{Skipped, Skipped}, outcomes(state.StepsFor("addShard")))
	assert.Equal(t, []Outcome{Skipped}, outcomes(state.StepsFor("createUser")))

	authed := make(map[string]bool)
	for _, op := range sim.GetOperations()[firstRun:] {
		if op.Type == simulation.OpConnect && op.Details == "as phil" {
			authed[op.Target] = true
		}
	}
	assert.True(t, authed["localhost:28000"], "config servers hold the router's user")
	assert.True(t, authed["localhost:28100"])
	for _, shardNode := range []string{"localhost:28010", "localhost:28011", "localhost:28020"} {
		assert.False(t, authed[shardNode], "%s keeps its localhost exception", shardNode)
	}
}

func TestBootstrap_AdoptRunning(t *testing.T) {
	sim := simulation.NewSimulator(nil)
	ctx := context.Background()

	_, err := New(sim, sim, testOptions()).Bootstrap(ctx, rs0())
	require.NoError(t, err)

	opts := testOptions()
	opts.AdoptRunning = true
	b := New(sim, sim, opts)

	state, err := b.Bootstrap(ctx, rs0())
	require.NoError(t, err)

	assert.Equal(t, 3, sim.Count(simulation.OpStartProcess, ""), "adopted nodes are not started again")
	assert.Empty(t, b.Handles())
	for _, n := range state.Nodes() {
		assert.True(t, n.Adopted, n.Spec.Address())
	}
	assert.Equal(t, []Outcome{Skipped, Skipped, Skipped}, outcomes(state.StepsFor("start")))
}

func cancelDuringPolling(t *testing.T, policy CancelPolicy) (*simulation.Simulator, error) {
	t.Helper()
	sim := simulation.NewSimulator(nil)
	sim.Config().SetFailure(simulation.OpConnect, nodeC, "connection refused")

	opts := testOptions()
	opts.OnCancel = policy
	opts.Retry = fastRetry(100000)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := New(sim, sim, opts).Bootstrap(ctx, rs0())
		done <- err
	}()

	require.Eventually(t, func() bool {
		return sim.Attempts(simulation.OpConnect, nodeC) >= 3
	}, 5*time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		return sim, err
	case <-time.After(10 * time.Second):
		t.Fatal("bootstrap did not return after cancel")
		return nil, nil
	}
}

func TestBootstrap_CancelKillStarted(t *testing.T) {
	sim, err := cancelDuringPolling(t, KillStarted)

	bErr := bootstrapError(t, err)
	assert.Equal(t, Canceled, bErr.Kind)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, sim.Count(simulation.OpStopProcess, ""))

	require.NotNil(t, bErr.State)
	for _, n := range bErr.State.Nodes() {
		assert.True(t, n.Stopped, n.Spec.Address())
	}
}

func TestBootstrap_CancelLeaveRunning(t *testing.T) {
	sim, err := cancelDuringPolling(t, LeaveRunning)

	bErr := bootstrapError(t, err)
	assert.Equal(t, Canceled, bErr.Kind)
	assert.Zero(t, sim.Count(simulation.OpStopProcess, ""))
	for _, n := range bErr.State.Nodes() {
		assert.True(t, n.Started, n.Spec.Address())
		assert.False(t, n.Stopped, n.Spec.Address())
	}
}

func TestBootstrap_TopologyInvalid(t *testing.T) {
	dup := topology.NewReplicaSet("rs0", []topology.NodeSpec{node(27017), node(27017)})

	tests := []struct {
		name string
		opts Options
		topo *topology.Topology
	}{
		{name: "cancel policy unset", opts: Options{Retry: fastRetry(1)}, topo: rs0()},
		{name: "zero attempts", opts: Options{OnCancel: KillStarted, Retry: RetryPolicy{MaxAttempts: 0, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}}, topo: rs0()},
		{name: "bad version", opts: Options{OnCancel: KillStarted, MongoVersion: "seven"}, topo: rs0()},
		{name: "half a credential", opts: Options{OnCancel: KillStarted, Credential: &mongo.Credential{Username: "phil"}}, topo: rs0()},
		{name: "bad database name", opts: Options{OnCancel: KillStarted, ShardedDatabases: []string{"a.b"}}, topo: rs0()},
		{name: "nil topology", opts: testOptions()},
		{name: "duplicate addresses", opts: testOptions(), topo: dup},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim := simulation.NewSimulator(nil)
			state, err := New(sim, sim, tt.opts).Bootstrap(context.Background(), tt.topo)

			assert.Nil(t, state)
			bErr := bootstrapError(t, err)
			assert.Equal(t, TopologyInvalid, bErr.Kind)
			assert.Nil(t, bErr.State)
			assert.Empty(t, sim.GetOperations(), "nothing may happen before validation passes")
		})
	}
}

func TestBootstrap_RollbackOnFailure(t *testing.T) {
	for _, rollback := range []bool{true, false} {
		sim := simulation.NewSimulator(nil)
		sim.Config().SetCommandError("replSetInitiate", nodeA, 2, "bad config")

		opts := testOptions()
		opts.RollbackOnFailure = rollback

		_, err := New(sim, sim, opts).Bootstrap(context.Background(), rs0())

		bErr := bootstrapError(t, err)
		assert.Equal(t, ConfigCommandFailure, bErr.Kind)
		assert.Equal(t, "replSetInitiate", bErr.Step)
		assert.Equal(t, 1, sim.Attempts("replSetInitiate", nodeA), "non-transient errors are not retried")

		stops := sim.Count(simulation.OpStopProcess, "")
		if rollback {
			assert.Equal(t, 3, stops)
		} else {
			assert.Zero(t, stops)
		}
	}
}

func TestBootstrap_Sharded(t *testing.T) {
	sim := simulation.NewSimulator(nil)
	opts := testOptions()
	opts.EnableBalancer = true
	opts.ShardedDatabases = []string{"app"}

	state, err := New(sim, sim, opts).Bootstrap(context.Background(), shardedTopology())
	require.NoError(t, err)

	starts := sim.Sequence(simulation.OpStartProcess)
	require.Len(t, starts, 6)
	assert.Equal(t, "localhost:28000", starts[0])
	assert.ElementsMatch(t, []string{"localhost:28010", "localhost:28011"}, starts[1:3])
	assert.Equal(t, "localhost:28020", starts[3])
	assert.ElementsMatch(t, []string{"localhost:28100", "localhost:28101"}, starts[4:])

	assert.Equal(t, []string{"s0", "s1"}, sim.Shards())
	assert.Equal(t, []string{"localhost:28020"}, sim.ReplicaSetMembers("s1"))
	assert.True(t, sim.BalancerRunning())

	enable := state.StepsFor("enableSharding")
	require.Len(t, enable, 1)
	assert.Equal(t, Skipped, enable[0].Outcome)
	assert.Equal(t, "implicit on MongoDB 7.0.5", enable[0].Detail)
	assert.Zero(t, sim.Count("enableSharding", ""))

	assert.True(t, state.Converged())
}

func TestBootstrap_ShardedLegacyServer(t *testing.T) {
	cfg := simulation.NewConfig()
	cfg.ServerVersion = "5.0.26"
	sim := simulation.NewSimulator(cfg)

	opts := testOptions()
	opts.ShardedDatabases = []string{"app", "logs"}

	state, err := New(sim, sim, opts).Bootstrap(context.Background(), shardedTopology())
	require.NoError(t, err)

	assert.Equal(t, 2, sim.Count("enableSharding", "localhost:28100"))
	assert.Equal(t, []Outcome{Applied, Applied}, outcomes(state.StepsFor("enableSharding")))
	assert.False(t, sim.BalancerRunning())
}

func TestBootstrap_MongoVersionSkipsBuildInfo(t *testing.T) {
	sim := simulation.NewSimulator(nil)
	opts := testOptions()
	opts.ShardedDatabases = []string{"app"}
	opts.MongoVersion = "5.0.0"

	_, err := New(sim, sim, opts).Bootstrap(context.Background(), shardedTopology())
	require.NoError(t, err)

	assert.Zero(t, sim.Count("buildInfo", ""))
	assert.Equal(t, 1, sim.Count("enableSharding", ""))
}

func TestBootstrap_ShardedRerunSkipsExistingShards(t *testing.T) {
	sim := simulation.NewSimulator(nil)
	ctx := context.Background()

	_, err := New(sim, sim, testOptions()).Bootstrap(ctx, shardedTopology())
	require.NoError(t, err)

	state, err := New(sim, sim, testOptions()).Bootstrap(ctx, shardedTopology())
	require.NoError(t, err)

	assert.Equal(t, 2, sim.Count("addShard", ""))
	assert.Equal(t, []Outcome{Skipped, Skipped}, outcomes(state.StepsFor("addShard")))
}

func TestBootstrap_CreatesUser(t *testing.T) {
	sim := simulation.NewSimulator(nil)
	opts := testOptions()
	opts.Credential = &mongo.Credential{Username: "phil", Password: "ravi"}

	state, err := New(sim, sim, opts).Bootstrap(context.Background(), rs0())
	require.NoError(t, err)

	assert.Equal(t, []string{nodeA}, sim.Sequence("createUser"))
	assert.Equal(t, []Outcome{Applied}, outcomes(state.StepsFor("createUser")))

	for _, op := range sim.GetOperations() {
		assert.NotContains(t, op.Details, "ravi", "passwords never reach the operation log")
	}
}

func TestBootstrap_ShardedAuthUsesCredentialAfterCreateUser(t *testing.T) {
	sim := simulation.NewSimulator(nil)
	opts := testOptions()
	opts.Credential = &mongo.Credential{Username: "phil", Password: "ravi"}

	_, err := New(sim, sim, opts).Bootstrap(context.Background(), shardedTopology())
	require.NoError(t, err)

	assert.Equal(t, []string{"localhost:28100"}, sim.Sequence("createUser"))

	var authed int
	for _, op := range sim.GetOperations() {
		if op.Type == simulation.OpConnect && op.Details == "as phil" {
			assert.Equal(t, "localhost:28100", op.Target)
			authed++
		}
	}
	assert.Positive(t, authed, "router commands after createUser authenticate")
}

func TestBootstrap_ExistingUserIsSkipped(t *testing.T) {
	cfg := simulation.NewConfig()
	cfg.ExistingUsers = []string{"phil"}
	sim := simulation.NewSimulator(cfg)

	opts := testOptions()
	opts.Credential = &mongo.Credential{Username: "phil", Password: "ravi"}

	state, err := New(sim, sim, opts).Bootstrap(context.Background(), rs0())
	require.NoError(t, err)
	assert.Equal(t, []Outcome{Skipped}, outcomes(state.StepsFor("createUser")))
}

func TestClusterState_Report(t *testing.T) {
	sim := simulation.NewSimulator(nil)
	state, err := New(sim, sim, testOptions()).Bootstrap(context.Background(), rs0())
	require.NoError(t, err)

	data, err := state.Report()
	require.NoError(t, err)
	report := string(data)
	assert.Contains(t, report, "run_id: "+state.RunID())
	assert.Contains(t, report, "kind: replica_set")
	assert.Contains(t, report, "converged: true")
	assert.Contains(t, report, "step: replSetInitiate")

	path := filepath.Join(t.TempDir(), "report.yaml")
	require.NoError(t, state.WriteReport(path))
	written, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, string(data), string(written))
}

func TestBootstrap_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	sim := simulation.NewSimulator(nil)

	opts := testOptions()
	opts.Metrics = reg
	b := New(sim, sim, opts)

	_, err := b.Bootstrap(context.Background(), rs0())
	require.NoError(t, err)

	assert.Equal(t, 2.0, testutil.ToFloat64(b.metrics.steps.WithLabelValues("addMember", string(Applied))))
	assert.Equal(t, 3.0, testutil.ToFloat64(b.metrics.nodes.WithLabelValues("started")))
	assert.Equal(t, 1, testutil.CollectAndCount(b.metrics.tierDuration))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "phil_bootstrap_steps_total")
	assert.Contains(t, names, "phil_bootstrap_attempts_total")
}

func TestBootstrap_SharedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	opts := testOptions()
	opts.Metrics = reg

	sim := simulation.NewSimulator(nil)
	var first, second *Bootstrapper
	require.NotPanics(t, func() {
		first = New(sim, sim, opts)
		second = New(sim, sim, opts)
	})

	_, err := second.Bootstrap(context.Background(), rs0())
	require.NoError(t, err)

	assert.Equal(t, 2.0, testutil.ToFloat64(first.metrics.steps.WithLabelValues("addMember", string(Applied))),
		"bootstrappers on one registry share collectors")
}

func TestBootstrap_UnregisteredMetricsDoNotCollide(t *testing.T) {
	sim := simulation.NewSimulator(nil)
	assert.NotPanics(t, func() {
		New(sim, sim, testOptions())
		New(sim, sim, testOptions())
	})
}

package simulation

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/zph/phil/pkg/mongo"
	"github.com/zph/phil/pkg/process"
	"github.com/zph/phil/pkg/topology"
)

func member(port int, set string) topology.NodeSpec {
	return topology.NodeSpec{Host: "localhost", Port: port, DataDir: "/tmp/x", Role: topology.RoleMember, ReplicaSet: set}
}

func run(t *testing.T, sim *Simulator, port int, cmd bson.D) (bson.M, error) {
	t.Helper()
	conn, err := sim.Connect(context.Background(), "localhost", port)
	require.NoError(t, err)
	defer conn.Close(context.Background())
	return conn.RunAdminCommand(context.Background(), cmd)
}

func TestSimulator_ProcessLifecycle(t *testing.T) {
	sim := NewSimulator(nil)
	ctx := context.Background()

	h, err := sim.Start(ctx, member(27017, "rs0"))
	require.NoError(t, err)
	assert.Equal(t, "mongod-27017", h.Program)
	assert.Equal(t, 1000, h.PID)
	assert.True(t, sim.IsAlive(h))

	again, err := sim.Start(ctx, member(27017, "rs0"))
	require.NoError(t, err)
	assert.Equal(t, h.PID, again.PID, "starting a running node returns the same process")

	require.NoError(t, sim.Stop(ctx, h))
	assert.False(t, sim.IsAlive(h))

	_, err = sim.Connect(ctx, "localhost", 27017)
	assert.ErrorContains(t, err, "connection refused")
	assert.True(t, mongo.IsTransient(err))
}

func TestSimulator_ConfiguredFailures(t *testing.T) {
	config := NewConfig()
	config.SetFailure(OpStartProcess, "localhost:27018", "port in use")
	config.AddFailure(ConfiguredFailure{Operation: OpConnect, Target: "*", Error: "refused", Times: 2})
	sim := NewSimulator(config)
	ctx := context.Background()

	_, err := sim.Start(ctx, member(27018, "rs0"))
	assert.EqualError(t, err, "port in use")

	_, err = sim.Start(ctx, member(27017, "rs0"))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = sim.Connect(ctx, "localhost", 27017)
		assert.Error(t, err)
	}
	_, err = sim.Connect(ctx, "localhost", 27017)
	assert.NoError(t, err, "failure limited to two attempts")

	assert.Equal(t, 3, sim.Attempts(OpConnect, "localhost:27017"))
	assert.Equal(t, 1, sim.Count(OpConnect, "localhost:27017"))
}

func TestSimulator_ReplicaSetCommands(t *testing.T) {
	sim := NewSimulator(nil)
	ctx := context.Background()
	for _, port := range []int{27017, 27018} {
		_, err := sim.Start(ctx, member(port, "rs0"))
		require.NoError(t, err)
	}

	_, err := run(t, sim, 27017, bson.D{{Key: "replSetGetStatus", Value: 1}})
	assert.True(t, mongo.IsTransient(err), "status before initiate is not yet initialized")

	cfg := bson.M{"_id": "rs0", "members": bson.A{bson.M{"_id": 0, "host": "localhost:27017"}}}
	_, err = run(t, sim, 27017, bson.D{{Key: "replSetInitiate", Value: cfg}})
	require.NoError(t, err)

	_, err = run(t, sim, 27017, bson.D{{Key: "replSetInitiate", Value: cfg}})
	assert.True(t, mongo.IsAlreadySatisfied(err))

	status, err := run(t, sim, 27017, bson.D{{Key: "replSetGetStatus", Value: 1}})
	require.NoError(t, err)
	assert.Equal(t, "rs0", status["set"])
	assert.Equal(t, int32(1), status["myState"])

	reply, err := run(t, sim, 27017, bson.D{{Key: "replSetGetConfig", Value: 1}})
	require.NoError(t, err)
	current := reply["config"].(bson.M)
	assert.Equal(t, int32(1), current["version"])

	stale := bson.M{"_id": "rs0", "version": int32(1), "members": bson.A{
		bson.M{"_id": 0, "host": "localhost:27017"},
		bson.M{"_id": 1, "host": "localhost:27018"},
	}}
	_, err = run(t, sim, 27017, bson.D{{Key: "replSetReconfig", Value: stale}})
	assert.Error(t, err, "version must be bumped")

	stale["version"] = int32(2)
	_, err = run(t, sim, 27018, bson.D{{Key: "replSetReconfig", Value: stale}})
	assert.True(t, mongo.IsTransient(err), "only the primary accepts reconfig")

	_, err = run(t, sim, 27017, bson.D{{Key: "replSetReconfig", Value: stale}})
	require.NoError(t, err)
	assert.Equal(t, []string{"localhost:27017", "localhost:27018"}, sim.ReplicaSetMembers("rs0"))

	assert.Equal(t, []string{"localhost:27017"}, sim.Sequence("replSetReconfig"))
}

func TestSimulator_ShardingCommandsNeedRouter(t *testing.T) {
	sim := NewSimulator(nil)
	ctx := context.Background()

	_, err := sim.Start(ctx, member(27018, "s0"))
	require.NoError(t, err)
	_, err = sim.Start(ctx, topology.NodeSpec{Host: "localhost", Port: 27017, Role: topology.RoleRouter})
	require.NoError(t, err)

	_, err = run(t, sim, 27018, bson.D{{Key: "listShards", Value: 1}})
	assert.ErrorContains(t, err, "no such command")

	_, err = run(t, sim, 27017, bson.D{{Key: "addShard", Value: "s0/localhost:27018"}, {Key: "name", Value: "s0"}})
	assert.Error(t, err, "set not initiated yet")

	cfg := bson.M{"_id": "s0", "members": bson.A{bson.M{"_id": 0, "host": "localhost:27018"}}}
	_, err = run(t, sim, 27018, bson.D{{Key: "replSetInitiate", Value: cfg}})
	require.NoError(t, err)

	reply, err := run(t, sim, 27017, bson.D{{Key: "addShard", Value: "s0/localhost:27018"}, {Key: "name", Value: "s0"}})
	require.NoError(t, err)
	assert.Equal(t, "s0", reply["shardAdded"])
	assert.Equal(t, []string{"s0"}, sim.Shards())

	shards, err := run(t, sim, 27017, bson.D{{Key: "listShards", Value: 1}})
	require.NoError(t, err)
	assert.Len(t, shards["shards"], 1)

	_, err = run(t, sim, 27017, bson.D{{Key: "balancerStart", Value: 1}})
	require.NoError(t, err)
	assert.True(t, sim.BalancerRunning())
}

func TestSimulator_CreateUser(t *testing.T) {
	sim := NewSimulator(nil)
	ctx := context.Background()
	_, err := sim.Start(ctx, topology.NodeSpec{Host: "localhost", Port: 27017, DataDir: "/tmp/x", Role: topology.RoleStandalone})
	require.NoError(t, err)

	cmd := bson.D{{Key: "createUser", Value: "phil"}, {Key: "pwd", Value: "ravi"}}
	_, err = run(t, sim, 27017, cmd)
	require.NoError(t, err)

	ops := sim.GetOperations()
	assert.NotContains(t, ops[len(ops)-1].Details, "ravi", "passwords stay out of the log")

	_, err = run(t, sim, 27017, cmd)
	assert.True(t, mongo.IsUnauthorized(err), "the localhost exception closes with the first user: %v", err)

	_, err = run(t, sim, 27017, bson.D{{Key: "ping", Value: 1}})
	assert.NoError(t, err, "ping needs no authentication")

	authed := sim.WithCredential(mongo.Credential{Username: "phil", Password: "ravi"})
	conn, err := authed.Connect(ctx, "localhost", 27017)
	require.NoError(t, err)
	ops = sim.GetOperations()
	assert.Equal(t, "as phil", ops[len(ops)-1].Details)

	_, err = conn.RunAdminCommand(ctx, cmd)
	assert.True(t, mongo.IsAlreadySatisfied(err))

	stranger := sim.WithCredential(mongo.Credential{Username: "ravi", Password: "phil"})
	conn, err = stranger.Connect(ctx, "localhost", 27017)
	require.NoError(t, err)
	_, err = conn.RunAdminCommand(ctx, bson.D{{Key: "replSetGetStatus", Value: 1}})
	assert.ErrorContains(t, err, "Authentication failed")
}

func TestSimulator_RouterUsersLiveOnConfigServers(t *testing.T) {
	sim := NewSimulator(nil)
	ctx := context.Background()

	cfgNode := member(27019, "cfg")
	_, err := sim.Start(ctx, cfgNode)
	require.NoError(t, err)
	_, err = sim.Start(ctx, member(27018, "s0"))
	require.NoError(t, err)
	_, err = sim.Start(ctx, topology.NodeSpec{Host: "localhost", Port: 27017, Role: topology.RoleRouter})
	require.NoError(t, err)

	for port, set := range map[int]string{27019: "cfg", 27018: "s0"} {
		cfg := bson.M{"_id": set, "members": bson.A{bson.M{"_id": 0, "host": topology.GetNodeID("localhost", port)}}}
		if set == "cfg" {
			cfg["configsvr"] = true
		}
		_, err = run(t, sim, port, bson.D{{Key: "replSetInitiate", Value: cfg}})
		require.NoError(t, err)
	}

	_, err = run(t, sim, 27017, bson.D{{Key: "createUser", Value: "phil"}, {Key: "pwd", Value: "ravi"}})
	require.NoError(t, err)

	_, err = run(t, sim, 27019, bson.D{{Key: "replSetGetStatus", Value: 1}})
	assert.True(t, mongo.IsUnauthorized(err), "config servers hold router users")

	_, err = run(t, sim, 27018, bson.D{{Key: "replSetGetStatus", Value: 1}})
	assert.NoError(t, err, "shards keep their own localhost exception")
}

func TestSimulator_ElectPrimary(t *testing.T) {
	sim := NewSimulator(nil)
	ctx := context.Background()
	for _, port := range []int{27017, 27018} {
		_, err := sim.Start(ctx, member(port, "rs0"))
		require.NoError(t, err)
	}

	cfg := bson.M{"_id": "rs0", "members": bson.A{
		bson.M{"_id": 0, "host": "localhost:27017"},
		bson.M{"_id": 1, "host": "localhost:27018"},
	}}
	_, err := run(t, sim, 27017, bson.D{{Key: "replSetInitiate", Value: cfg}})
	require.NoError(t, err)

	require.NoError(t, sim.ElectPrimary("localhost:27018"))
	assert.Equal(t, []string{"localhost:27018", "localhost:27017"}, sim.ReplicaSetMembers("rs0"))

	status, err := run(t, sim, 27017, bson.D{{Key: "replSetGetStatus", Value: 1}})
	require.NoError(t, err)
	assert.Equal(t, int32(2), status["myState"])

	assert.Error(t, sim.ElectPrimary("localhost:27099"), "not a member of any set")
}

func TestSimulator_StopAll(t *testing.T) {
	sim := NewSimulator(nil)
	ctx := context.Background()

	var handles []process.Handle
	for _, port := range []int{27017, 27018} {
		h, err := sim.Start(ctx, member(port, "rs0"))
		require.NoError(t, err)
		handles = append(handles, h)
	}

	require.NoError(t, sim.StopAll(ctx))
	for _, h := range handles {
		assert.False(t, sim.IsAlive(h))
	}
	assert.Equal(t, 2, sim.Count(OpStopProcess, ""))
}

func TestReporter(t *testing.T) {
	config := NewConfig()
	config.SetFailure(OpStartProcess, "localhost:27018", "port in use")
	sim := NewSimulator(config)

	_, _ = sim.Start(context.Background(), member(27017, "rs0"))
	_, _ = sim.Start(context.Background(), member(27018, "rs0"))

	var buf bytes.Buffer
	reporter := NewReporter(sim)
	reporter.SetOutput(&buf)

	reporter.PrintSummary()
	assert.Contains(t, buf.String(), "[SIMULATION] Summary Report")
	assert.Contains(t, buf.String(), "Processes started   : 1")

	assert.True(t, reporter.HasErrors())
	buf.Reset()
	reporter.PrintErrors()
	assert.Contains(t, buf.String(), "start_process: port in use")

	buf.Reset()
	reporter.PrintDetailed()
	assert.Contains(t, buf.String(), "Target: localhost:27017")
}

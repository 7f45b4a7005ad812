package supervisor

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zph/phil/pkg/process"
	"github.com/zph/phil/pkg/topology"
)

func TestCommandArgs(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		spec topology.NodeSpec
		want []string
	}{
		{
			name: "standalone",
			opts: Options{BinPath: "/opt/bin"},
			spec: topology.NodeSpec{Host: "localhost", Port: 27017, DataDir: "/d/0", Role: topology.RoleStandalone},
			want: []string{"/opt/bin/mongod", "--port", "27017", "--bind_ip", "localhost", "--dbpath", "/d/0"},
		},
		{
			name: "config server with auth",
			opts: Options{BinPath: "/opt/bin", KeyFile: "/d/key"},
			spec: topology.NodeSpec{Host: "localhost", Port: 27019, DataDir: "/d/1", Role: topology.RoleConfig, ReplicaSet: "cfg"},
			want: []string{
				"/opt/bin/mongod", "--port", "27019", "--bind_ip", "localhost",
				"--dbpath", "/d/1", "--replSet", "cfg", "--configsvr",
				"--auth", "--keyFile", "/d/key",
			},
		},
		{
			name: "shard member with extra args",
			opts: Options{BinPath: "/opt/bin", BindIP: "0.0.0.0", ExtraArgs: []string{"--wiredTigerCacheSizeGB", "1"}},
			spec: topology.NodeSpec{Host: "localhost", Port: 27021, DataDir: "/d/2", Role: topology.RoleShard, ReplicaSet: "s0"},
			want: []string{
				"/opt/bin/mongod", "--port", "27021", "--bind_ip", "0.0.0.0",
				"--dbpath", "/d/2", "--replSet", "s0", "--shardsvr",
				"--wiredTigerCacheSizeGB", "1",
			},
		},
		{
			name: "router with tls",
			opts: Options{
				BinPath:   "/opt/bin",
				KeyFile:   "/d/key",
				TLS:       &TLSConfig{CAFile: "ca.pem", ServerCertFile: "server.pem", AllowConnectionsWithoutCertificates: true},
				ExtraArgs: []string{"--quiet"},
			},
			spec: topology.NodeSpec{Host: "localhost", Port: 27017, Role: topology.RoleRouter, ConfigDB: "cfg/localhost:27019"},
			want: []string{
				"/opt/bin/mongos", "--port", "27017", "--bind_ip", "localhost",
				"--configdb", "cfg/localhost:27019",
				"--keyFile", "/d/key",
				"--tlsMode", "requireTLS", "--tlsCAFile", "ca.pem", "--tlsCertificateKeyFile", "server.pem",
				"--tlsAllowConnectionsWithoutCertificates",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mgr := NewProcessManager(tt.opts)
			assert.Equal(t, tt.want, mgr.CommandArgs(tt.spec))
		})
	}
}

func TestProcessManager_UnknownHandles(t *testing.T) {
	mgr := NewProcessManager(Options{BinPath: "/opt/bin", RunDir: t.TempDir()})

	assert.False(t, mgr.IsAlive(process.Handle{Program: "mongod-1"}))
	assert.True(t, mgr.IsAlive(process.Handle{Program: "mongod-1", PID: os.Getpid()}))

	assert.NoError(t, mgr.Stop(context.Background(), process.Handle{Program: "mongod-1"}))
	assert.NoError(t, mgr.StopAll(context.Background()))
}

func TestProcessManager_StartCanceled(t *testing.T) {
	mgr := NewProcessManager(Options{BinPath: "/opt/bin", RunDir: t.TempDir()})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := mgr.Start(ctx, topology.NodeSpec{Host: "localhost", Port: 27017, DataDir: t.TempDir(), Role: topology.RoleStandalone})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOptions_Validate(t *testing.T) {
	assert.NoError(t, Options{BinPath: "/opt/bin", RunDir: "/run/phil"}.Validate())
	assert.Error(t, Options{RunDir: "/run/phil"}.Validate())
	assert.Error(t, Options{BinPath: "/opt/bin"}.Validate())
	assert.Error(t, Options{BinPath: "/opt/bin", RunDir: "/run/phil", TLS: &TLSConfig{CAFile: "ca.pem"}}.Validate())
}

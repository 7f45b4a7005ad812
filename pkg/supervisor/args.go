package supervisor

import (
	"path/filepath"
	"strconv"

	"github.com/zph/phil/pkg/topology"
)

// TLSConfig enables requireTLS on every node
type TLSConfig struct {
	CAFile                              string
	ServerCertFile                      string
	AllowConnectionsWithoutCertificates bool
}

// CommandArgs builds the full command line for a node: binary path first,
// then its flags. Extra arguments are passed to mongod only.
func (m *ProcessManager) CommandArgs(spec topology.NodeSpec) []string {
	args := []string{
		filepath.Join(m.opts.BinPath, spec.Binary()),
		"--port", strconv.Itoa(spec.Port),
	}

	bindIP := m.opts.BindIP
	if bindIP == "" {
		bindIP = spec.Host
	}
	args = append(args, "--bind_ip", bindIP)

	if spec.Role == topology.RoleRouter {
		args = append(args, "--configdb", spec.ConfigDB)
	} else {
		args = append(args, "--dbpath", spec.DataDir)
		if spec.ReplicaSet != "" {
			args = append(args, "--replSet", spec.ReplicaSet)
		}
		switch spec.Role {
		case topology.RoleConfig:
			args = append(args, "--configsvr")
		case topology.RoleShard:
			args = append(args, "--shardsvr")
		}
	}

	if m.opts.KeyFile != "" {
		if spec.Role != topology.RoleRouter {
			args = append(args, "--auth")
		}
		args = append(args, "--keyFile", m.opts.KeyFile)
	}

	if tls := m.opts.TLS; tls != nil {
		args = append(args,
			"--tlsMode", "requireTLS",
			"--tlsCAFile", tls.CAFile,
			"--tlsCertificateKeyFile", tls.ServerCertFile,
		)
		if tls.AllowConnectionsWithoutCertificates {
			args = append(args, "--tlsAllowConnectionsWithoutCertificates")
		}
	}

	if spec.Role != topology.RoleRouter {
		args = append(args, m.opts.ExtraArgs...)
	}
	return args
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/zph/phil/pkg/bootstrap"
	"github.com/zph/phil/pkg/logger"
	"github.com/zph/phil/pkg/mongo"
	"github.com/zph/phil/pkg/naming"
	"github.com/zph/phil/pkg/process"
	"github.com/zph/phil/pkg/simulation"
	"github.com/zph/phil/pkg/supervisor"
	"github.com/zph/phil/pkg/topology"
)

const (
	authUser     = "phil"
	authPassword = "ravi"
	keyFileBody  = "phil and ravi"
	stopTimeout  = 2 * time.Minute
)

var (
	binPath   string
	dataDir   string
	basePort  int
	bindIP    string
	verbose   bool
	dryRun    bool
	scenario  string
	reportOut string
	metricOut string

	killOnCancel      bool
	rollbackOnFailure bool
	adoptRunning      bool
	maxAttempts       int
	mongoVersion      string
	enableBalancer    bool
	shardDatabases    []string

	useTLS                   bool
	caFile                   string
	serverCertFile           string
	clientCertFile           string
	allowClientsWithoutCerts bool

	useAuth bool
)

// stopper is implemented by process managers that can stop everything they started
type stopper interface {
	StopAll(ctx context.Context) error
}

func run(parent context.Context, topo *topology.Topology, setName string, extraArgs []string) error {
	if verbose {
		logger.SetLevel(logger.LevelDebug)
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := bootstrapOptions()
	reg := prometheus.NewRegistry()
	opts.Metrics = reg

	var cred *mongo.Credential
	if useAuth {
		cred = &mongo.Credential{Username: authUser, Password: authPassword}
		opts.Credential = cred
	}

	clientTLS, serverTLS, err := tlsOptions()
	if err != nil {
		return err
	}

	var (
		procs  process.Manager
		dialer mongo.Dialer
		sim    *simulation.Simulator
	)

	if dryRun {
		cfg := simulation.NewConfig()
		if scenario != "" {
			if cfg, err = simulation.LoadConfigWithScenario(scenario); err != nil {
				return err
			}
		}
		sim = simulation.NewSimulator(cfg)
		procs, dialer = sim, sim
		fmt.Println("[SIMULATION] Dry run: no processes will be started")
	} else {
		pm, err := processManager(serverTLS, extraArgs)
		if err != nil {
			return err
		}
		procs = pm
		dialer = mongo.NewClient(mongo.ClientOptions{TLS: clientTLS})
	}

	b := bootstrap.New(procs, dialer, opts)
	state, bootErr := b.Bootstrap(ctx, topo)

	var bErr *bootstrap.Error
	if state == nil && errors.As(bootErr, &bErr) {
		state = bErr.State
	}
	if state != nil && reportOut != "" {
		if err := state.WriteReport(reportOut); err != nil {
			logger.Warn("%v", err)
		}
	}
	if metricOut != "" {
		if err := prometheus.WriteToTextfile(metricOut, reg); err != nil {
			logger.Warn("failed to write metrics: %v", err)
		}
	}

	if bootErr != nil {
		if sim != nil {
			simulation.NewReporter(sim).PrintErrors()
			return bootErr
		}
		holdOnFailure(parent, procs, b.Handles(), bootErr)
		return bootErr
	}

	fmt.Printf("  ✓ %s cluster ready (%d nodes)\n", topo.Kind, len(topo.Nodes()))
	uri := mongo.ConnectionString(mongo.URIOptions{
		Hosts:      topo.ClientHosts(),
		ReplicaSet: setName,
		TLS:        clientTLS,
		Credential: cred,
	})
	fmt.Printf("MONGODB_URI='%s'\n", uri)

	if sim != nil {
		reporter := simulation.NewReporter(sim)
		if verbose {
			reporter.PrintDetailed()
		}
		reporter.PrintSummary()
		return nil
	}

	fmt.Println("Press Ctrl+C to stop the cluster")
	<-ctx.Done()
	stopAll(procs)
	return nil
}

func bootstrapOptions() bootstrap.Options {
	opts := bootstrap.Options{
		OnCancel:          bootstrap.LeaveRunning,
		RollbackOnFailure: rollbackOnFailure,
		AdoptRunning:      adoptRunning,
		EnableBalancer:    enableBalancer,
		ShardedDatabases:  shardDatabases,
		MongoVersion:      mongoVersion,
	}
	if killOnCancel {
		opts.OnCancel = bootstrap.KillStarted
	}
	if maxAttempts > 0 {
		opts.Retry = bootstrap.DefaultRetry()
		opts.Retry.MaxAttempts = maxAttempts
	}
	return opts
}

// tlsOptions resolves the certificate paths, defaulting to ./ca.pem,
// ./server.pem and ./client.pem
func tlsOptions() (*mongo.TLSOptions, *supervisor.TLSConfig, error) {
	if !useTLS {
		if caFile != "" || serverCertFile != "" || clientCertFile != "" || allowClientsWithoutCerts {
			return nil, nil, errors.New("TLS flags require --tls")
		}
		return nil, nil, nil
	}

	paths := map[string]*string{"./ca.pem": &caFile, "./server.pem": &serverCertFile, "./client.pem": &clientCertFile}
	for def, p := range paths {
		if *p == "" {
			*p = def
		}
		abs, err := filepath.Abs(*p)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to resolve %s: %w", *p, err)
		}
		*p = abs
	}

	client := &mongo.TLSOptions{
		CAFile:                   caFile,
		CertificateKeyFile:       clientCertFile,
		AllowInvalidCertificates: true,
	}
	server := &supervisor.TLSConfig{
		CAFile:                              caFile,
		ServerCertFile:                      serverCertFile,
		AllowConnectionsWithoutCertificates: allowClientsWithoutCerts,
	}
	return client, server, nil
}

func processManager(tls *supervisor.TLSConfig, extraArgs []string) (*supervisor.ProcessManager, error) {
	bin := binPath
	if bin == "" {
		p, err := exec.LookPath("mongod")
		if err != nil {
			return nil, fmt.Errorf("mongod not found in PATH; use --bin-path: %w", err)
		}
		bin = filepath.Dir(p)
	}

	opts := supervisor.Options{
		BinPath:   bin,
		RunDir:    filepath.Join(dataDir, naming.GetRunDirName(uuid.NewString())),
		BindIP:    bindIP,
		TLS:       tls,
		ExtraArgs: extraArgs,
	}

	if useAuth {
		keyFile, err := writeKeyFile()
		if err != nil {
			return nil, err
		}
		opts.KeyFile = keyFile
	}

	if err := opts.Validate(); err != nil {
		return nil, err
	}
	logger.Debug("process output goes to %s", opts.RunDir)
	return supervisor.NewProcessManager(opts), nil
}

func writeKeyFile() (string, error) {
	path := filepath.Join(dataDir, naming.GetKeyFileName(uuid.NewString()))
	if err := os.WriteFile(path, []byte(keyFileBody), 0600); err != nil {
		return "", fmt.Errorf("failed to write keyfile: %w", err)
	}
	return path, nil
}

// waitForInterrupt blocks until the next SIGINT or SIGTERM
var waitForInterrupt = func(parent context.Context) {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
}

// holdOnFailure keeps phil in the foreground after a failed bootstrap while
// nodes it started are still up. They are children of this process and die
// with it, so exiting here would stop them without rollback being asked for.
// It reports whether it waited.
func holdOnFailure(parent context.Context, procs process.Manager, handles []process.Handle, err error) bool {
	if bootstrap.IsKind(err, bootstrap.Canceled) {
		if killOnCancel {
			return false
		}
	} else if rollbackOnFailure {
		return false
	}

	running := 0
	for _, h := range handles {
		if procs.IsAlive(h) {
			running++
		}
	}
	if running == 0 {
		return false
	}

	fmt.Printf("Bootstrap stopped early: %v\n", err)
	fmt.Printf("%d started nodes keep running; press Ctrl+C to stop them\n", running)
	waitForInterrupt(parent)
	stopAll(procs)
	return true
}

func stopAll(procs process.Manager) {
	s, ok := procs.(stopper)
	if !ok {
		return
	}

	fmt.Println("Stopping cluster...")
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := s.StopAll(ctx); err != nil {
		logger.Error("failed to stop every node: %v", err)
		return
	}
	fmt.Println("  ✓ Cluster stopped")
}

func init() {
	flags := rootCmd.PersistentFlags()

	flags.StringVar(&binPath, "bin-path", "", "Directory holding mongod and mongos (default: from PATH)")
	flags.StringVar(&dataDir, "data-dir", os.TempDir(), "Directory for generated data directories")
	flags.IntVar(&basePort, "base-port", topology.DefaultBasePort, "First port to allocate")
	flags.StringVar(&bindIP, "bind-ip", "", "Address nodes listen on (default: the node host)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Log verbosely")

	flags.BoolVar(&dryRun, "dry-run", false, "Simulate the bootstrap without starting anything")
	flags.StringVar(&scenario, "scenario", "", "Simulation scenario file for --dry-run")
	flags.StringVar(&reportOut, "report", "", "Write a YAML report of the run to this file")
	flags.StringVar(&metricOut, "metrics-file", "", "Write bootstrap metrics in Prometheus text format to this file")

	flags.BoolVar(&killOnCancel, "kill-on-cancel", false, "Stop started nodes when interrupted during bootstrap")
	flags.BoolVar(&rollbackOnFailure, "rollback-on-failure", false, "Stop started nodes when bootstrap fails")
	flags.BoolVar(&adoptRunning, "adopt-running", false, "Use nodes that already answer on their port instead of starting them")
	flags.IntVar(&maxAttempts, "max-attempts", 0, "Attempts per polling loop (default 30)")
	flags.StringVar(&mongoVersion, "mongo-version", "", "Server version, skipping the buildInfo lookup")
	flags.BoolVar(&enableBalancer, "enable-balancer", false, "Start the balancer on sharded clusters")
	flags.StringSliceVar(&shardDatabases, "shard-db", nil, "Enable sharding on this database (repeatable)")

	flags.BoolVar(&useTLS, "tls", false, "Enable and require TLS for the cluster")
	flags.StringVar(&caFile, "ca-file", "", "Certificate authority file (default ./ca.pem)")
	flags.StringVar(&serverCertFile, "server-cert-file", "", "Server certificate key file (default ./server.pem)")
	flags.StringVar(&clientCertFile, "client-cert-file", "", "Client certificate key file used while configuring (default ./client.pem)")
	flags.BoolVar(&allowClientsWithoutCerts, "allow-clients-without-certs", false, "Allow clients to connect without a certificate")

	flags.BoolVar(&useAuth, "auth", false, "Require authentication; creates user phil with password ravi")
}

// Package supervisor runs node processes in-process with the supervisord
// libraries. Each node gets its own program section on disk, which is loaded
// back through the supervisord config parser and handed to a supervisord
// process. The processes are children of the current program.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/ochinchina/supervisord/config"
	svprocess "github.com/ochinchina/supervisord/process"
	"golang.org/x/sys/unix"

	"github.com/zph/phil/pkg/logger"
	"github.com/zph/phil/pkg/process"
	"github.com/zph/phil/pkg/topology"
)

// Options configures how node processes are launched
type Options struct {
	// BinPath is the directory holding mongod and mongos
	BinPath string `validate:"required"`

	// RunDir holds generated program sections (conf/) and process output (logs/)
	RunDir string `validate:"required"`

	// BindIP overrides --bind_ip; defaults to each node's host
	BindIP string

	// KeyFile enables --auth with internal keyfile authentication
	KeyFile string

	TLS *TLSConfig

	// ExtraArgs are appended to every mongod command line
	ExtraArgs []string

	// StartSecs is how long a process must stay up to count as started
	StartSecs int
}

var validate = validator.New()

// Validate checks that the options name a binary directory and a run directory
func (o Options) Validate() error {
	if err := validate.Struct(o); err != nil {
		return fmt.Errorf("invalid process manager options: %w", err)
	}
	if o.TLS != nil && (o.TLS.CAFile == "" || o.TLS.ServerCertFile == "") {
		return errors.New("invalid process manager options: TLS needs a CA file and a server certificate")
	}
	return nil
}

// ProcessManager implements process.Manager with supervisord
type ProcessManager struct {
	opts      Options
	generator *ConfigGenerator

	mu    sync.Mutex
	procs map[string]*svprocess.Process
}

var _ process.Manager = (*ProcessManager)(nil)

// NewProcessManager creates a manager
func NewProcessManager(opts Options) *ProcessManager {
	return &ProcessManager{
		opts:      opts,
		generator: NewConfigGenerator(opts.RunDir, opts.StartSecs),
		procs:     make(map[string]*svprocess.Process),
	}
}

// Start writes the node's program section, loads it and starts the process.
// It returns once supervisord reports the process running.
func (m *ProcessManager) Start(ctx context.Context, spec topology.NodeSpec) (process.Handle, error) {
	if err := ctx.Err(); err != nil {
		return process.Handle{}, err
	}

	program := process.ProgramName(spec)

	if spec.DataDir != "" {
		if err := os.MkdirAll(spec.DataDir, 0755); err != nil {
			return process.Handle{}, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	configPath, err := m.generator.GenerateProgram(ProgramConfig{
		Name:      program,
		Command:   m.CommandArgs(spec),
		Directory: spec.DataDir,
	})
	if err != nil {
		return process.Handle{}, err
	}

	entry, err := loadProgram(configPath, program)
	if err != nil {
		return process.Handle{}, err
	}

	proc := svprocess.NewProcess(program, entry)

	m.mu.Lock()
	if existing, ok := m.procs[program]; ok && existing.GetState() == svprocess.Running {
		m.mu.Unlock()
		return process.Handle{}, fmt.Errorf("program %s is already running", program)
	}
	m.procs[program] = proc
	m.mu.Unlock()

	logger.WithNode(spec.Address()).Debugf("starting %s", program)
	proc.Start(true)

	if state := proc.GetState(); state != svprocess.Running {
		return process.Handle{}, fmt.Errorf("program %s is %v, see %s", program, state, m.generator.LogPath(program))
	}

	return process.Handle{Spec: spec, Program: program, PID: proc.GetPid()}, nil
}

// Stop sends the stop signal and waits for the process to exit
func (m *ProcessManager) Stop(ctx context.Context, h process.Handle) error {
	m.mu.Lock()
	proc, ok := m.procs[h.Program]
	m.mu.Unlock()

	if !ok {
		if h.PID > 0 && pidAlive(h.PID) {
			return unix.Kill(h.PID, unix.SIGINT)
		}
		return nil
	}

	logger.WithNode(h.Spec.Address()).Debugf("stopping %s", h.Program)

	done := make(chan struct{})
	go func() {
		proc.Stop(true)
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stopping %s: %w", h.Program, ctx.Err())
	}
}

// IsAlive reports whether the process is running
func (m *ProcessManager) IsAlive(h process.Handle) bool {
	m.mu.Lock()
	proc, ok := m.procs[h.Program]
	m.mu.Unlock()

	if ok {
		switch proc.GetState() {
		case svprocess.Running, svprocess.Starting, svprocess.Backoff:
			return true
		case svprocess.Stopped, svprocess.Exited, svprocess.Fatal:
			return false
		}
	}

	return h.PID > 0 && pidAlive(h.PID)
}

// StopAll stops every process this manager started
func (m *ProcessManager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	programs := make([]string, 0, len(m.procs))
	for name := range m.procs {
		programs = append(programs, name)
	}
	m.mu.Unlock()

	var errs []error
	for _, name := range programs {
		if err := m.Stop(ctx, process.Handle{Program: name}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func loadProgram(configPath, program string) (*config.Entry, error) {
	cfg := config.NewConfig(configPath)
	if _, err := cfg.Load(); err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", configPath, err)
	}

	for _, entry := range cfg.GetPrograms() {
		if entry.GetProgramName() == program {
			return entry, nil
		}
	}
	return nil, fmt.Errorf("program %s not found in %s", program, configPath)
}

func pidAlive(pid int) bool {
	// Signal 0 checks existence without delivering anything. EPERM means the
	// pid exists but belongs to someone else.
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

package simulation

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	driver "go.mongodb.org/mongo-driver/mongo"

	"github.com/zph/phil/pkg/mongo"
	"github.com/zph/phil/pkg/process"
	"github.com/zph/phil/pkg/topology"
)

const codeCommandNotFound = 59

// Simulator stands in for both the process manager and the driver. It
// records every operation and answers admin commands from an in-memory model
// of the cluster, so a whole bootstrap runs without touching the system.
type Simulator struct {
	config *Config
	state  *SimulationState
	model  *clusterModel
	mu     sync.RWMutex
}

var (
	_ process.Manager        = (*Simulator)(nil)
	_ mongo.CredentialDialer = (*Simulator)(nil)
)

// NewSimulator creates a simulator
func NewSimulator(config *Config) *Simulator {
	if config == nil {
		config = NewConfig()
	}
	return &Simulator{
		config: config,
		state:  NewSimulationState(),
		model:  newClusterModel(),
	}
}

// Config returns the simulator's configuration
func (s *Simulator) Config() *Config {
	return s.config
}

// GetOperations returns a copy of all recorded operations
func (s *Simulator) GetOperations() []Operation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ops := make([]Operation, len(s.state.Operations))
	copy(ops, s.state.Operations)
	return ops
}

// GetState returns the current simulation state
func (s *Simulator) GetState() *SimulationState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Count returns how many successful operations of opType hit target.
// An empty target matches every node.
func (s *Simulator) Count(opType, target string) int {
	n := 0
	for _, op := range s.GetOperations() {
		if op.Type == opType && op.Result == "success" && (target == "" || op.Target == target) {
			n++
		}
	}
	return n
}

// Attempts returns how many operations of opType hit target, failed or not
func (s *Simulator) Attempts(opType, target string) int {
	n := 0
	for _, op := range s.GetOperations() {
		if op.Type == opType && op.Target == target {
			n++
		}
	}
	return n
}

// Sequence returns the targets of successful operations of opType, in order
func (s *Simulator) Sequence(opType string) []string {
	var targets []string
	for _, op := range s.GetOperations() {
		if op.Type == opType && op.Result == "success" {
			targets = append(targets, op.Target)
		}
	}
	return targets
}

// ========== Process Operations ==========

// Start pretends to launch the node. Starting a node that is already
// running returns the existing process.
func (s *Simulator) Start(ctx context.Context, spec topology.NodeSpec) (process.Handle, error) {
	if err := ctx.Err(); err != nil {
		return process.Handle{}, err
	}

	addr := spec.Address()
	program := process.ProgramName(spec)

	s.mu.Lock()
	defer s.mu.Unlock()

	if shouldFail, failure := s.config.ShouldFail(OpStartProcess, addr); shouldFail {
		s.state.RecordFailure(OpStartProcess, addr, program, failure.Error)
		return process.Handle{}, errors.New(failure.Error)
	}

	if existing, ok := s.state.Processes[addr]; ok && existing.State == ProcessStateRunning {
		s.state.RecordOperation(OpStartProcess, addr, program+" (already running)")
		return process.Handle{Spec: spec, Program: program, PID: existing.PID}, nil
	}

	pid := s.state.AllocatePID()
	s.state.Processes[addr] = &SimulatedProcess{
		PID:       pid,
		Program:   program,
		Spec:      spec,
		State:     ProcessStateRunning,
		StartTime: time.Now(),
	}
	s.state.RecordOperation(OpStartProcess, addr, program)

	return process.Handle{Spec: spec, Program: program, PID: pid}, nil
}

// Stop pretends to stop the node
func (s *Simulator) Stop(ctx context.Context, h process.Handle) error {
	addr := h.Spec.Address()

	s.mu.Lock()
	defer s.mu.Unlock()

	if shouldFail, failure := s.config.ShouldFail(OpStopProcess, addr); shouldFail {
		s.state.RecordFailure(OpStopProcess, addr, h.Program, failure.Error)
		return errors.New(failure.Error)
	}

	if proc, ok := s.state.Processes[addr]; ok {
		proc.State = ProcessStateStopped
	}
	s.state.RecordOperation(OpStopProcess, addr, h.Program)
	return nil
}

// StopAll stops every running simulated process
func (s *Simulator) StopAll(ctx context.Context) error {
	s.mu.RLock()
	var handles []process.Handle
	for _, proc := range s.state.Processes {
		if proc.State == ProcessStateRunning {
			handles = append(handles, process.Handle{Spec: proc.Spec, Program: proc.Program, PID: proc.PID})
		}
	}
	s.mu.RUnlock()

	var errs []error
	for _, h := range handles {
		if err := s.Stop(ctx, h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// IsAlive reports whether the simulated process is running
func (s *Simulator) IsAlive(h process.Handle) bool {
	return s.running(h.Spec.Address())
}

func (s *Simulator) running(addr string) bool {
	if s.config.isDead(addr) {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	proc, ok := s.state.Processes[addr]
	return ok && proc.State == ProcessStateRunning
}

func (s *Simulator) role(addr string) (topology.Role, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	proc, ok := s.state.Processes[addr]
	if !ok {
		return "", false
	}
	return proc.Spec.Role, true
}

// ========== Driver Operations ==========

// Connect opens a simulated connection. It fails like a refused dial when
// no running process listens on the address.
func (s *Simulator) Connect(ctx context.Context, host string, port int) (mongo.Conn, error) {
	return s.connect(ctx, host, port, "")
}

// WithCredential returns a dialer whose connections are marked authenticated
func (s *Simulator) WithCredential(cred mongo.Credential) mongo.Dialer {
	return &credentialDialer{sim: s, user: cred.Username}
}

type credentialDialer struct {
	sim  *Simulator
	user string
}

func (d *credentialDialer) Connect(ctx context.Context, host string, port int) (mongo.Conn, error) {
	return d.sim.connect(ctx, host, port, d.user)
}

func (s *Simulator) connect(ctx context.Context, host string, port int, user string) (mongo.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	addr := topology.GetNodeID(host, port)
	details := ""
	if user != "" {
		details = "as " + user
	}

	if shouldFail, failure := s.config.ShouldFail(OpConnect, addr); shouldFail {
		s.record(OpConnect, addr, details, failure.Error)
		return nil, networkError("dial", failure.Error)
	}

	if !s.running(addr) {
		msg := fmt.Sprintf("connection refused: %s", addr)
		s.record(OpConnect, addr, details, msg)
		return nil, networkError("dial", msg)
	}

	s.record(OpConnect, addr, details, "")
	return &conn{sim: s, addr: addr, user: user}, nil
}

func (s *Simulator) record(opType, target, details, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if errMsg != "" {
		s.state.RecordFailure(opType, target, details, errMsg)
		return
	}
	s.state.RecordOperation(opType, target, details)
}

type conn struct {
	sim  *Simulator
	addr string
	// user is empty for unauthenticated connections
	user string
}

func (c *conn) RunAdminCommand(ctx context.Context, cmd bson.D) (bson.M, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	name := mongo.CommandName(cmd)
	details := describe(cmd)

	if shouldFail, failure := c.sim.config.ShouldFail(name, c.addr); shouldFail {
		c.sim.record(name, c.addr, details, failure.Error)
		if failure.Code != 0 {
			return nil, driver.CommandError{Code: int32(failure.Code), Message: failure.Error}
		}
		return nil, networkError("read", failure.Error)
	}

	reply, err := c.sim.handle(c.addr, c.user, name, cmd)
	if err != nil {
		c.sim.record(name, c.addr, details, err.Error())
		return nil, err
	}

	c.sim.record(name, c.addr, details, "")
	return reply, nil
}

// networkError fails like the socket under a real connection would
func networkError(op, msg string) error {
	return &net.OpError{Op: op, Net: "tcp", Err: errors.New(msg)}
}

func (c *conn) Close(ctx context.Context) error {
	return nil
}

// describe renders a command's arguments for the operation log
func describe(cmd bson.D) string {
	if len(cmd) == 0 {
		return ""
	}
	switch v := cmd[0].Value.(type) {
	case string:
		return v
	case bson.M:
		if id, ok := v["_id"]; ok {
			return fmt.Sprintf("%v", id)
		}
	}
	var parts []string
	for _, e := range cmd[1:] {
		if e.Key == "pwd" {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%v", e.Key, e.Value))
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}

package simulation

import (
	"fmt"
	"time"

	"github.com/zph/phil/pkg/topology"
)

// Operation types recorded besides admin command names
const (
	OpStartProcess = "start_process"
	OpStopProcess  = "stop_process"
	OpConnect      = "connect"
)

// Operation is one recorded interaction with a simulated process or node
type Operation struct {
	ID        string    `yaml:"id"`
	Type      string    `yaml:"type"`   // start_process, connect, or an admin command name
	Target    string    `yaml:"target"` // node address
	Details   string    `yaml:"details,omitempty"`
	Result    string    `yaml:"result"` // success, failure
	Error     string    `yaml:"error,omitempty"`
	Timestamp time.Time `yaml:"timestamp"`
}

// SimulatedProcess is a node process the simulator pretends to run
type SimulatedProcess struct {
	PID       int
	Program   string
	Spec      topology.NodeSpec
	State     ProcessState
	StartTime time.Time
}

// ProcessState represents the state of a simulated process
type ProcessState string

const (
	ProcessStateRunning ProcessState = "running"
	ProcessStateStopped ProcessState = "stopped"
)

// ConfiguredFailure makes matching operations fail. Target "*" matches every
// node. A non-zero Code turns the failure into a server error reply; without
// one it looks like a connectivity problem. Times limits how often the
// failure fires; zero means always.
type ConfiguredFailure struct {
	Operation string `yaml:"operation"`
	Target    string `yaml:"target"`
	Error     string `yaml:"error"`
	Code      int    `yaml:"code,omitempty"`
	Times     int    `yaml:"times,omitempty"`
}

// SimulationState is everything the simulator has recorded
type SimulationState struct {
	Operations []Operation
	StartTime  time.Time
	Processes  map[string]*SimulatedProcess
	NextPID    int
}

// NewSimulationState creates a new simulation state
func NewSimulationState() *SimulationState {
	return &SimulationState{
		Operations: make([]Operation, 0),
		StartTime:  time.Now(),
		Processes:  make(map[string]*SimulatedProcess),
		NextPID:    1000, // Start PIDs at 1000 to distinguish from real PIDs
	}
}

// RecordOperation adds a successful operation
func (s *SimulationState) RecordOperation(opType, target, details string) {
	s.Operations = append(s.Operations, Operation{
		ID:        generateOperationID(len(s.Operations)),
		Type:      opType,
		Target:    target,
		Details:   details,
		Result:    "success",
		Timestamp: time.Now(),
	})
}

// RecordFailure records a failed operation
func (s *SimulationState) RecordFailure(opType, target, details, errorMsg string) {
	s.Operations = append(s.Operations, Operation{
		ID:        generateOperationID(len(s.Operations)),
		Type:      opType,
		Target:    target,
		Details:   details,
		Result:    "failure",
		Error:     errorMsg,
		Timestamp: time.Now(),
	})
}

// AllocatePID returns the next available simulated PID
func (s *SimulationState) AllocatePID() int {
	pid := s.NextPID
	s.NextPID++
	return pid
}

func generateOperationID(index int) string {
	return fmt.Sprintf("op-%04d", index+1)
}

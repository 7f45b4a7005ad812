package bootstrap

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/zph/phil/pkg/topology"
)

// Outcome of a bootstrap step
type Outcome string

const (
	Applied Outcome = "applied"
	Skipped Outcome = "skipped"
	Failed  Outcome = "failed"
)

// NodeState is what is known about one node
type NodeState struct {
	Spec       topology.NodeSpec `yaml:"spec"`
	Started    bool              `yaml:"started"`
	Adopted    bool              `yaml:"adopted,omitempty"`
	Reachable  bool              `yaml:"reachable"`
	Configured bool              `yaml:"configured"`
	Stopped    bool              `yaml:"stopped,omitempty"`
	PID        int               `yaml:"pid,omitempty"`
}

// Step is one entry of the step log. Detail holds the error of a failed
// step or the reason a step was skipped.
type Step struct {
	Step    string    `yaml:"step"`
	Target  string    `yaml:"target"`
	Outcome Outcome   `yaml:"outcome"`
	Detail  string    `yaml:"detail,omitempty"`
	Time    time.Time `yaml:"time"`
}

// ClusterState records progress of a single bootstrap run. Node entries are
// updated in place and the step log is append-only; both under mu.
type ClusterState struct {
	mu    sync.Mutex
	runID string
	kind  topology.Kind
	order []string
	nodes map[string]*NodeState
	steps []Step
}

// NewClusterState creates an entry for every node of topo
func NewClusterState(topo *topology.Topology) *ClusterState {
	s := &ClusterState{runID: uuid.NewString(), kind: topo.Kind, nodes: make(map[string]*NodeState)}
	for _, n := range topo.Nodes() {
		addr := n.Address()
		s.order = append(s.order, addr)
		s.nodes[addr] = &NodeState{Spec: n}
	}
	return s
}

func (s *ClusterState) update(addr string, fn func(*NodeState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[addr]; ok {
		fn(n)
	}
}

func (s *ClusterState) markStarted(addr string, pid int, adopted bool) {
	s.update(addr, func(n *NodeState) {
		n.Started = true
		n.Adopted = adopted
		n.Stopped = false
		n.PID = pid
	})
}

func (s *ClusterState) markReachable(addr string) {
	s.update(addr, func(n *NodeState) { n.Reachable = true })
}

func (s *ClusterState) markConfigured(addrs ...string) {
	for _, addr := range addrs {
		s.update(addr, func(n *NodeState) { n.Configured = true })
	}
}

func (s *ClusterState) markStopped(addr string) {
	s.update(addr, func(n *NodeState) {
		n.Stopped = true
		n.Reachable = false
	})
}

func (s *ClusterState) record(step, target string, outcome Outcome, detail string) {
	entry := Step{Step: step, Target: target, Outcome: outcome, Detail: detail, Time: time.Now()}
	s.mu.Lock()
	s.steps = append(s.steps, entry)
	s.mu.Unlock()
}

// RunID identifies the bootstrap run in logs and reports
func (s *ClusterState) RunID() string {
	return s.runID
}

// Kind returns the topology kind the state was created for
func (s *ClusterState) Kind() topology.Kind {
	return s.kind
}

// Node returns a copy of one node's state
func (s *ClusterState) Node(addr string) (NodeState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[addr]
	if !ok {
		return NodeState{}, false
	}
	return *n, true
}

// Nodes returns copies of every node's state in start order
func (s *ClusterState) Nodes() []NodeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	nodes := make([]NodeState, 0, len(s.order))
	for _, addr := range s.order {
		nodes = append(nodes, *s.nodes[addr])
	}
	return nodes
}

// Steps returns a copy of the step log
func (s *ClusterState) Steps() []Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Step(nil), s.steps...)
}

// StepsFor returns the logged steps with the given name
func (s *ClusterState) StepsFor(step string) []Step {
	var out []Step
	for _, st := range s.Steps() {
		if st.Step == step {
			out = append(out, st)
		}
	}
	return out
}

// Converged reports whether every node is reachable and configured
func (s *ClusterState) Converged() bool {
	for _, n := range s.Nodes() {
		if !n.Reachable || !n.Configured {
			return false
		}
	}
	return len(s.order) > 0
}

type report struct {
	RunID     string        `yaml:"run_id"`
	Kind      topology.Kind `yaml:"kind"`
	Converged bool          `yaml:"converged"`
	Nodes     []NodeState   `yaml:"nodes"`
	Steps     []Step        `yaml:"steps"`
}

// Report renders the state as YAML
func (s *ClusterState) Report() ([]byte, error) {
	data, err := yaml.Marshal(report{
		RunID:     s.runID,
		Kind:      s.kind,
		Converged: s.Converged(),
		Nodes:     s.Nodes(),
		Steps:     s.Steps(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal cluster state: %w", err)
	}
	return data, nil
}

// WriteReport writes the YAML report to path
func (s *ClusterState) WriteReport(path string) error {
	data, err := s.Report()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

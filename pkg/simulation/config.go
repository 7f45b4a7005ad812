package simulation

import "sync"

// Config controls how the simulator answers
type Config struct {
	// ServerVersion is what buildInfo reports
	ServerVersion string

	// Failures for testing
	Failures []*ConfiguredFailure

	// DeadProcesses are node addresses whose process reports not alive
	// right after starting
	DeadProcesses map[string]bool

	// ExistingUsers are users that already exist, so createUser reports them
	ExistingUsers []string

	mu sync.Mutex
}

// NewConfig creates a new simulation configuration with sensible defaults
func NewConfig() *Config {
	return &Config{
		ServerVersion: "7.0.5",
		Failures:      make([]*ConfiguredFailure, 0),
		DeadProcesses: make(map[string]bool),
	}
}

// SetFailure makes every matching operation fail with a connectivity error
func (c *Config) SetFailure(operation, target, errorMsg string) {
	c.AddFailure(ConfiguredFailure{Operation: operation, Target: target, Error: errorMsg})
}

// SetCommandError makes every matching admin command reply with a server error
func (c *Config) SetCommandError(command, target string, code int, errorMsg string) {
	c.AddFailure(ConfiguredFailure{Operation: command, Target: target, Code: code, Error: errorMsg})
}

// AddFailure registers a configured failure
func (c *Config) AddFailure(f ConfiguredFailure) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Failures = append(c.Failures, &f)
}

// MarkDead makes the process at addr report not alive
func (c *Config) MarkDead(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.DeadProcesses[addr] = true
}

// ShouldFail checks if an operation should fail based on configuration.
// Failures limited by Times are consumed as they fire.
func (c *Config) ShouldFail(operation, target string) (bool, ConfiguredFailure) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, failure := range c.Failures {
		if failure.Operation != operation || (failure.Target != target && failure.Target != "*") {
			continue
		}
		if failure.Times < 0 {
			continue
		}
		if failure.Times > 0 {
			failure.Times--
			if failure.Times == 0 {
				failure.Times = -1
			}
		}
		return true, *failure
	}

	return false, ConfiguredFailure{}
}

func (c *Config) isDead(addr string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.DeadProcesses[addr]
}

func (c *Config) userExists(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, u := range c.ExistingUsers {
		if u == name {
			return true
		}
	}
	return false
}

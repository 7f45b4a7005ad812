package simulation

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/zph/phil/pkg/mongo"
)

// Scenario describes simulated server behavior loaded from YAML
type Scenario struct {
	ServerVersion string              `yaml:"server_version,omitempty"`
	Failures      []ConfiguredFailure `yaml:"failures,omitempty"`
	DeadProcesses []string            `yaml:"dead_processes,omitempty"`
	ExistingUsers []string            `yaml:"existing_users,omitempty"`
}

// ScenarioFile is the root structure of a scenario YAML file
type ScenarioFile struct {
	Simulation Scenario `yaml:"simulation"`
}

// LoadScenarioFromFile loads a simulation scenario from a YAML file
func LoadScenarioFromFile(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenarioFile ScenarioFile
	if err := yaml.Unmarshal(data, &scenarioFile); err != nil {
		return nil, fmt.Errorf("failed to parse scenario YAML: %w", err)
	}

	return &scenarioFile.Simulation, nil
}

// ApplyScenarioToConfig applies a scenario to a simulation config
func ApplyScenarioToConfig(scenario *Scenario, config *Config) {
	if scenario == nil {
		return
	}

	if scenario.ServerVersion != "" {
		config.ServerVersion = scenario.ServerVersion
	}
	for _, failure := range scenario.Failures {
		config.AddFailure(failure)
	}
	for _, addr := range scenario.DeadProcesses {
		config.MarkDead(addr)
	}

	config.mu.Lock()
	config.ExistingUsers = append(config.ExistingUsers, scenario.ExistingUsers...)
	config.mu.Unlock()
}

// LoadConfigWithScenario creates a new config with a scenario applied
func LoadConfigWithScenario(scenarioPath string) (*Config, error) {
	scenario, err := LoadScenarioFromFile(scenarioPath)
	if err != nil {
		return nil, err
	}

	config := NewConfig()
	ApplyScenarioToConfig(scenario, config)

	return config, nil
}

// SaveScenarioToFile saves a scenario to a YAML file
func SaveScenarioToFile(scenario *Scenario, path string) error {
	data, err := yaml.Marshal(ScenarioFile{Simulation: *scenario})
	if err != nil {
		return fmt.Errorf("failed to marshal scenario: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write scenario file: %w", err)
	}

	return nil
}

// GenerateScenarioTemplate creates a scenario for a common failure pattern
func GenerateScenarioTemplate(templateType string) *Scenario {
	switch templateType {
	case "port-conflict":
		return &Scenario{
			Failures: []ConfiguredFailure{
				{Operation: OpStartProcess, Target: "localhost:27017", Error: "port 27017 already in use"},
			},
		}

	case "unreachable-node":
		return &Scenario{
			Failures: []ConfiguredFailure{
				{Operation: OpConnect, Target: "localhost:27018", Error: "connection refused"},
			},
		}

	case "slow-election":
		return &Scenario{
			Failures: []ConfiguredFailure{
				{
					Operation: "replSetGetStatus",
					Target:    "*",
					Code:      mongo.CodeNotYetInitialized,
					Error:     "no replset config has been received",
					Times:     3,
				},
			},
		}

	case "legacy-server":
		return &Scenario{ServerVersion: "5.0.26"}

	default:
		return &Scenario{}
	}
}

package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/zph/phil/pkg/naming"
)

// ConfigGenerator writes one supervisord program section per node
type ConfigGenerator struct {
	confDir   string
	logDir    string
	startSecs int
}

// NewConfigGenerator creates a generator writing under runDir/conf and runDir/logs
func NewConfigGenerator(runDir string, startSecs int) *ConfigGenerator {
	if startSecs <= 0 {
		startSecs = 1
	}
	return &ConfigGenerator{
		confDir:   filepath.Join(runDir, "conf"),
		logDir:    filepath.Join(runDir, "logs"),
		startSecs: startSecs,
	}
}

// ProgramConfig is everything that goes into a [program:x] section
type ProgramConfig struct {
	Name      string
	Command   []string
	Directory string
}

// ConfigPath returns where a program's section is written
func (g *ConfigGenerator) ConfigPath(program string) string {
	return filepath.Join(g.confDir, naming.GetProgramConfigFileName(program))
}

// LogPath returns the file a program's output goes to
func (g *ConfigGenerator) LogPath(program string) string {
	return filepath.Join(g.logDir, naming.GetLogFileName(program))
}

// GenerateProgram writes the program section and returns its path
func (g *ConfigGenerator) GenerateProgram(prog ProgramConfig) (string, error) {
	if err := os.MkdirAll(g.confDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.MkdirAll(g.logDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create log directory: %w", err)
	}

	configPath := g.ConfigPath(prog.Name)
	file, err := os.Create(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to create program config file: %w", err)
	}
	defer file.Close()

	data := struct {
		Name      string
		Command   string
		Directory string
		LogFile   string
		StartSecs int
		HomeDir   string
		User      string
	}{
		Name:      prog.Name,
		Command:   joinCommand(prog.Command),
		Directory: prog.Directory,
		LogFile:   g.LogPath(prog.Name),
		StartSecs: g.startSecs,
		HomeDir:   os.Getenv("HOME"),
		User:      os.Getenv("USER"),
	}

	if err := programTemplate.Execute(file, data); err != nil {
		return "", fmt.Errorf("failed to write program config: %w", err)
	}

	return configPath, nil
}

// joinCommand quotes arguments containing whitespace so the supervisord
// command parser splits them back the same way
func joinCommand(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		if a == "" || strings.ContainsAny(a, " \t\"") {
			quoted[i] = `"` + strings.ReplaceAll(a, `"`, `\"`) + `"`
		} else {
			quoted[i] = a
		}
	}
	return strings.Join(quoted, " ")
}

var programTemplate = template.Must(template.New("program").Parse(`[program:{{.Name}}]
command = {{.Command}}
{{if .Directory}}directory = {{.Directory}}
{{end}}autostart = false
autorestart = unexpected
startsecs = {{.StartSecs}}
startretries = 0
stdout_logfile = {{.LogFile}}
redirect_stderr = true
stdout_logfile_maxbytes = 50MB
stdout_logfile_backups = 10
stopwaitsecs = 30
stopsignal = INT
environment = HOME="{{.HomeDir}}",USER="{{.User}}"
`))

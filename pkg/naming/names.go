package naming

import "fmt"

// GetProgramName returns the supervisor program name for a node process.
// This name is used by supervisor to identify and control the process.
//
// Examples:
//   - GetProgramName("mongod", 27017) returns "mongod-27017"
//   - GetProgramName("mongos", 27020) returns "mongos-27020"
func GetProgramName(binary string, port int) string {
	return fmt.Sprintf("%s-%d", binary, port)
}

// GetProgramConfigFileName returns the file holding a program's supervisor section.
//
// Example:
//   - GetProgramConfigFileName("mongod-27017") returns "mongod-27017.ini"
func GetProgramConfigFileName(program string) string {
	return fmt.Sprintf("%s.ini", program)
}

// GetLogFileName returns the log file a program's stdout and stderr go to.
//
// Example:
//   - GetLogFileName("mongos-27020") returns "mongos-27020.log"
func GetLogFileName(program string) string {
	return fmt.Sprintf("%s.log", program)
}

// GetDataDirName returns the directory name of a generated data directory
func GetDataDirName(id string) string {
	return "phil-mongodb-" + id
}

// GetKeyFileName returns the file name of a generated auth keyfile
func GetKeyFileName(id string) string {
	return "phil-keyfile-" + id
}

// GetRunDirName returns the directory holding generated program sections and logs
func GetRunDirName(id string) string {
	return "phil-run-" + id
}

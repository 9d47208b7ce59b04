package pjl

import "fmt"

// Variables are the scan counter names known to HP firmware, in the order
// they are tried.
var Variables = []string{"SCANCOUNT", "SCANCOUNTER", "SCANPAGES", "MFPSCANCOUNT"}

var (
	queryVerbs = []string{"INQUIRE", "INFO", "DINQUIRE"}
	setVerbs   = []string{"SET", "DEFAULT"}
)

// InfoCommand is one informational query and the key its reply is stored under.
type InfoCommand struct {
	Key     string
	Command string
}

// QueryCommands returns every counter query, verb-major.
func QueryCommands() []string {
	cmds := make([]string, 0, len(queryVerbs)*len(Variables))
	for _, verb := range queryVerbs {
		for _, name := range Variables {
			cmds = append(cmds, fmt.Sprintf("@PJL %s %s", verb, name))
		}
	}

	return cmds
}

// SetCommands returns every command that assigns value to a counter variable.
func SetCommands(value int) []string {
	cmds := make([]string, 0, len(setVerbs)*len(Variables))
	for _, verb := range setVerbs {
		for _, name := range Variables {
			cmds = append(cmds, fmt.Sprintf("@PJL %s %s=%d", verb, name, value))
		}
	}

	return cmds
}

// InfoCommands returns the fixed informational query set.
func InfoCommands() []InfoCommand {
	return []InfoCommand{
		{Key: "id", Command: "@PJL INFO ID"},
		{Key: "status", Command: "@PJL INFO STATUS"},
		{Key: "memory", Command: "@PJL INFO MEMORY"},
		{Key: "version", Command: "@PJL INFO VERSION"},
	}
}

// Package pipeline runs an ordered list of repository operations, the way
// a single filesync invocation does.
package pipeline

import (
	"regexp"
	"strconv"
	"time"

	"github.com/schaermu/filesync/internal/repository"
)

// Kind identifies an operation
type Kind int

const (
	List Kind = iota
	ListChanged
	Add
	Remove
	MarkUpToDate
	Create
	Sync
	ForceSync
	ChangeUser
	Help
)

var kindNames = map[Kind]string{
	List:         "list",
	ListChanged:  "list-changed",
	Add:          "add",
	Remove:       "remove",
	MarkUpToDate: "mark",
	Create:       "create",
	Sync:         "sync",
	ForceSync:    "force-sync",
	ChangeUser:   "change-user",
	Help:         "help",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

var sleepArg = regexp.MustCompile(`^sleep=(\d+)$`)

// Settings preset the answers of the create workflow. Empty fields are
// asked for interactively.
type Settings struct {
	Server   string
	HomeDir  string
	Protocol repository.Protocol
	User     string
}

// Operation is one step of a pipeline
type Operation struct {
	Kind Kind
	// Args are the operation's arguments, without duplicates.
	Args []string
	// Pace is the delay between files for Sync and ForceSync. Nil means
	// the configured default.
	Pace *time.Duration

	// Long renders List as a table.
	Long bool
	// Recursive makes Add descend into directories.
	Recursive bool
	// DryRun makes Sync and ForceSync report without transferring.
	DryRun bool
	// Settings preset Create.
	Settings Settings
}

// NewOperation creates an operation of kind k with args added through
// AddArg.
func NewOperation(k Kind, args ...string) Operation {
	op := Operation{Kind: k}
	for _, a := range args {
		op.AddArg(a)
	}
	return op
}

// AddArg attaches arg to the operation. For Sync and ForceSync an argument
// of the form sleep=N sets the pace in seconds instead.
func (o *Operation) AddArg(arg string) {
	if o.Kind == Sync || o.Kind == ForceSync {
		if m := sleepArg.FindStringSubmatch(arg); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				pace := time.Duration(n) * time.Second
				o.Pace = &pace
				return
			}
		}
	}
	for _, a := range o.Args {
		if a == arg {
			return
		}
	}
	o.Args = append(o.Args, arg)
}

// Plan is the result of parsing a legacy command line
type Plan struct {
	Operations []Operation
	Verbose    bool
	// Stray holds arguments given before the first operation. They are
	// ignored.
	Stray []string
}

var legacyFlags = map[string]Kind{
	"-l":     List,
	"-ll":    ListChanged,
	"-s":     Create,
	"-a":     Add,
	"-f":     MarkUpToDate,
	"-r":     Remove,
	"-c":     Sync,
	"-cc":    ForceSync,
	"-u":     ChangeUser,
	"-h":     Help,
	"--help": Help,
	"help":   Help,
}

// Parse builds a pipeline from the single-dash flag grammar, e.g.
// "-l -a foo -c sleep=2 -l". Every other argument attaches to the most
// recent operation.
func Parse(args []string) Plan {
	var plan Plan
	current := -1

	for _, arg := range args {
		if arg == "-v" {
			plan.Verbose = true
			continue
		}
		if k, ok := legacyFlags[arg]; ok {
			plan.Operations = append(plan.Operations, Operation{Kind: k})
			current = len(plan.Operations) - 1
			continue
		}
		if current < 0 {
			plan.Stray = append(plan.Stray, arg)
			continue
		}
		plan.Operations[current].AddArg(arg)
	}

	return plan
}

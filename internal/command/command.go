// Package command implements the Command Executor from spec.md §4.7:
// `!`-prefixed in-thread commands for status, session control, and
// restart/update.
//
// Grounded on the teacher's internal/telegraph/command.go Execute dispatch
// table and markdown table helpers, re-targeted from car/engine inventory
// commands to session/restart/update commands.
package command

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/earlbridge/earl/internal/registry"
)

// Command is a parsed `!`-prefixed message.
type Command struct {
	Name string
	Args []string
}

// Parse splits a raw message into a Command, or returns ok=false if text
// does not begin with `!` or has no word after it. Parse does not check the
// name against the known commands; Execute returns a nil Result for names
// it does not recognize.
func Parse(text string) (Command, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "!") {
		return Command{}, false
	}
	fields := strings.Fields(strings.TrimPrefix(text, "!"))
	if len(fields) == 0 {
		return Command{}, false
	}
	return Command{Name: strings.ToLower(fields[0]), Args: fields[1:]}, true
}

// Result is the outcome of Execute: Reply is text for the orchestrator to
// post back to the thread, and Passthrough, set by !escape, is text to
// forward as if the user had sent it directly. Execute returns a nil
// Result for an unrecognized command name.
type Result struct {
	Reply       string
	Passthrough string
}

// Killer aborts any in-flight streaming response for a thread and cleans up
// its per-thread resources; the executor stops the session itself through
// the registry. Implemented by the orchestrator; kept narrow here so
// command stays independent of the stream wiring details.
type Killer interface {
	KillThread(threadID string) error
}

// Restarter and Updater are invoked for !restart/!update. Both start a
// shutdown and return; on a nil error the executor replies to the thread,
// and a returned error means the operation failed to start.
type Restarter interface {
	Restart() error
}

type Updater interface {
	Update() error
}

// Executor dispatches recognized commands against the registry and the
// orchestrator-supplied Killer/Restarter/Updater.
type Executor struct {
	reg       *registry.Registry
	killer    Killer
	restarter Restarter
	updater   Updater

	mu      sync.Mutex
	workDir map[string]string // threadID -> cwd override
}

// New constructs an Executor. killer/restarter/updater may be nil; the
// corresponding commands then reply with an explanatory message instead
// of acting.
func New(reg *registry.Registry, killer Killer, restarter Restarter, updater Updater) *Executor {
	return &Executor{
		reg:       reg,
		killer:    killer,
		restarter: restarter,
		updater:   updater,
		workDir:   make(map[string]string),
	}
}

// WorkingDirFor returns the per-thread cwd override set by !cwd, or "" if
// none has been set.
func (e *Executor) WorkingDirFor(threadID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.workDir[threadID]
}

// Execute runs cmd in the context of threadID/channelID. Unknown command
// names are silently ignored (nil, nil), per spec.md §4.7.
func (e *Executor) Execute(cmd Command, threadID, channelID string) (*Result, error) {
	switch cmd.Name {
	case "help":
		return &Result{Reply: helpText}, nil

	case "status", "sessions":
		return e.status()

	case "stop", "kill":
		return e.stop(threadID)

	case "cwd":
		return e.cwd(threadID, cmd.Args)

	case "restart":
		return e.restart()

	case "update":
		return e.update()

	case "escape":
		if len(cmd.Args) == 0 {
			return &Result{Reply: "usage: !escape <text>"}, nil
		}
		return &Result{Passthrough: strings.Join(cmd.Args, " ")}, nil

	default:
		return nil, nil
	}
}

const helpText = "" +
	"Commands:\n" +
	"  !help               show this message\n" +
	"  !status / !sessions  list active and persisted sessions\n" +
	"  !stop / !kill        terminate this thread's session\n" +
	"  !cwd <path>          set this thread's working directory\n" +
	"  !restart             restart the bridge process\n" +
	"  !update              pull and restart on the latest build\n" +
	"  !escape <text>       forward <text> to the assistant verbatim"

func (e *Executor) status() (*Result, error) {
	summaries, err := e.reg.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("command: status: %w", err)
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].ThreadID < summaries[j].ThreadID })

	if len(summaries) == 0 {
		return &Result{Reply: "no sessions."}, nil
	}

	var b strings.Builder
	b.WriteString("| thread | state | turns | cost |\n")
	b.WriteString("|---|---|---|---|\n")
	for _, s := range summaries {
		state := "running"
		switch {
		case s.IsPaused:
			state = "paused"
		case !s.Alive:
			state = "stopped"
		}
		fmt.Fprintf(&b, "| %s | %s | %d | $%.4f |\n", s.ThreadID, state, s.TotalTurns, s.TotalCost)
	}
	return &Result{Reply: b.String()}, nil
}

func (e *Executor) stop(threadID string) (*Result, error) {
	if e.killer != nil {
		if err := e.killer.KillThread(threadID); err != nil {
			return &Result{Reply: fmt.Sprintf("stop failed: %v", err)}, nil
		}
	}
	if err := e.reg.StopSession(threadID); err != nil {
		return &Result{Reply: fmt.Sprintf("stop failed: %v", err)}, nil
	}
	return &Result{Reply: "session stopped."}, nil
}

func (e *Executor) cwd(threadID string, args []string) (*Result, error) {
	if len(args) == 0 {
		return &Result{Reply: "usage: !cwd <path>"}, nil
	}
	dir := strings.Join(args, " ")
	e.mu.Lock()
	e.workDir[threadID] = dir
	e.mu.Unlock()
	return &Result{Reply: fmt.Sprintf("working directory set to %s", dir)}, nil
}

func (e *Executor) restart() (*Result, error) {
	if e.restarter == nil {
		return &Result{Reply: "restart is not available."}, nil
	}
	if err := e.restarter.Restart(); err != nil {
		return &Result{Reply: fmt.Sprintf("restart failed: %v", err)}, nil
	}
	return &Result{Reply: "restarting…"}, nil
}

func (e *Executor) update() (*Result, error) {
	if e.updater == nil {
		return &Result{Reply: "update is not available."}, nil
	}
	if err := e.updater.Update(); err != nil {
		return &Result{Reply: fmt.Sprintf("update failed: %v", err)}, nil
	}
	return &Result{Reply: "updating…"}, nil
}

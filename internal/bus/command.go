// Package bus is the control-signal surface spec.md §6 describes: every
// operation an external collaborator (an HTTP handler, the CLI, the
// scheduler) can request against the ingestion core crosses this package
// as a Command, and every run.* notification the core emits crosses it as
// an Event. There is exactly one component set and one command set — the
// three run phases plus the enrichment queue — so both are closed enums
// here rather than free-form strings: a typo in a command name fails at
// compile time instead of surfacing as ErrUnknownCommand at runtime.
package bus

import (
	"fmt"
	"sync"
	"time"

	. "github.com/flyingrobots/blacklight/internal/logging"
)

// Component names one of the core's three long-running engines, or the
// enrichment queue an external backend drains.
type Component int

const (
	ComponentIndexer Component = iota
	ComponentMigration
	ComponentRetrieval
	ComponentEnrichment
)

func (c Component) String() string {
	switch c {
	case ComponentIndexer:
		return "indexer"
	case ComponentMigration:
		return "migration"
	case ComponentRetrieval:
		return "retrieval"
	case ComponentEnrichment:
		return "enrichment"
	default:
		return fmt.Sprintf("component(%d)", int(c))
	}
}

// CommandName is one of the run-phase control verbs spec.md §4.7's runtime
// state machine exposes (Start/Pause/Resume/Stop), plus the one
// retrieval-side query an enrichment backend polls.
type CommandName int

const (
	CmdStart CommandName = iota
	CmdPause
	CmdResume
	CmdStop
	CmdNeedsEnrichment
)

func (n CommandName) String() string {
	switch n {
	case CmdStart:
		return "start"
	case CmdPause:
		return "pause"
	case CmdResume:
		return "resume"
	case CmdStop:
		return "stop"
	case CmdNeedsEnrichment:
		return "needsEnrichment"
	default:
		return fmt.Sprintf("command(%d)", int(n))
	}
}

// Source identifies which collaborator issued a Command, for the audit
// trail spec.md §6 asks every control signal to carry.
type Source int

const (
	SourceUnknown Source = iota
	SourceHTTP
	SourceCLI
	SourceScheduler
	SourceSystem
)

func (s Source) String() string {
	switch s {
	case SourceHTTP:
		return "http"
	case SourceCLI:
		return "cli"
	case SourceScheduler:
		return "scheduler"
	case SourceSystem:
		return "system"
	default:
		return "unknown"
	}
}

// Command represents a request to a component (request/response pattern).
type Command struct {
	Component Component
	Name      CommandName
	Payload   any                  // e.g. bool for indexer/migration "start" (full vs incremental)
	Source    Source
	UserID    string               // who triggered it, for audit
	Result    chan<- CommandResult // nil for fire-and-forget
}

// CommandResult is the response from a command handler.
type CommandResult struct {
	Success bool
	Message string
	Data    any
	Error   error
}

// CommandHandler processes a command and returns a result.
type CommandHandler func(Command) CommandResult

type busError string

func (e busError) Error() string { return string(e) }

const (
	ErrTimeout        busError = "command timed out"
	ErrBusFull        busError = "command bus full"
	ErrNoHandler      busError = "no handler registered"
	ErrUnknownCommand busError = "unknown command"
)

// commandKey identifies one (component, command) pair in the registry.
type commandKey struct {
	component Component
	name      CommandName
}

var (
	commandBus               = make(chan Command, 100)
	commandDispatcherStarted sync.Once

	commandRegistry   = make(map[commandKey]CommandHandler)
	commandRegistryMu sync.RWMutex
)

// RegisterCommand adds a handler for a (component, command) pair.
// cmd/blacklightd registers Start/Pause/Resume/Stop handlers for the
// indexer and migration engines, and only NeedsEnrichment for retrieval.
func RegisterCommand(component Component, name CommandName, handler CommandHandler) {
	commandRegistryMu.Lock()
	defer commandRegistryMu.Unlock()

	commandRegistry[commandKey{component, name}] = handler
	L_debug("bus: command registered", "component", component, "command", name)
}

// UnregisterCommand removes a single handler.
func UnregisterCommand(component Component, name CommandName) {
	commandRegistryMu.Lock()
	defer commandRegistryMu.Unlock()
	delete(commandRegistry, commandKey{component, name})
}

// UnregisterComponent removes every handler registered for a component.
func UnregisterComponent(component Component) {
	commandRegistryMu.Lock()
	defer commandRegistryMu.Unlock()
	for k := range commandRegistry {
		if k.component == component {
			delete(commandRegistry, k)
		}
	}
}

// SendCommand sends a command and waits up to 30s for its result.
func SendCommand(component Component, name CommandName, payload any) CommandResult {
	return SendCommandWithSource(component, name, payload, SourceUnknown, "")
}

// SendCommandWithSource sends a command with source and user info attached.
func SendCommandWithSource(component Component, name CommandName, payload any, source Source, userID string) CommandResult {
	ensureCommandDispatcher()

	result := make(chan CommandResult, 1)
	cmd := Command{Component: component, Name: name, Payload: payload, Source: source, UserID: userID, Result: result}

	select {
	case commandBus <- cmd:
		select {
		case r := <-result:
			return r
		case <-time.After(30 * time.Second):
			return CommandResult{Error: ErrTimeout, Message: "command timed out"}
		}
	default:
		return CommandResult{Error: ErrBusFull, Message: "command bus full"}
	}
}

// SendCommandAsync sends a command without waiting for its result.
func SendCommandAsync(component Component, name CommandName, payload any) {
	SendCommandAsyncWithSource(component, name, payload, SourceUnknown, "")
}

// SendCommandAsyncWithSource sends a fire-and-forget command with source info.
func SendCommandAsyncWithSource(component Component, name CommandName, payload any, source Source, userID string) {
	ensureCommandDispatcher()

	cmd := Command{Component: component, Name: name, Payload: payload, Source: source, UserID: userID}
	select {
	case commandBus <- cmd:
	default:
		L_warn("bus: command dropped (bus full)", "component", component, "command", name)
	}
}

func ensureCommandDispatcher() {
	commandDispatcherStarted.Do(func() {
		go runCommandDispatcher()
		L_debug("bus: command dispatcher started")
	})
}

func runCommandDispatcher() {
	for cmd := range commandBus {
		dispatchCommand(cmd)
	}
}

func dispatchCommand(cmd Command) {
	L_info("bus: command dispatch", "component", cmd.Component, "command", cmd.Name, "source", cmd.Source, "user", cmd.UserID)

	commandRegistryMu.RLock()
	handler, ok := commandRegistry[commandKey{cmd.Component, cmd.Name}]
	commandRegistryMu.RUnlock()

	var result CommandResult
	switch {
	case !ok && !hasAnyHandler(cmd.Component):
		result = CommandResult{
			Error:   fmt.Errorf("%w: %s", ErrNoHandler, cmd.Component),
			Message: fmt.Sprintf("component %q not available (service not running?)", cmd.Component),
		}
	case !ok:
		result = CommandResult{
			Error:   fmt.Errorf("%w: %s.%s", ErrUnknownCommand, cmd.Component, cmd.Name),
			Message: fmt.Sprintf("unknown command %q for component %q", cmd.Name, cmd.Component),
		}
	default:
		result = handler(cmd)
	}

	if cmd.Result != nil {
		select {
		case cmd.Result <- result:
		default:
			L_warn("bus: result channel full/closed", "component", cmd.Component, "command", cmd.Name)
		}
	}
}

func hasAnyHandler(component Component) bool {
	commandRegistryMu.RLock()
	defer commandRegistryMu.RUnlock()
	for k := range commandRegistry {
		if k.component == component {
			return true
		}
	}
	return false
}

// HasCommandHandler reports whether a handler is registered for the pair.
func HasCommandHandler(component Component, name CommandName) bool {
	commandRegistryMu.RLock()
	defer commandRegistryMu.RUnlock()
	_, ok := commandRegistry[commandKey{component, name}]
	return ok
}

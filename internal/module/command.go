package module

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"strings"

	"github.com/nerrad567/gray-logic-hub/internal/bus"
)

// Call is what a command handler receives.
type Call struct {
	// Params holds the sent parameters merged over the optional defaults.
	Params map[string]any

	// Sender is the sending module. Set only for commands with WantsSender.
	Sender string
}

// String returns the named parameter as a string, or "" when absent or not a string.
func (c Call) String(name string) string {
	s, _ := c.Params[name].(string)
	return s
}

// Bool returns the named parameter as a bool, or false when absent or not a bool.
func (c Call) Bool(name string) bool {
	b, _ := c.Params[name].(bool)
	return b
}

// Handler runs one command. The returned value becomes the response data.
type Handler func(ctx context.Context, call Call) (any, error)

// Command describes one command a module accepts.
type Command struct {
	Name        string
	Handler     Handler
	Required    []string
	Optional    map[string]any
	WantsSender bool
}

// CommandTable maps normalised command names to their definitions.
type CommandTable map[string]Command

// NewCommandTable builds a table from cmds. Names are case-insensitive.
func NewCommandTable(cmds ...Command) (CommandTable, error) {
	table := make(CommandTable, len(cmds))
	for _, cmd := range cmds {
		name := strings.ToLower(strings.TrimSpace(cmd.Name))
		if name == "" {
			return nil, fmt.Errorf("%w: empty name", ErrInvalidCommand)
		}
		if cmd.Handler == nil {
			return nil, fmt.Errorf("%w: %s has no handler", ErrInvalidCommand, name)
		}
		if _, dup := table[name]; dup {
			return nil, fmt.Errorf("%w: %s defined twice", ErrInvalidCommand, name)
		}
		cmd.Name = name
		table[name] = cmd
	}
	return table, nil
}

// MustCommandTable is like NewCommandTable but panics on error.
// Use it for tables built from literals at package init.
func MustCommandTable(cmds ...Command) CommandTable {
	table, err := NewCommandTable(cmds...)
	if err != nil {
		panic(err)
	}
	return table
}

// Names returns the command names, sorted.
func (t CommandTable) Names() []string {
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch validates req against the table and runs the handler.
// Missing required parameters are reported before the handler is invoked.
func (t CommandTable) Dispatch(ctx context.Context, req bus.Request) (any, error) {
	cmd, ok := t[strings.ToLower(req.Command)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, req.Command)
	}

	var missing []string
	for _, name := range cmd.Required {
		if _, ok := req.Params[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, &MissingParametersError{Names: missing}
	}

	params := make(map[string]any, len(cmd.Optional)+len(req.Params))
	maps.Copy(params, cmd.Optional)
	maps.Copy(params, req.Params)

	call := Call{Params: params}
	if cmd.WantsSender {
		call.Sender = req.From
	}
	return cmd.Handler(ctx, call)
}

// ResponseFor converts a handler outcome into a bus response.
// An *InfoError is an informational, non-error response; any other error is
// an error response carrying its text.
func ResponseFor(result any, err error) bus.Response {
	if err == nil {
		return bus.Response{Data: result}
	}
	var info *InfoError
	if errors.As(err, &info) {
		return bus.Response{Message: info.Message, Data: result}
	}
	return bus.Response{Error: true, Message: err.Error()}
}

package task

import (
	"fmt"
	"strings"
)

// CommandKind discriminates the Command union.
type CommandKind string

const (
	CommandShell    CommandKind = "shell"
	CommandFile     CommandKind = "file"
	CommandInternal CommandKind = "internal"
)

// FileOp is the operation of a file command.
type FileOp string

const (
	FileRead   FileOp = "read"
	FileWrite  FileOp = "write"
	FileDelete FileOp = "delete"
	FileExists FileOp = "exists"
)

// Command is a tagged union decided at construction time. Step commands are
// typed exactly once, when the detailing phase assembles steps; execution
// never re-infers the kind from string prefixes.
type Command struct {
	Kind CommandKind `json:"kind"`

	// Shell
	Line string `json:"line,omitempty"`

	// File
	Op      FileOp `json:"op,omitempty"`
	Path    string `json:"path,omitempty"`
	Content string `json:"content,omitempty"`

	// Internal
	Action string `json:"action,omitempty"`
}

// NewShellCommand builds a shell command.
func NewShellCommand(line string) *Command {
	return &Command{Kind: CommandShell, Line: line}
}

// NewFileCommand builds a file command.
func NewFileCommand(op FileOp, path, content string) *Command {
	return &Command{Kind: CommandFile, Op: op, Path: path, Content: content}
}

// NewInternalCommand builds an internal no-op marker command.
func NewInternalCommand(action string) *Command {
	return &Command{Kind: CommandInternal, Action: action}
}

// String renders the command for logging and safety classification.
func (c *Command) String() string {
	switch c.Kind {
	case CommandShell:
		return c.Line
	case CommandFile:
		if c.Op == FileWrite {
			return fmt.Sprintf("file:%s:%s (%d bytes)", c.Op, c.Path, len(c.Content))
		}
		return fmt.Sprintf("file:%s:%s", c.Op, c.Path)
	case CommandInternal:
		return "internal:" + c.Action
	}
	return "<invalid command>"
}

// Category maps the command onto its broad effect class, used to decide
// whether a snapshot is taken before execution.
func (c *Command) Category() CommandCategory {
	switch c.Kind {
	case CommandFile:
		switch c.Op {
		case FileWrite:
			return CategoryWrite
		case FileDelete:
			return CategoryDelete
		default:
			return CategoryRead
		}
	case CommandShell:
		return CategoryExecute
	default:
		return CategoryRead
	}
}

// ParseCommandSpec converts the legacy prefix convention used in planner
// output ("file:op:path[:content]", "internal:action", anything else shell)
// into a typed Command. Called once at detailing time.
func ParseCommandSpec(spec string) (*Command, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("empty command spec")
	}

	switch {
	case strings.HasPrefix(spec, "file:"):
		parts := strings.SplitN(strings.TrimPrefix(spec, "file:"), ":", 3)
		if len(parts) < 2 || parts[1] == "" {
			return nil, fmt.Errorf("file command needs op and path: %q", spec)
		}
		op := FileOp(parts[0])
		switch op {
		case FileRead, FileWrite, FileDelete, FileExists:
		default:
			return nil, fmt.Errorf("unknown file op %q", parts[0])
		}
		content := ""
		if len(parts) == 3 {
			content = parts[2]
		}
		return NewFileCommand(op, parts[1], content), nil

	case strings.HasPrefix(spec, "internal:"):
		action := strings.TrimPrefix(spec, "internal:")
		if action == "" {
			return nil, fmt.Errorf("internal command needs an action: %q", spec)
		}
		return NewInternalCommand(action), nil

	default:
		return NewShellCommand(spec), nil
	}
}

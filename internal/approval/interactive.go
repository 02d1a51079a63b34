package approval

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/manifoldco/promptui"
	"golang.org/x/term"

	"otto/internal/logging"
)

// InteractiveApprover prompts on the terminal. When stdin is not a TTY it
// resolves nothing and lets the request fall through to its timeout deny.
type InteractiveApprover struct {
	colorEnabled bool
	logger       logging.Logger

	// isTerminal is swappable for tests.
	isTerminal func() bool
}

// NewInteractiveApprover creates a terminal-backed approver.
func NewInteractiveApprover(colorEnabled bool, logger logging.Logger) *InteractiveApprover {
	return &InteractiveApprover{
		colorEnabled: colorEnabled,
		logger:       logging.OrNop(logger),
		isTerminal: func() bool {
			return term.IsTerminal(int(os.Stdin.Fd()))
		},
	}
}

// Prompt displays the request and resolves it from the user's choice.
func (a *InteractiveApprover) Prompt(req *Request) {
	if !a.isTerminal() {
		a.logger.Warn("stdin is not a terminal, approval %s awaits external resolution", req.ID)
		return
	}

	a.display(req)

	prompt := promptui.Select{
		Label: "Approve this step",
		Items: []string{"Yes, run it", "No, skip it"},
	}
	idx, _, err := prompt.Run()
	if err != nil {
		req.Resolve(false, "prompt aborted: "+err.Error())
		return
	}
	if idx == 0 {
		req.Resolve(true, "approved by user")
	} else {
		req.Resolve(false, "rejected by user")
	}
}

func (a *InteractiveApprover) display(req *Request) {
	separator := strings.Repeat("=", 72)

	fmt.Println()
	fmt.Println(a.colorize(separator, color.FgCyan))
	fmt.Println(a.colorize("Approval required: "+req.Summary, color.FgYellow, color.Bold))
	if req.Command != "" {
		fmt.Println(a.colorize("Command: ", color.FgCyan) + req.Command)
	}
	if req.TaskID != "" {
		fmt.Println(a.colorize("Task:    ", color.FgCyan) + req.TaskID)
	}
	if req.Diff != "" {
		fmt.Println(a.colorize("Changes:", color.FgCyan))
		fmt.Println(req.Diff)
	}
	fmt.Println(a.colorize(separator, color.FgCyan))
}

func (a *InteractiveApprover) colorize(text string, attributes ...color.Attribute) string {
	if !a.colorEnabled {
		return text
	}
	return color.New(attributes...).Sprint(text)
}

// AutoApprover approves everything. Used in auto-approve mode and tests.
type AutoApprover struct{}

func (AutoApprover) Prompt(req *Request) {
	req.Resolve(true, "auto-approved")
}

// DenyApprover rejects everything. Used in safe mode dry runs and tests.
type DenyApprover struct {
	Reason string
}

func (d DenyApprover) Prompt(req *Request) {
	reason := d.Reason
	if reason == "" {
		reason = "denied by policy"
	}
	req.Resolve(false, reason)
}

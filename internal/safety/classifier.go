// Package safety classifies commands before execution. A static denylist
// always wins; an LLM-assisted intent analysis refines everything the
// denylist does not catch. Classification results are cached per command
// string for the lifetime of the process.
package safety

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"otto/internal/errors"
	"otto/internal/llm"
	"otto/internal/logging"
	"otto/internal/parser"
	"otto/internal/task"
)

// denylistPattern pairs a compiled pattern with the reason reported when it
// matches. Matching any of these is final: no LLM verdict can downgrade it.
type denylistPattern struct {
	pattern *regexp.Regexp
	reason  string
}

var denylist = []denylistPattern{
	{regexp.MustCompile(`(?i)rm\s+(-[a-z]*\s+)*(-rf?|-fr?)\s+/\s*($|;|&)`), "recursive delete of filesystem root"},
	{regexp.MustCompile(`(?i)rm\s+-rf?\s+/\*`), "recursive delete of filesystem root"},
	{regexp.MustCompile(`(?i)\bmkfs(\.\w+)?\b`), "filesystem format"},
	{regexp.MustCompile(`(?i)^(sudo\s+)?format\s+[a-z]:`), "disk format"},
	{regexp.MustCompile(`(?i)\bdd\s+[^|;]*of=/dev/(sd|hd|nvme|disk)`), "raw write to block device"},
	{regexp.MustCompile(`:\(\)\s*\{\s*:\|:&\s*\}\s*;:`), "fork bomb"},
	{regexp.MustCompile(`(?i)chmod\s+(-[a-z]+\s+)*777\s+/\s*($|;|&)`), "world-writable filesystem root"},
	{regexp.MustCompile(`(?i)\b(shutdown|reboot|halt|poweroff)\b`), "host power control"},
	{regexp.MustCompile(`(?i)>\s*/dev/(sd|hd|nvme)`), "redirect onto block device"},
	{regexp.MustCompile(`(?i)\bcurl\b[^|;]*\|\s*(sudo\s+)?(ba)?sh`), "pipe remote script into shell"},
	{regexp.MustCompile(`(?i)\bwget\b[^|;]*\|\s*(sudo\s+)?(ba)?sh`), "pipe remote script into shell"},
}

// Denylisted reports whether the command matches a static dangerous pattern,
// along with the reason.
func Denylisted(command string) (bool, string) {
	trimmed := strings.TrimSpace(command)
	for _, entry := range denylist {
		if entry.pattern.MatchString(trimmed) {
			return true, entry.reason
		}
	}
	return false, ""
}

// Classifier combines the static denylist with LLM-assisted intent analysis.
type Classifier struct {
	client llm.Client
	cache  *lru.Cache[string, *task.CommandIntent]
	logger logging.Logger
}

// NewClassifier creates a Classifier. cacheSize bounds the intent cache;
// values below 1 default to 256 entries.
func NewClassifier(client llm.Client, cacheSize int, logger logging.Logger) (*Classifier, error) {
	if cacheSize < 1 {
		cacheSize = 256
	}
	cache, err := lru.New[string, *task.CommandIntent](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create intent cache: %w", err)
	}
	return &Classifier{
		client: client,
		cache:  cache,
		logger: logging.OrNop(logger),
	}, nil
}

const intentSystemPrompt = `You are a command safety analyst. Given a shell command, respond with ONLY a JSON object of this shape:
{
  "purpose": "one-line description of what the command does",
  "category": "read|write|execute|delete|network",
  "targetResources": ["paths or hosts the command touches"],
  "estimatedRisk": "safe|caution|danger|forbidden",
  "alternatives": ["safer alternatives, if any"]
}
Classify destructive or irreversible operations as danger, and operations that should never run (disk formats, root deletion, credential exfiltration) as forbidden.`

// AnalyzeCommandIntent asks the LLM collaborator to classify a command.
// Parse failures degrade to a caution-level intent rather than failing the
// step; the degradation is logged so it stays visible.
func (c *Classifier) AnalyzeCommandIntent(ctx context.Context, command string) (*task.CommandIntent, error) {
	if cached, ok := c.cache.Get(command); ok {
		return cached, nil
	}

	resp, err := c.client.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.Message{
			llm.SystemMessage(intentSystemPrompt),
			llm.UserMessage("Command: " + command),
		},
		Temperature: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("intent analysis: %w", err)
	}

	var intent task.CommandIntent
	if err := parser.DecodeInto(resp.Content, &intent); err != nil {
		c.logger.Warn("intent response unparseable, degrading to caution: %v", err)
		intent = task.CommandIntent{
			Purpose:       "unclassified command",
			Category:      task.CategoryExecute,
			EstimatedRisk: task.SafetyCaution,
		}
	}
	if intent.EstimatedRisk == "" {
		intent.EstimatedRisk = task.SafetyCaution
	}

	c.cache.Add(command, &intent)
	return &intent, nil
}

// CheckSafety classifies a command against the step's declared safety level.
// Returns the intent when the command may proceed; returns a
// SafetyViolationError when the command is denylisted, classified forbidden,
// or classified stricter than declared.
func (c *Classifier) CheckSafety(ctx context.Context, command string, declared task.SafetyLevel) (*task.CommandIntent, error) {
	if hit, reason := Denylisted(command); hit {
		return nil, &errors.SafetyViolationError{
			Command: command,
			Level:   string(task.SafetyForbidden),
			Reason:  "denylisted: " + reason,
		}
	}

	intent, err := c.AnalyzeCommandIntent(ctx, command)
	if err != nil {
		// The collaborator being unreachable must not let dangerous commands
		// through unchecked: treat as caution and compare against declared.
		c.logger.Warn("intent analysis unavailable for %q: %v", command, err)
		intent = &task.CommandIntent{
			Purpose:       "unclassified command",
			Category:      task.CategoryExecute,
			EstimatedRisk: task.SafetyCaution,
		}
	}

	if intent.EstimatedRisk == task.SafetyForbidden {
		return nil, &errors.SafetyViolationError{
			Command: command,
			Level:   string(task.SafetyForbidden),
			Reason:  "classified forbidden: " + intent.Purpose,
		}
	}
	if intent.EstimatedRisk.StricterThan(declared) {
		return nil, &errors.SafetyViolationError{
			Command:  command,
			Level:    string(intent.EstimatedRisk),
			Declared: string(declared),
		}
	}
	return intent, nil
}

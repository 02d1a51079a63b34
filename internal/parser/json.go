// Package parser extracts structured JSON from free-text LLM responses.
//
// Models routinely wrap JSON in markdown fences, prepend prose, or emit
// slightly malformed documents (trailing commas, single quotes). Extraction is
// layered: fenced block first, then the first balanced object, then a repair
// pass via jsonrepair before giving up.
package parser

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

var fencedBlockPattern = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// ErrNoJSON is returned when no candidate JSON document is found at all.
var ErrNoJSON = errors.New("no JSON document found in response")

// ExtractJSON returns the best JSON candidate found in content.
// The candidate is not guaranteed to parse; see DecodeInto.
func ExtractJSON(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", ErrNoJSON
	}

	if m := fencedBlockPattern.FindStringSubmatch(content); m != nil {
		if candidate := strings.TrimSpace(m[1]); candidate != "" {
			return candidate, nil
		}
	}

	if candidate, ok := firstBalancedObject(content); ok {
		return candidate, nil
	}

	// Whole response might already be a bare array or object fragment.
	if strings.HasPrefix(content, "{") || strings.HasPrefix(content, "[") {
		return content, nil
	}

	return "", ErrNoJSON
}

// DecodeInto extracts JSON from content and unmarshals it into v, attempting
// a jsonrepair pass when strict decoding fails.
func DecodeInto(content string, v any) error {
	candidate, err := ExtractJSON(content)
	if err != nil {
		return err
	}

	if err := json.Unmarshal([]byte(candidate), v); err == nil {
		return nil
	}

	repaired, repairErr := jsonrepair.JSONRepair(candidate)
	if repairErr != nil {
		return errors.Join(errors.New("JSON decode failed and repair was not possible"), repairErr)
	}
	if err := json.Unmarshal([]byte(repaired), v); err != nil {
		return err
	}
	return nil
}

// firstBalancedObject scans for the first top-level {...} block, tracking
// string literals so braces inside strings do not unbalance the count.
func firstBalancedObject(content string) (string, bool) {
	start := strings.IndexByte(content, '{')
	if start == -1 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(content); i++ {
		c := content[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return content[start : i+1], true
			}
		}
	}
	// Unterminated object: return the tail and let the repair pass close it.
	return content[start:], true
}

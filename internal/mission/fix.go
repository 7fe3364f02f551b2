package mission

import (
	"encoding/json"
	"strings"
)

// FixAssignment is one lead-issued fix: which worker runs what.
type FixAssignment struct {
	AgentID string `json:"agentId"`
	Task    string `json:"task"`
}

// parseFixAssignments extracts fix assignments from the lead's response.
// The lead may wrap the JSON array in prose; the first [...] substring is
// taken and parsed permissively. Assignments naming unknown workers are
// dropped. Parsing never fails to the caller; garbage degrades to no fixes.
func parseFixAssignments(response string, workerIDs []string) []FixAssignment {
	raw := extractJSONArray(response)
	if raw == "" {
		return nil
	}

	var parsed []FixAssignment
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil
	}

	known := make(map[string]bool, len(workerIDs))
	for _, id := range workerIDs {
		known[id] = true
	}

	var out []FixAssignment
	for _, a := range parsed {
		if a.AgentID == "" || a.Task == "" || !known[a.AgentID] {
			continue
		}
		out = append(out, a)
	}
	return out
}

// extractJSONArray returns the first balanced [...] substring, or "".
func extractJSONArray(s string) string {
	start := strings.Index(s, "[")
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
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
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

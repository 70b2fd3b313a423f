package driver

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrUnparseable = errors.New("agent reply could not be parsed")

// stripFences removes a leading/trailing markdown code fence so replies like
// ```json\n{...}\n``` parse cleanly.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.Index(s, "\n"); i >= 0 {
		s = s[i+1:] // drop the language tag line
	}
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// firstJSONObject extracts the first balanced {...} block, tolerating prose
// around it. Returns "" when no object is found.
func firstJSONObject(s string) string {
	start := strings.Index(s, "{")
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return s[start : i+1]
				}
			}
		}
	}
	return ""
}

// matrixReply is the structured part of a negotiation turn: a public
// message, the updated row, and the mandatory reasoning.
type matrixReply struct {
	Message     string    `json:"message"`
	Explanation string    `json:"explanation"`
	Row         []float64 `json:"matrix_row"`
}

// parseMatrixReply parses a negotiation reply and checks the row width.
func parseMatrixReply(raw string, n int) (matrixReply, error) {
	obj := firstJSONObject(stripFences(raw))
	if obj == "" {
		return matrixReply{}, fmt.Errorf("%w: no JSON object in reply", ErrUnparseable)
	}
	var r matrixReply
	if err := json.Unmarshal([]byte(obj), &r); err != nil {
		return matrixReply{}, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	if len(r.Row) != 4*n {
		return matrixReply{}, fmt.Errorf("%w: matrix_row has %d cells, want %d", ErrUnparseable, len(r.Row), 4*n)
	}
	return r, nil
}

type allocationReply struct {
	Allocation map[string]int `json:"allocation"`
	Reasoning  string         `json:"reasoning"`
}

// parseAllocationReply parses {"allocation": {"id": pct, ...}} replies, used
// for both free-form proposals and votes.
func parseAllocationReply(raw string) (map[string]int, error) {
	obj := firstJSONObject(stripFences(raw))
	if obj == "" {
		return nil, fmt.Errorf("%w: no JSON object in reply", ErrUnparseable)
	}
	var r allocationReply
	if err := json.Unmarshal([]byte(obj), &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	if len(r.Allocation) == 0 {
		return nil, fmt.Errorf("%w: empty allocation", ErrUnparseable)
	}
	return r.Allocation, nil
}

// normalizeAllocation restricts an allocation to the given roster and fixes
// the total to exactly 100. Returns false when nothing usable remains.
func normalizeAllocation(alloc map[string]int, roster []string) (map[string]int, bool) {
	out := make(map[string]int, len(roster))
	total := 0
	for _, id := range roster {
		v := alloc[id]
		if v < 0 {
			v = 0
		}
		out[id] = v
		total += v
	}
	if total == 0 {
		return nil, false
	}
	if total == 100 {
		return out, true
	}
	// Rescale and pin the largest share so the sum lands on 100.
	scaled := 0
	largest := roster[0]
	for _, id := range roster {
		out[id] = out[id] * 100 / total
		scaled += out[id]
		if out[id] > out[largest] {
			largest = id
		}
	}
	out[largest] += 100 - scaled
	if out[largest] < 0 {
		return nil, false
	}
	return out, true
}

package review

import (
	"encoding/json"
	"fmt"
	"strings"
)

// extractJSON pulls the first balanced JSON array or object out of an LLM
// response. Models wrap JSON in code fences and surround it with prose; both
// are tolerated. Returns an error only when no balanced JSON is present.
func extractJSON(response string) (string, error) {
	s := stripFences(response)

	start := -1
	for i, r := range s {
		if r == '[' || r == '{' {
			start = i
			break
		}
	}
	if start < 0 {
		return "", fmt.Errorf("no JSON found in response")
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
		case '[', '{':
			depth++
		case ']', '}':
			depth--
			if depth == 0 {
				return s[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("unbalanced JSON in response")
}

// stripFences removes Markdown code-fence lines, keeping everything between
// them.
func stripFences(s string) string {
	if !strings.Contains(s, "```") {
		return s
	}
	var sb strings.Builder
	for _, line := range strings.Split(s, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			continue
		}
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	return sb.String()
}

// decodeInstructions parses an analyzer response into instructions, dropping
// malformed or incomplete elements. A response with no parseable JSON yields
// nil and ok=false so the caller can note the degradation.
func decodeInstructions(response string) ([]Instruction, bool) {
	raw, err := extractJSON(response)
	if err != nil {
		return nil, false
	}

	// A single object is accepted as a one-element list.
	if strings.HasPrefix(raw, "{") {
		raw = "[" + raw + "]"
	}

	var loose []map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &loose); err != nil {
		return nil, false
	}

	instructions := make([]Instruction, 0, len(loose))
	for _, el := range loose {
		var inst Instruction
		if v, ok := el["subtitle"]; ok {
			json.Unmarshal(v, &inst.Subtitle)
		}
		if v, ok := el["suggestion"]; ok {
			json.Unmarshal(v, &inst.Suggestion)
		}
		if strings.TrimSpace(inst.Subtitle) == "" || strings.TrimSpace(inst.Suggestion) == "" {
			continue
		}
		instructions = append(instructions, inst)
	}
	return instructions, true
}

// decodeClaims parses the evidence analyzer response, dropping elements
// without claim text. Missing claim IDs are filled in positionally.
func decodeClaims(response string) ([]UnsupportedClaim, bool) {
	raw, err := extractJSON(response)
	if err != nil {
		return nil, false
	}
	if strings.HasPrefix(raw, "{") {
		raw = "[" + raw + "]"
	}

	var claims []UnsupportedClaim
	if err := json.Unmarshal([]byte(raw), &claims); err != nil {
		return nil, false
	}

	kept := claims[:0]
	for i, c := range claims {
		if strings.TrimSpace(c.ClaimText) == "" {
			continue
		}
		if c.ClaimID == "" {
			c.ClaimID = fmt.Sprintf("claim-%d", i+1)
		}
		if c.Confidence < 0 {
			c.Confidence = 0
		}
		if c.Confidence > 1 {
			c.Confidence = 1
		}
		kept = append(kept, c)
	}
	return kept, true
}

// cleanSectionBody post-processes a modifier LLM response: fences are
// stripped and any leading heading lines removed, the rebuilder owns
// headings.
func cleanSectionBody(response string) string {
	s := strings.TrimSpace(stripFences(response))
	lines := strings.Split(s, "\n")
	start := 0
	for start < len(lines) {
		trimmed := strings.TrimSpace(lines[start])
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			start++
			continue
		}
		break
	}
	return strings.TrimSpace(strings.Join(lines[start:], "\n"))
}

package handoff

import (
	"strings"

	"gopkg.in/yaml.v3"
)

// Parsed is the outcome of ParseHandoff: exactly one of V2 or Prose is
// populated.
type Parsed struct {
	V2    *HandoffV2
	Prose string
}

// IsTyped reports whether the typed schema parsed successfully.
func (p Parsed) IsTyped() bool { return p.V2 != nil }

// ParseHandoff attempts the typed schema first — YAML frontmatter, or a
// pure-YAML body beginning with "version:" — and falls back to treating
// the whole content as prose when the typed parse fails or the version
// does not match.
func ParseHandoff(content string) Parsed {
	if yamlPart, ok := extractYAML(content); ok {
		var h HandoffV2
		if err := yaml.Unmarshal([]byte(yamlPart), &h); err == nil {
			if err := h.Validate(); err == nil {
				return Parsed{V2: &h}
			}
		}
	}
	return Parsed{Prose: content}
}

// extractYAML pulls the typed candidate out of content: the frontmatter
// block if delimiters are present, or the whole body when it starts with a
// version key.
func extractYAML(content string) (string, bool) {
	trimmed := strings.TrimLeft(content, "\n")
	if strings.HasPrefix(trimmed, "---\n") {
		rest := trimmed[len("---\n"):]
		if idx := strings.Index(rest, "\n---"); idx >= 0 {
			return rest[:idx], true
		}
		return "", false
	}
	if strings.HasPrefix(trimmed, "version:") {
		return trimmed, true
	}
	return "", false
}

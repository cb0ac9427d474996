package store

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const frontmatterDelim = "---\n"

// splitFrontmatter separates a "---\n<yaml>\n---\n<body>" document into its
// YAML and Markdown body parts. Files with no frontmatter are treated as
// body-only.
func splitFrontmatter(raw []byte) (yamlPart, body []byte, err error) {
	s := string(raw)
	if !strings.HasPrefix(s, frontmatterDelim) {
		return nil, raw, nil
	}
	rest := s[len(frontmatterDelim):]
	idx := strings.Index(rest, "\n"+frontmatterDelim)
	if idx < 0 {
		return nil, nil, fmt.Errorf("frontmatter: missing closing delimiter")
	}
	return []byte(rest[:idx]), []byte(rest[idx+len("\n"+frontmatterDelim):]), nil
}

// decodeFrontmatter parses yamlPart twice: once into out (the typed
// struct) and once into a generic map, so any key out doesn't know about
// is preserved in extra rather than silently dropped on the next write.
func decodeFrontmatter(yamlPart []byte, out any, extra *map[string]any) error {
	if len(bytes.TrimSpace(yamlPart)) == 0 {
		return nil
	}
	if err := yaml.Unmarshal(yamlPart, out); err != nil {
		return fmt.Errorf("decode frontmatter: %w", err)
	}

	var known map[string]any
	if err := yaml.Unmarshal(yamlPart, &known); err != nil {
		return fmt.Errorf("decode frontmatter keys: %w", err)
	}

	var typed map[string]any
	typedBytes, err := yaml.Marshal(out)
	if err != nil {
		return fmt.Errorf("re-encode typed fields: %w", err)
	}
	if err := yaml.Unmarshal(typedBytes, &typed); err != nil {
		return fmt.Errorf("decode typed fields: %w", err)
	}

	rest := make(map[string]any)
	for k, v := range known {
		if _, ok := typed[k]; !ok {
			rest[k] = v
		}
	}
	*extra = rest
	return nil
}

// encodeFrontmatter renders out's known fields merged with extra's
// preserved unknown keys, followed by body, as a single document.
func encodeFrontmatter(out any, extra map[string]any, body []byte) ([]byte, error) {
	typedBytes, err := yaml.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode typed fields: %w", err)
	}

	var merged map[string]any
	if err := yaml.Unmarshal(typedBytes, &merged); err != nil {
		return nil, fmt.Errorf("decode typed fields: %w", err)
	}
	for k, v := range extra {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}

	mergedBytes, err := yaml.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("encode merged fields: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(frontmatterDelim)
	buf.Write(mergedBytes)
	buf.WriteString(frontmatterDelim)
	buf.Write(body)
	return buf.Bytes(), nil
}

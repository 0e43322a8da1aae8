package config

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// LineIssue describes a config line the parser could not use.
type LineIssue struct {
	Line   int
	Reason string
}

func (l LineIssue) Error() string {
	return fmt.Sprintf("line %d: %s", l.Line, l.Reason)
}

// parseSections turns `[a.b]` headers and `key = value` lines into a nested
// tree. Unusable lines are returned rather than aborting the parse; keys
// following a bad header are dropped until the next good one.
func parseSections(data []byte) (map[string]any, []LineIssue) {
	root := map[string]any{}
	current := root
	var issues []LineIssue

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' {
			continue
		}

		if line[0] == '[' {
			path, ok := parseHeader(line)
			if !ok {
				issues = append(issues, LineIssue{n, "malformed section header"})
				current = nil
				continue
			}
			table, err := descend(root, path)
			if err != nil {
				issues = append(issues, LineIssue{n, err.Error()})
				current = nil
				continue
			}
			current = table
			continue
		}

		if current == nil {
			issues = append(issues, LineIssue{n, "key outside a valid section"})
			continue
		}

		key, raw, ok := strings.Cut(line, "=")
		key = unquote(strings.TrimSpace(key))
		raw = strings.TrimSpace(raw)
		if !ok || key == "" {
			issues = append(issues, LineIssue{n, "expected key = value"})
			continue
		}
		if raw == "" {
			issues = append(issues, LineIssue{n, fmt.Sprintf("missing value for %q", key)})
			continue
		}
		if _, isTable := current[key].(map[string]any); isTable {
			issues = append(issues, LineIssue{n, fmt.Sprintf("key %q redefines a section", key)})
			continue
		}
		current[key] = decodeValue(raw)
	}
	if err := sc.Err(); err != nil {
		issues = append(issues, LineIssue{n + 1, err.Error()})
	}
	return root, issues
}

func parseHeader(line string) ([]string, bool) {
	if !strings.HasSuffix(line, "]") || strings.HasPrefix(line, "[[") {
		return nil, false
	}
	inner := strings.TrimSpace(line[1 : len(line)-1])
	if inner == "" {
		return nil, false
	}
	parts := strings.Split(inner, ".")
	for i, p := range parts {
		p = unquote(strings.TrimSpace(p))
		if p == "" || !validName(p) {
			return nil, false
		}
		parts[i] = p
	}
	return parts, true
}

func validName(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

// descend returns the table at path, creating missing levels.
func descend(root map[string]any, path []string) (map[string]any, error) {
	m := root
	for _, p := range path {
		switch v := m[p].(type) {
		case nil:
			next := map[string]any{}
			m[p] = next
			m = next
		case map[string]any:
			m = v
		default:
			return nil, fmt.Errorf("section %q collides with a value", strings.Join(path, "."))
		}
	}
	return m, nil
}

// decodeValue coerces a right-hand side. Anything TOML accepts (quoted
// strings, booleans, numbers) keeps its type; everything else is a literal
// string with matching outer quotes removed.
func decodeValue(raw string) any {
	var doc struct {
		V any `toml:"v"`
	}
	if err := toml.Unmarshal([]byte("v = "+raw), &doc); err == nil && doc.V != nil {
		return doc.V
	}
	return unquote(raw)
}

func unquote(s string) string {
	if len(s) >= 2 {
		if q := s[0]; (q == '"' || q == '\'') && s[len(s)-1] == q {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// stringifySection converts the scalar values of tree[name] to strings.
func stringifySection(tree map[string]any, name string) {
	section, ok := tree[name].(map[string]any)
	if !ok {
		return
	}
	for k, v := range section {
		switch t := v.(type) {
		case string:
		case map[string]any:
			delete(section, k)
		default:
			section[k] = fmt.Sprint(t)
		}
	}
}

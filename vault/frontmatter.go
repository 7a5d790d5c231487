// Copyright 2026 The Note Relay Authors
// SPDX-License-Identifier: Apache-2.0

package vault

import (
	"strings"

	"gopkg.in/yaml.v3"
)

// SplitFrontMatter separates a leading YAML front-matter block from the
// note body. The block must start on the first line with "---" and end
// with a matching "---" line. Returns the parsed key/value data and the
// body with the block removed. Notes without front matter (or with a
// block that fails to parse) return a nil map and the input unchanged.
func SplitFrontMatter(source string) (map[string]any, string) {
	normalized := strings.ReplaceAll(source, "\r\n", "\n")
	if !strings.HasPrefix(normalized, "---\n") {
		return nil, source
	}

	// The closing fence must be exactly "---" on its own line; a line
	// merely starting with "---" does not terminate the block.
	rest := normalized[len("---\n"):]
	var block, body string
	if end := strings.Index(rest, "\n---\n"); end >= 0 {
		block = rest[:end]
		body = rest[end+len("\n---\n"):]
	} else if strings.HasSuffix(rest, "\n---") {
		block = rest[:len(rest)-len("\n---")]
	} else {
		return nil, source
	}

	var data map[string]any
	if err := yaml.Unmarshal([]byte(block), &data); err != nil || data == nil {
		return nil, source
	}
	return data, body
}

// frontMatterTags extracts tags declared in front matter, accepting
// both list form (tags: [a, b]) and scalar form (tags: a).
func frontMatterTags(data map[string]any) []string {
	raw, ok := data["tags"]
	if !ok {
		return nil
	}
	switch value := raw.(type) {
	case string:
		return []string{strings.TrimPrefix(value, "#")}
	case []any:
		var tags []string
		for _, item := range value {
			if s, ok := item.(string); ok {
				tags = append(tags, strings.TrimPrefix(s, "#"))
			}
		}
		return tags
	}
	return nil
}

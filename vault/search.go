// Copyright 2026 The Note Relay Authors
// SPDX-License-Identifier: Apache-2.0

package vault

import (
	"strings"
)

// maxMatchesPerFile caps how many matching lines one note contributes
// to a search response.
const maxMatchesPerFile = 5

// SearchMatch is one matching line. Line numbers are 1-based.
type SearchMatch struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

// Search scans every markdown note for a case-insensitive substring
// match of query. Results follow vault traversal order and, within one
// note, ascending line number, with at most maxMatchesPerFile lines per
// note. An empty query matches nothing.
func (v *Vault) Search(query string) ([]SearchMatch, error) {
	matches := []SearchMatch{}
	if strings.TrimSpace(query) == "" {
		return matches, nil
	}
	needle := strings.ToLower(query)

	err := v.walk(func(relative string, isDir bool) error {
		if isDir || !IsMarkdown(relative) {
			return nil
		}
		data, err := v.ReadRaw(relative)
		if err != nil {
			return err
		}

		found := 0
		for number, line := range strings.Split(string(data), "\n") {
			if !strings.Contains(strings.ToLower(line), needle) {
				continue
			}
			matches = append(matches, SearchMatch{
				Path: relative,
				Line: number + 1,
				Text: strings.TrimRight(line, "\r"),
			})
			found++
			if found == maxMatchesPerFile {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return matches, nil
}

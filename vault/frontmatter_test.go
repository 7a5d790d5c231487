// Copyright 2026 The Note Relay Authors
// SPDX-License-Identifier: Apache-2.0

package vault

import (
	"reflect"
	"testing"
)

func TestSplitFrontMatter(t *testing.T) {
	source := "---\ntitle: Hello\ntags: [a, b]\n---\n\nBody text."

	data, body := SplitFrontMatter(source)
	if data["title"] != "Hello" {
		t.Errorf("title = %v", data["title"])
	}
	if body != "\nBody text." {
		t.Errorf("body = %q", body)
	}
}

func TestSplitFrontMatterAbsent(t *testing.T) {
	source := "Just a note.\n\n---\n\nwith a horizontal rule later."

	data, body := SplitFrontMatter(source)
	if data != nil {
		t.Errorf("data = %v, want nil", data)
	}
	if body != source {
		t.Errorf("body altered: %q", body)
	}
}

// A malformed block is treated as content, not an error.
func TestSplitFrontMatterMalformed(t *testing.T) {
	source := "---\n: : not yaml : :\n---\nbody"

	data, body := SplitFrontMatter(source)
	if data != nil {
		t.Errorf("data = %v, want nil", data)
	}
	if body != source {
		t.Errorf("body altered: %q", body)
	}
}

func TestSplitFrontMatterUnterminated(t *testing.T) {
	source := "---\ntitle: Dangling\nno closing fence"

	data, body := SplitFrontMatter(source)
	if data != nil || body != source {
		t.Errorf("unterminated block parsed: %v %q", data, body)
	}
}

// A line that merely starts with "---" is block content, not the
// closing fence.
func TestSplitFrontMatterFenceMustBeAlone(t *testing.T) {
	source := "---\ntitle: Dashes\n---extra\nBody"

	data, body := SplitFrontMatter(source)
	if data != nil {
		t.Errorf("data = %v, want nil", data)
	}
	if body != source {
		t.Errorf("body altered: %q", body)
	}
}

func TestSplitFrontMatterFenceAtEOF(t *testing.T) {
	source := "---\ntitle: Trailing\n---"

	data, body := SplitFrontMatter(source)
	if data["title"] != "Trailing" {
		t.Errorf("title = %v", data["title"])
	}
	if body != "" {
		t.Errorf("body = %q, want empty", body)
	}
}

func TestSplitFrontMatterCRLF(t *testing.T) {
	source := "---\r\ntitle: Windows\r\n---\r\nbody"

	data, body := SplitFrontMatter(source)
	if data["title"] != "Windows" {
		t.Errorf("title = %v", data["title"])
	}
	if body != "body" {
		t.Errorf("body = %q", body)
	}
}

func TestFrontMatterTags(t *testing.T) {
	cases := []struct {
		name string
		data map[string]any
		want []string
	}{
		{"list", map[string]any{"tags": []any{"a", "#b"}}, []string{"a", "b"}},
		{"scalar", map[string]any{"tags": "#solo"}, []string{"solo"}},
		{"absent", map[string]any{"title": "x"}, nil},
		{"wrong type", map[string]any{"tags": 7}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := frontMatterTags(tc.data); !reflect.DeepEqual(got, tc.want) {
				t.Errorf("tags = %v, want %v", got, tc.want)
			}
		})
	}
}

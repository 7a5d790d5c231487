// Copyright 2026 The Note Relay Authors
// SPDX-License-Identifier: Apache-2.0

package vault

import (
	"path"
	"regexp"
	"sort"
	"strings"
)

// FileInfo describes one note in the tree listing: its path plus the
// deduplicated tag and outbound-link sets derived from its content.
type FileInfo struct {
	Path  string   `json:"path"`
	Tags  []string `json:"tags"`
	Links []string `json:"links"`
}

// Tree is the GET_TREE response payload: every file with derived
// metadata and every folder path, including empty folders.
type Tree struct {
	Files   []FileInfo `json:"files"`
	Folders []string   `json:"folders"`
}

// wikilinkPattern matches [[target]], [[target|alias]], and
// [[target#heading]] internal links. Group 1 is the link target.
var wikilinkPattern = regexp.MustCompile(`\[\[([^\]\|#]+)(?:#[^\]\|]*)?(?:\|[^\]]*)?\]\]`)

// embedPattern matches ![[asset]] embeds. Group 1 is the asset target.
var embedPattern = regexp.MustCompile(`!\[\[([^\]\|]+?)(?:\|[^\]]*)?\]\]`)

// inlineTagPattern matches #tag tokens in note bodies.
var inlineTagPattern = regexp.MustCompile(`(?:^|\s)#([\p{L}\p{N}_][\p{L}\p{N}_/-]*)`)

// Tree walks the whole vault depth-first and builds the listing. Every
// markdown note is read to derive its tags and outbound links; folders
// are reported even when empty.
func (v *Vault) Tree() (Tree, error) {
	tree := Tree{Files: []FileInfo{}, Folders: []string{}}

	err := v.walk(func(relative string, isDir bool) error {
		if isDir {
			tree.Folders = append(tree.Folders, relative)
			return nil
		}

		info := FileInfo{Path: relative, Tags: []string{}, Links: []string{}}
		if IsMarkdown(relative) {
			data, err := v.ReadRaw(relative)
			if err != nil {
				return err
			}
			frontMatter, body := SplitFrontMatter(string(data))
			info.Tags = collectTags(frontMatter, body)
			info.Links = collectLinks(body)
		}
		tree.Files = append(tree.Files, info)
		return nil
	})
	if err != nil {
		return Tree{}, err
	}
	return tree, nil
}

// collectTags merges front-matter and inline tags into a deduplicated,
// sorted set.
func collectTags(frontMatter map[string]any, body string) []string {
	seen := make(map[string]struct{})
	for _, tag := range frontMatterTags(frontMatter) {
		seen[tag] = struct{}{}
	}
	for _, match := range inlineTagPattern.FindAllStringSubmatch(body, -1) {
		seen[match[1]] = struct{}{}
	}
	return sortedSet(seen)
}

// collectLinks extracts deduplicated, sorted outbound wikilink targets.
func collectLinks(body string) []string {
	seen := make(map[string]struct{})
	for _, match := range wikilinkPattern.FindAllStringSubmatch(body, -1) {
		target := strings.TrimSpace(match[1])
		if target != "" {
			seen[target] = struct{}{}
		}
	}
	return sortedSet(seen)
}

func sortedSet(set map[string]struct{}) []string {
	values := make([]string, 0, len(set))
	for value := range set {
		values = append(values, value)
	}
	sort.Strings(values)
	return values
}

// ResolveLink maps a wikilink target to a vault path. Resolution order:
// the target as an exact path, the target with ".md" appended, then a
// basename match anywhere in the vault (first hit in traversal order).
// Returns "" when nothing matches.
func (v *Vault) ResolveLink(target string) string {
	target = strings.TrimSpace(target)
	if target == "" {
		return ""
	}
	if v.Exists(target) {
		return target
	}
	withExtension := target + ".md"
	if v.Exists(withExtension) {
		return withExtension
	}

	base := strings.ToLower(path.Base(target))
	var resolved string
	v.walk(func(relative string, isDir bool) error {
		if resolved != "" || isDir {
			return nil
		}
		name := strings.ToLower(path.Base(relative))
		if name == base || name == base+".md" {
			resolved = relative
		}
		return nil
	})
	return resolved
}

// Backlinks returns the paths of every note whose resolved outbound
// links include relative. One full pass over the catalog per call.
func (v *Vault) Backlinks(relative string) ([]string, error) {
	var backlinks []string

	err := v.walk(func(candidate string, isDir bool) error {
		if isDir || !IsMarkdown(candidate) || candidate == relative {
			return nil
		}
		data, err := v.ReadRaw(candidate)
		if err != nil {
			return err
		}
		_, body := SplitFrontMatter(string(data))
		for _, link := range collectLinks(body) {
			if v.ResolveLink(link) == relative {
				backlinks = append(backlinks, candidate)
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if backlinks == nil {
		backlinks = []string{}
	}
	return backlinks, nil
}

// GraphNode is one vertex in a note's local link graph.
type GraphNode struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// GraphEdge is one directed link relationship.
type GraphEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Graph is the local link graph around one note: a center node, one
// node per outbound link, one node per backlinking note, and an edge
// per relationship.
type Graph struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
}

// LinkGraph builds the local graph for a note given its body and the
// catalog-wide backlink set.
func (v *Vault) LinkGraph(relative, body string, backlinks []string) Graph {
	graph := Graph{
		Nodes: []GraphNode{{ID: relative, Label: noteLabel(relative)}},
		Edges: []GraphEdge{},
	}
	seen := map[string]struct{}{relative: {}}

	for _, link := range collectLinks(body) {
		target := v.ResolveLink(link)
		if target == "" {
			// Unresolved forward reference: keep the raw target as a
			// ghost node so the client can render the dangling link.
			target = link
		}
		if _, ok := seen[target]; !ok {
			seen[target] = struct{}{}
			graph.Nodes = append(graph.Nodes, GraphNode{ID: target, Label: noteLabel(target)})
		}
		graph.Edges = append(graph.Edges, GraphEdge{From: relative, To: target})
	}

	for _, source := range backlinks {
		if _, ok := seen[source]; !ok {
			seen[source] = struct{}{}
			graph.Nodes = append(graph.Nodes, GraphNode{ID: source, Label: noteLabel(source)})
		}
		graph.Edges = append(graph.Edges, GraphEdge{From: source, To: relative})
	}
	return graph
}

func noteLabel(relative string) string {
	return strings.TrimSuffix(path.Base(relative), path.Ext(relative))
}

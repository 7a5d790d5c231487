// Copyright 2026 The Note Relay Authors
// SPDX-License-Identifier: Apache-2.0

package vault

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"html"
	"strings"

	chromahtml "github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	goldmarkhtml "github.com/yuin/goldmark/renderer/html"

	highlighting "github.com/yuin/goldmark-highlighting/v2"
)

// RenderedNote is the GET_RENDERED_FILE response payload.
type RenderedNote struct {
	// HTML is the display-ready body with front matter removed,
	// wikilinks resolved, and embedded assets inlined.
	HTML string `json:"html"`

	// FrontMatter is the parsed front-matter block, nil when absent.
	FrontMatter map[string]any `json:"yaml"`

	// Backlinks lists the notes linking to this one.
	Backlinks []string `json:"backlinks"`

	// Graph is the local link graph around this note.
	Graph Graph `json:"graph"`
}

// Renderer is the optional external rendering capability the dispatcher
// may call for display formats this package does not know (plugin-style
// views). The default implementation is the vault's own markdown
// pipeline.
type Renderer interface {
	// Render produces a display-ready HTML fragment for a note body.
	Render(relative, body string) (string, error)
}

// renderer is the vault's built-in goldmark pipeline. Construction
// happens once per Vault; goldmark parsers are safe to share.
type renderer struct {
	markdown goldmark.Markdown
}

func newRenderer() *renderer {
	return &renderer{
		markdown: goldmark.New(
			goldmark.WithExtensions(
				extension.GFM,
				highlighting.NewHighlighting(
					highlighting.WithStyle("github"),
					highlighting.WithFormatOptions(chromahtml.WithClasses(true)),
				),
			),
			// Note authors embed raw HTML routinely; the content is the
			// owner's own vault, not untrusted third-party input.
			goldmark.WithRendererOptions(goldmarkhtml.WithUnsafe()),
		),
	}
}

func (r *renderer) Render(_ string, body string) (string, error) {
	var buffer bytes.Buffer
	if err := r.markdown.Convert([]byte(body), &buffer); err != nil {
		return "", fmt.Errorf("rendering markdown: %w", err)
	}
	return buffer.String(), nil
}

// Render produces the full rendered view of a note: front matter split
// out, embeds inlined, wikilinks rewritten, markdown converted to HTML,
// plus backlinks and the local link graph. The backlink pass is a full
// catalog scan, O(total notes) per call.
//
// external overrides the markdown pipeline when non-nil (plugin-style
// renderer capability); the built-in pipeline is the fallback.
func (v *Vault) Render(relative string, external Renderer) (RenderedNote, error) {
	raw, err := v.ReadRaw(relative)
	if err != nil {
		return RenderedNote{}, err
	}

	frontMatter, body := SplitFrontMatter(string(raw))
	body = v.inlineEmbeds(body)
	body = v.rewriteWikilinks(body)

	renderBody := Renderer(v.markdown)
	if external != nil {
		renderBody = external
	}
	rendered, err := renderBody.Render(relative, body)
	if err != nil {
		return RenderedNote{}, fmt.Errorf("rendering %s: %w", relative, err)
	}

	backlinks, err := v.Backlinks(relative)
	if err != nil {
		return RenderedNote{}, fmt.Errorf("collecting backlinks for %s: %w", relative, err)
	}

	return RenderedNote{
		HTML:        rendered,
		FrontMatter: frontMatter,
		Backlinks:   backlinks,
		Graph:       v.LinkGraph(relative, body, backlinks),
	}, nil
}

// inlineEmbeds replaces ![[asset]] embeds with self-contained content.
// Image assets become data-URI <img> tags — the remote side has no way
// to dereference a vault-relative path. Markdown embeds are left as
// plain links (transclusion is not supported remotely); unresolvable
// embeds render as a marked-missing span.
func (v *Vault) inlineEmbeds(body string) string {
	return embedPattern.ReplaceAllStringFunc(body, func(match string) string {
		groups := embedPattern.FindStringSubmatch(match)
		target := strings.TrimSpace(groups[1])

		resolved := v.ResolveLink(target)
		if resolved == "" {
			return fmt.Sprintf(`<span class="missing-embed">%s</span>`, html.EscapeString(target))
		}

		mime := ImageMIME(resolved)
		if mime == "" {
			// Non-image embed: degrade to an internal link.
			return fmt.Sprintf("[[%s]]", target)
		}

		data, err := v.ReadRaw(resolved)
		if err != nil {
			return fmt.Sprintf(`<span class="missing-embed">%s</span>`, html.EscapeString(target))
		}
		return fmt.Sprintf(`<img src="data:%s;base64,%s" alt=%q>`,
			mime, base64.StdEncoding.EncodeToString(data), target)
	})
}

// rewriteWikilinks converts [[target|alias]] links into anchors the
// client intercepts for navigation. The resolved vault path rides in a
// data attribute; unresolved targets keep the raw target so forward
// references stay navigable.
func (v *Vault) rewriteWikilinks(body string) string {
	return wikilinkPattern.ReplaceAllStringFunc(body, func(match string) string {
		groups := wikilinkPattern.FindStringSubmatch(match)
		target := strings.TrimSpace(groups[1])

		alias := target
		if pipe := strings.Index(match, "|"); pipe >= 0 {
			alias = strings.TrimSuffix(match[pipe+1:], "]]")
		}

		resolved := v.ResolveLink(target)
		if resolved == "" {
			resolved = target
		}
		return fmt.Sprintf(`<a class="internal-link" data-path=%q href="#">%s</a>`,
			resolved, html.EscapeString(alias))
	})
}

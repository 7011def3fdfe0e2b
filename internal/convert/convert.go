// Package convert turns uploaded document payloads into the normalized plain
// text the splitter consumes. Markdown is parsed with goldmark and flattened
// by walking its AST, so formatting syntax never leaks into chunk content;
// plain text passes through with encoding cleanup only. Unsupported content
// types are a permanent conversion failure, not something to retry.
package convert

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	gmtext "github.com/yuin/goldmark/text"
)

// ErrUnsupported marks content types no converter handles. The conversion
// runner treats it as terminal and skips its retry budget.
var ErrUnsupported = errors.New("convert: unsupported content type")

// ToText converts an uploaded payload into plain text, dispatching on the
// declared content type with the file extension as a fallback.
func ToText(name, contentType string, data []byte) (string, error) {
	switch kind(name, contentType) {
	case "markdown":
		return Markdown(data)
	case "text":
		return cleanup(string(data)), nil
	default:
		return "", fmt.Errorf("%w: %q (%s)", ErrUnsupported, contentType, name)
	}
}

// kind resolves the converter family for a payload.
func kind(name, contentType string) string {
	ct := strings.ToLower(contentType)
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	switch ct {
	case "text/markdown", "text/x-markdown":
		return "markdown"
	case "text/plain", "text/csv":
		return "text"
	}

	switch strings.ToLower(filepath.Ext(name)) {
	case ".md", ".markdown":
		return "markdown"
	case ".txt", ".text", ".csv", ".log":
		return "text"
	}

	// A generic or absent content type with no telling extension is treated
	// as plain text only when it already decodes as UTF-8.
	if ct == "" || ct == "application/octet-stream" {
		return "text"
	}
	return ""
}

// Markdown flattens a markdown document into plain text. Block structure is
// preserved as blank lines so the splitter's sentence heuristics still see
// paragraph boundaries; inline markup, link targets, and HTML are dropped.
func Markdown(source []byte) (string, error) {
	doc := goldmark.New().Parser().Parse(gmtext.NewReader(source))

	var buf strings.Builder
	err := ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}

		switch node := n.(type) {
		case *ast.Text:
			buf.Write(node.Segment.Value(source))
			if node.SoftLineBreak() || node.HardLineBreak() {
				buf.WriteByte('\n')
			}
			return ast.WalkContinue, nil

		case *ast.String:
			buf.Write(node.Value)
			return ast.WalkContinue, nil

		case *ast.AutoLink:
			buf.Write(node.URL(source))
			return ast.WalkSkipChildren, nil

		case *ast.FencedCodeBlock, *ast.CodeBlock:
			blockBreak(&buf)
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				buf.Write(seg.Value(source))
			}
			return ast.WalkSkipChildren, nil

		case *ast.HTMLBlock, *ast.RawHTML:
			return ast.WalkSkipChildren, nil
		}

		if _, isListItem := n.(*ast.ListItem); isListItem || n.Type() == ast.TypeBlock {
			blockBreak(&buf)
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return "", fmt.Errorf("convert: walk markdown: %w", err)
	}

	return cleanup(buf.String()), nil
}

// blockBreak separates block-level content with a blank line.
func blockBreak(buf *strings.Builder) {
	if buf.Len() > 0 {
		buf.WriteString("\n\n")
	}
}

// cleanup strips NUL bytes, replaces invalid UTF-8, and trims the result.
func cleanup(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "�")
	}
	return strings.TrimSpace(s)
}

// Package markdown finds diagram blocks in Markdown documents and turns them
// into build units.
package markdown

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"

	"github.com/gophersatwork/diagcache"
)

// languageKinds maps fenced code block info strings to renderer kinds.
var languageKinds = map[string]string{
	"mermaid":  diagcache.RendererMermaid,
	"plantuml": diagcache.RendererPlantUML,
	"puml":     diagcache.RendererPlantUML,
	"dot":      diagcache.RendererGraphviz,
	"graphviz": diagcache.RendererGraphviz,
}

// Diagram is one diagram block found in a document.
type Diagram struct {
	Index  int    // 1-based position among the document's diagrams
	Kind   string // renderer kind, e.g. "mermaid"
	Source []byte // block content without fences
	Line   int    // 1-based line of the opening fence
}

// Extractor parses Markdown with the same GFM dialect the PDF pipeline uses,
// so fences inside lists and block quotes are found too.
type Extractor struct {
	md goldmark.Markdown
}

// NewExtractor creates an Extractor.
func NewExtractor() *Extractor {
	return &Extractor{
		md: goldmark.New(goldmark.WithExtensions(extension.GFM)),
	}
}

// KindOf returns the renderer kind for a fence language, if any.
func KindOf(language string) (string, bool) {
	kind, ok := languageKinds[strings.ToLower(strings.TrimSpace(language))]
	return kind, ok
}

// Extract returns the diagram blocks of source in document order.
func (e *Extractor) Extract(source []byte) []Diagram {
	doc := e.md.Parser().Parse(text.NewReader(source))

	var diagrams []Diagram
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		block, ok := n.(*ast.FencedCodeBlock)
		if !ok {
			return ast.WalkContinue, nil
		}

		kind, ok := KindOf(string(block.Language(source)))
		if !ok {
			return ast.WalkSkipChildren, nil
		}

		var buf bytes.Buffer
		lines := block.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			buf.Write(seg.Value(source))
		}

		diagrams = append(diagrams, Diagram{
			Index:  len(diagrams) + 1,
			Kind:   kind,
			Source: buf.Bytes(),
			Line:   lineOf(source, block.Info.Segment.Start),
		})
		return ast.WalkSkipChildren, nil
	})
	return diagrams
}

// lineOf returns the 1-based line containing offset.
func lineOf(source []byte, offset int) int {
	if offset > len(source) {
		offset = len(source)
	}
	return bytes.Count(source[:offset], []byte{'\n'}) + 1
}

// OutputID names a diagram output, e.g. "docs/guide.md#diagram-3".
func OutputID(docID string, index int) string {
	return fmt.Sprintf("%s#diagram-%d", docID, index)
}

// Units turns diagrams into build units. configFor supplies the render
// configuration per renderer kind; every unit declares dependencyIDs.
func Units(docID string, diagrams []Diagram, configFor func(kind string) diagcache.RenderConfig, dependencyIDs []string) []diagcache.BuildUnit {
	units := make([]diagcache.BuildUnit, 0, len(diagrams))
	for _, d := range diagrams {
		units = append(units, diagcache.BuildUnit{
			OutputID:      OutputID(docID, d.Index),
			Content:       d.Source,
			Config:        configFor(d.Kind),
			DependencyIDs: append([]string(nil), dependencyIDs...),
		})
	}
	return units
}

package report

import (
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Link is one link or image destination found in a markdown text.
type Link struct {
	Title string
	URL   string
	Image bool
}

// ExtractLinks walks the markdown AST and collects link, image, and
// autolink destinations in document order.
func ExtractLinks(markdown string) []Link {
	source := []byte(markdown)
	document := goldmark.DefaultParser().Parse(
		text.NewReader(source),
	)

	var ret []Link
	_ = ast.Walk(document, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch v := n.(type) {
		case *ast.Link:
			ret = append(ret, Link{
				Title: string(v.Text(source)),
				URL:   string(v.Destination),
			})
		case *ast.Image:
			ret = append(ret, Link{
				Title: string(v.Title),
				URL:   string(v.Destination),
				Image: true,
			})
		case *ast.AutoLink:
			ret = append(ret, Link{
				URL: string(v.URL(source)),
			})
		}
		return ast.WalkContinue, nil
	})
	return ret
}

// SupplementReferences appends a reference for every content link the
// report does not already cite, deduplicated by URL.
func SupplementReferences(r *Report) {
	seen := make(map[string]bool, len(r.References))
	for _, ref := range r.References {
		if ref.URL != "" {
			seen[ref.URL] = true
		}
	}

	for _, link := range ExtractLinks(r.Content) {
		if link.Image || link.URL == "" || seen[link.URL] {
			continue
		}
		seen[link.URL] = true

		title := link.Title
		if title == "" {
			title = link.URL
		}
		r.References = append(r.References, Reference{
			Title:        title,
			URL:          link.URL,
			Type:         referenceType(link.URL),
			AccessedDate: time.Now().Format("2006-01-02"),
		})
	}
}

func referenceType(url string) string {
	if strings.Contains(url, "wikipedia.org") {
		return "wikipedia"
	}
	return "website"
}

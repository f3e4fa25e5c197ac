// Package report holds the final research report: the schema the
// final_result_tool advertises, an in-memory store for submitted reports,
// and helpers for pulling references out of the report body.
package report

import (
	"fmt"
	"strings"
)

type Image struct {
	URL         string `json:"url" jsonschema:"description=The image URL"`
	Description string `json:"description,omitempty" jsonschema:"description=Description or caption for the image"`
}

type Reference struct {
	Title        string `json:"title" jsonschema:"description=Title of the reference source"`
	URL          string `json:"url,omitempty" jsonschema:"description=URL or source location"`
	Type         string `json:"type" jsonschema:"description=Type of source such as wikipedia or website"`
	AccessedDate string `json:"accessed_date,omitempty" jsonschema:"description=Date when the source was accessed in ISO format"`
}

// Report is the consolidated outcome of a research conversation. The
// required fields mirror the tool schema: title, keywords, introduction,
// content, conclusion, references.
type Report struct {
	Title        string      `json:"title" jsonschema:"description=A short title for the research topic"`
	Keywords     []string    `json:"keywords" jsonschema:"description=Relevant keywords and key terms for the research topic"`
	Thumbnail    string      `json:"thumbnail,omitempty" jsonschema:"description=A single thumbnail image URL representing the research topic"`
	Images       []Image     `json:"images,omitempty" jsonschema:"description=Images that illustrate the research topic"`
	Introduction string      `json:"introduction" jsonschema:"description=A brief introduction explaining the research topic and approach"`
	Content      string      `json:"content" jsonschema:"description=Detailed content from all research conducted"`
	Conclusion   string      `json:"conclusion" jsonschema:"description=Conclusions drawn from the research"`
	References   []Reference `json:"references" jsonschema:"description=References and sources used in the research"`
}

// Markdown renders the report as a single markdown document, the form the
// terminal renderer consumes.
func (r *Report) Markdown() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# %s\n\n", r.Title)
	if len(r.Keywords) > 0 {
		fmt.Fprintf(&sb, "*%s*\n\n", strings.Join(r.Keywords, ", "))
	}
	if r.Introduction != "" {
		fmt.Fprintf(&sb, "## Introduction\n\n%s\n\n", r.Introduction)
	}
	if r.Content != "" {
		fmt.Fprintf(&sb, "## Findings\n\n%s\n\n", r.Content)
	}
	if r.Conclusion != "" {
		fmt.Fprintf(&sb, "## Conclusion\n\n%s\n\n", r.Conclusion)
	}
	if len(r.References) > 0 {
		sb.WriteString("## References\n\n")
		for _, ref := range r.References {
			if ref.URL != "" {
				fmt.Fprintf(&sb, "- [%s](%s)\n", ref.Title, ref.URL)
			} else {
				fmt.Fprintf(&sb, "- %s\n", ref.Title)
			}
		}
	}

	return sb.String()
}

// Package wikipedia implements the MediaWiki search tool: full-text search
// plus a plain-text extract per hit. Network failures are reported inside
// the tool output so a research turn keeps going when Wikipedia is down.
package wikipedia

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/cricket/pkg/tools"
)

const (
	ToolName = "wikipedia_search"

	toolDescription = "Search Wikipedia for information about a topic or query."

	defaultBaseURL   = "https://en.wikipedia.org/w/api.php"
	defaultUserAgent = "cricket-research/1.0 (https://github.com/go-go-golems/cricket)"

	defaultLimit = 5
	// the MediaWiki search API caps srlimit at 50
	maxLimit = 50
)

type Client struct {
	baseURL   string
	userAgent string
	http      *http.Client
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = baseURL
	}
}

func WithUserAgent(userAgent string) Option {
	return func(c *Client) {
		c.userAgent = userAgent
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.http = client
	}
}

func NewClient(options ...Option) *Client {
	ret := &Client{
		baseURL:   defaultBaseURL,
		userAgent: defaultUserAgent,
		http:      &http.Client{Timeout: 10 * time.Second},
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

// Definition returns the registrable tool backed by this client.
func (c *Client) Definition() (*tools.Definition, error) {
	return tools.NewDefinitionFromFunc(ToolName, toolDescription, c.Search)
}

type SearchInput struct {
	Query string `json:"query" jsonschema:"description=The search query or topic to search for on Wikipedia"`
	Limit int    `json:"limit,omitempty" jsonschema:"description=Maximum number of search results to return,default=5"`
}

type SearchResult struct {
	Title     string `json:"title"`
	Snippet   string `json:"snippet"`
	PageID    int    `json:"pageid"`
	WordCount int    `json:"wordcount"`
	Timestamp string `json:"timestamp"`
	Content   string `json:"content"`
}

type SearchOutput struct {
	SearchQuery  string         `json:"search_query"`
	Results      []SearchResult `json:"results"`
	TotalResults int            `json:"total_results"`
	Success      bool           `json:"success"`
	Error        string         `json:"error,omitempty"`
}

type searchResponse struct {
	Query struct {
		Search []struct {
			Title     string `json:"title"`
			Snippet   string `json:"snippet"`
			PageID    int    `json:"pageid"`
			WordCount int    `json:"wordcount"`
			Timestamp string `json:"timestamp"`
		} `json:"search"`
	} `json:"query"`
}

type extractResponse struct {
	Query struct {
		Pages map[string]struct {
			Extract string `json:"extract"`
		} `json:"pages"`
	} `json:"query"`
}

// Search runs the full-text search and fetches the plain-text extract of
// every hit. Failures are carried in the output's Error field.
func (c *Client) Search(ctx context.Context, in SearchInput) (*SearchOutput, error) {
	limit := in.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	out := &SearchOutput{SearchQuery: in.Query}

	params := url.Values{}
	params.Set("action", "query")
	params.Set("list", "search")
	params.Set("srsearch", in.Query)
	params.Set("format", "json")
	params.Set("srlimit", strconv.Itoa(limit))

	var resp searchResponse
	if err := c.get(ctx, params, &resp); err != nil {
		out.Error = errors.Wrap(err, "error searching Wikipedia").Error()
		return out, nil
	}

	if len(resp.Query.Search) == 0 {
		out.Error = "No search results found"
		return out, nil
	}

	for _, hit := range resp.Query.Search {
		out.Results = append(out.Results, SearchResult{
			Title:     hit.Title,
			Snippet:   stripMarkup(hit.Snippet),
			PageID:    hit.PageID,
			WordCount: hit.WordCount,
			Timestamp: hit.Timestamp,
			Content:   c.pageContent(ctx, hit.Title),
		})
	}
	out.TotalResults = len(out.Results)
	out.Success = true

	log.Debug().
		Str("query", in.Query).
		Int("results", out.TotalResults).
		Msg("wikipedia search completed")
	return out, nil
}

// pageContent fetches the plain-text extract of one page. Errors come back
// as the content string, matching the search output's degradation style.
func (c *Client) pageContent(ctx context.Context, title string) string {
	params := url.Values{}
	params.Set("action", "query")
	params.Set("prop", "extracts")
	params.Set("explaintext", "1")
	params.Set("exsectionformat", "plain")
	params.Set("titles", title)
	params.Set("format", "json")
	params.Set("exlimit", "max")

	var resp extractResponse
	if err := c.get(ctx, params, &resp); err != nil {
		return errors.Wrapf(err, "error fetching page content for '%s'", title).Error()
	}

	for pageID, page := range resp.Query.Pages {
		// pageid -1 means the title did not resolve
		if pageID == "-1" {
			continue
		}
		if page.Extract == "" {
			return "No content available"
		}
		return page.Extract
	}
	return "Page not found or no content available"
}

func (c *Client) get(ctx context.Context, params url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return errors.Wrap(err, "could not build request")
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("wikipedia returned status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// stripMarkup flattens the searchmatch spans MediaWiki embeds in snippets.
func stripMarkup(snippet string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(snippet))
	if err != nil {
		return snippet
	}
	return doc.Text()
}

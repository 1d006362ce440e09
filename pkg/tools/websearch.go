package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const braveSearchEndpoint = "https://api.search.brave.com/res/v1/web/search"

type webSearchArgs struct {
	Query        string   `json:"query" jsonschema:"description=Search query"`
	Limit        int      `json:"limit,omitempty" jsonschema:"description=Maximum results (1-10)"`
	RecencyDays  int      `json:"recency_days,omitempty" jsonschema:"description=Only return results newer than this many days"`
	AllowDomains []string `json:"allow_domains,omitempty" jsonschema:"description=Keep only results whose host matches one of these domain suffixes"`
	BlockDomains []string `json:"block_domains,omitempty" jsonschema:"description=Drop results whose host matches one of these domain suffixes"`
}

type braveResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
			Age         string `json:"age"`
		} `json:"results"`
	} `json:"web"`
}

// WebSearchTool queries the Brave Search API.
type WebSearchTool struct {
	apiKey string
	client *http.Client
}

func NewWebSearchTool(apiKey string) *WebSearchTool {
	return &WebSearchTool{apiKey: apiKey, client: &http.Client{Timeout: 15 * time.Second}}
}

func (t *WebSearchTool) Name() string { return "web_search" }
func (t *WebSearchTool) Description() string {
	return "Search the web and return titles, URLs, and snippets."
}
func (t *WebSearchTool) Schema() map[string]interface{} { return SchemaFor(&webSearchArgs{}) }
func (t *WebSearchTool) Permission() Level              { return L2Network }

// freshness maps a day horizon onto Brave's freshness buckets.
func freshness(recencyDays int) string {
	switch {
	case recencyDays <= 0:
		return ""
	case recencyDays <= 1:
		return "pd"
	case recencyDays <= 7:
		return "pw"
	case recencyDays <= 31:
		return "pm"
	default:
		return "py"
	}
}

func hostMatchesAny(host string, domains []string) bool {
	host = strings.ToLower(host)
	for _, domain := range domains {
		domain = strings.ToLower(strings.TrimSpace(domain))
		if domain == "" {
			continue
		}
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

func dedupeKey(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Scheme + "://" + strings.ToLower(u.Host) + u.Path
}

func (t *WebSearchTool) Run(ctx context.Context, tc Context, args map[string]interface{}) Result {
	query := strings.TrimSpace(stringArg(args, "query"))
	if query == "" {
		return Fail(ErrInvalidArgs, "query is required")
	}
	if t.apiKey == "" {
		return Fail(ErrPolicyDenied, "web search is not configured (missing BRAVE_API_KEY)")
	}

	limit := intArg(args, "limit", 5)
	if limit < 1 {
		limit = 1
	}
	if limit > 10 {
		limit = 10
	}

	params := url.Values{}
	params.Set("q", query)
	params.Set("count", fmt.Sprintf("%d", limit*2))
	if f := freshness(intArg(args, "recency_days", 0)); f != "" {
		params.Set("freshness", f)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		braveSearchEndpoint+"?"+params.Encode(), nil)
	if err != nil {
		return Fail(ErrInternal, err.Error())
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", t.apiKey)

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return Fail(ErrTimeout, "search timed out")
		}
		return Fail(ErrHTTP, fmt.Sprintf("search request failed: %v", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Fail(ErrHTTP, fmt.Sprintf("search API returned HTTP %d", resp.StatusCode))
	}

	var payload braveResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Fail(ErrHTTP, fmt.Sprintf("decode search response: %v", err))
	}

	allow := stringSliceArg(args, "allow_domains")
	block := stringSliceArg(args, "block_domains")
	seen := map[string]bool{}
	var rows []map[string]interface{}
	for _, item := range payload.Web.Results {
		if len(rows) >= limit {
			break
		}
		u, err := url.Parse(item.URL)
		if err != nil {
			continue
		}
		host := u.Hostname()
		if len(allow) > 0 && !hostMatchesAny(host, allow) {
			continue
		}
		if hostMatchesAny(host, block) {
			continue
		}
		key := dedupeKey(item.URL)
		if seen[key] {
			continue
		}
		seen[key] = true
		row := map[string]interface{}{
			"title":   item.Title,
			"url":     item.URL,
			"snippet": item.Description,
		}
		if item.Age != "" {
			row["age"] = item.Age
		}
		rows = append(rows, row)
	}

	raw, err := json.MarshalIndent(map[string]interface{}{"query": query, "results": rows}, "", "  ")
	if err != nil {
		return Fail(ErrInternal, err.Error())
	}
	return Ok(string(raw))
}

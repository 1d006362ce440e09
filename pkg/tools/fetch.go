package tools

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/miniclaw/miniclaw/pkg/config"
)

const (
	fetchMaxBodyBytes = 2 << 20
	fetchMaxRedirects = 3
	fetchMinChars     = 256
	fetchMaxChars     = 100000
)

// blockedHost rejects obviously internal host names before DNS.
func blockedHost(host string) bool {
	host = strings.ToLower(host)
	return host == "localhost" || strings.HasSuffix(host, ".local")
}

func privateIP(ip net.IP) bool {
	return ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsMulticast() || ip.IsUnspecified()
}

// validateFetchTarget enforces the scheme allow-list and rejects URLs
// whose host resolves to a non-public address.
func validateFetchTarget(u *url.URL) error {
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("url has no host")
	}
	if blockedHost(host) {
		return fmt.Errorf("host is not allowed: %s", host)
	}
	if ip := net.ParseIP(host); ip != nil {
		if privateIP(ip) {
			return fmt.Errorf("address is not public: %s", host)
		}
		return nil
	}
	addrs, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", host, err)
	}
	for _, addr := range addrs {
		if privateIP(addr) {
			return fmt.Errorf("host resolves to a non-public address: %s", host)
		}
	}
	return nil
}

var (
	scriptStyleRe = regexp.MustCompile(`(?is)<(script|style|noscript)\b.*?</\s*(script|style|noscript)\s*>`)
	headingRe     = regexp.MustCompile(`(?is)<h([1-6])[^>]*>(.*?)</h[1-6]>`)
	anchorRe      = regexp.MustCompile(`(?is)<a\b[^>]*href="([^"]*)"[^>]*>(.*?)</a>`)
	listItemRe    = regexp.MustCompile(`(?is)<li[^>]*>`)
	blockBreakRe  = regexp.MustCompile(`(?is)</(p|div|section|article|tr|h[1-6]|li|ul|ol|table)>|<br\s*/?>`)
	anyTagRe      = regexp.MustCompile(`(?s)<[^>]+>`)
	blankRunRe    = regexp.MustCompile(`\n{3,}`)
)

func htmlToText(body string) string {
	body = scriptStyleRe.ReplaceAllString(body, "")
	body = blockBreakRe.ReplaceAllString(body, "\n")
	body = anyTagRe.ReplaceAllString(body, "")
	body = strings.NewReplacer("&nbsp;", " ", "&amp;", "&", "&lt;", "<", "&gt;", ">", "&quot;", `"`, "&#39;", "'").Replace(body)
	return strings.TrimSpace(blankRunRe.ReplaceAllString(body, "\n\n"))
}

func htmlToMarkdown(body string) string {
	body = scriptStyleRe.ReplaceAllString(body, "")
	body = headingRe.ReplaceAllStringFunc(body, func(match string) string {
		parts := headingRe.FindStringSubmatch(match)
		level := int(parts[1][0] - '0')
		return "\n" + strings.Repeat("#", level) + " " + strings.TrimSpace(anyTagRe.ReplaceAllString(parts[2], "")) + "\n"
	})
	body = anchorRe.ReplaceAllString(body, "[$2]($1)")
	body = listItemRe.ReplaceAllString(body, "\n- ")
	return htmlToText(body)
}

type fetchArgs struct {
	URL         string `json:"url" jsonschema:"description=HTTP or HTTPS URL to fetch"`
	ExtractMode string `json:"extract_mode,omitempty" jsonschema:"description=markdown (default), text, or html,enum=markdown,enum=text,enum=html"`
	MaxChars    int    `json:"max_chars,omitempty" jsonschema:"description=Response size cap in characters (256-100000)"`
}

// FetchURLTool retrieves a public web page. Private and local targets
// are rejected, including across redirects.
type FetchURLTool struct {
	cfg *config.ToolsConfig
}

func NewFetchURLTool(cfg *config.ToolsConfig) *FetchURLTool { return &FetchURLTool{cfg: cfg} }

func (t *FetchURLTool) Name() string { return "fetch_url" }
func (t *FetchURLTool) Description() string {
	return "Fetch a public web page and return it as markdown, plain text, or raw HTML."
}
func (t *FetchURLTool) Schema() map[string]interface{} { return SchemaFor(&fetchArgs{}) }
func (t *FetchURLTool) Permission() Level              { return L2Network }

func (t *FetchURLTool) Run(ctx context.Context, tc Context, args map[string]interface{}) Result {
	rawURL := strings.TrimSpace(stringArg(args, "url"))
	if rawURL == "" {
		return Fail(ErrInvalidArgs, "url is required")
	}
	target, err := url.Parse(rawURL)
	if err != nil {
		return Fail(ErrInvalidArgs, fmt.Sprintf("invalid url: %v", err))
	}
	if err := validateFetchTarget(target); err != nil {
		return Fail(ErrPolicyDenied, err.Error())
	}

	mode := stringArg(args, "extract_mode")
	switch mode {
	case "", "markdown", "text", "html":
	default:
		return Fail(ErrInvalidArgs, fmt.Sprintf("invalid extract_mode: %s", mode))
	}
	if mode == "" {
		mode = "markdown"
	}

	maxChars := intArg(args, "max_chars", t.cfg.FetchMaxOutputChars)
	if maxChars < fetchMinChars {
		maxChars = fetchMinChars
	}
	if maxChars > fetchMaxChars {
		maxChars = fetchMaxChars
	}

	client := &http.Client{
		Timeout: time.Duration(t.cfg.FetchTimeoutSeconds) * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > fetchMaxRedirects {
				return fmt.Errorf("too many redirects")
			}
			return validateFetchTarget(req.URL)
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return Fail(ErrInvalidArgs, err.Error())
	}
	req.Header.Set("User-Agent", "miniclaw/1.0")

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return Fail(ErrTimeout, fmt.Sprintf("fetch timed out: %s", rawURL))
		}
		return Fail(ErrHTTP, fmt.Sprintf("fetch failed: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return Fail(ErrHTTP, fmt.Sprintf("HTTP %d from %s", resp.StatusCode, rawURL))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, fetchMaxBodyBytes))
	if err != nil {
		return Fail(ErrHTTP, fmt.Sprintf("read body: %v", err))
	}

	content := string(body)
	switch mode {
	case "markdown":
		content = htmlToMarkdown(content)
	case "text":
		content = htmlToText(content)
	}

	content, truncated := truncate(content, maxChars)
	result := Ok(content)
	result.Meta.Truncated = truncated || int64(len(body)) == fetchMaxBodyBytes
	return result
}

// Package urlcontext fetches URLs referenced in user messages and
// formats them as a system-message body the proxy prepends to the
// conversation.
package urlcontext

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/janwilmake/mcp-completions/internal/types"
)

const (
	// DefaultMaxURLs caps how many URLs are fetched per request.
	DefaultMaxURLs = 5
	// DefaultMaxContextLength caps the formatted context in characters.
	DefaultMaxContextLength = 50000
	// costCentsPerURL is billed into additional_cost_cents per fetch.
	costCentsPerURL = 1

	fetchTimeout = 30 * time.Second
)

var urlPattern = regexp.MustCompile(`https?://[^\s<>"')\]]+`)

// Options configures one fetch pass.
type Options struct {
	MaxURLs          int
	MaxContextLength int
	// ShadowHosts rewrites hostnames before fetching (old -> new).
	ShadowHosts map[string]string
	// ExtractService, when set, is used for HTML and PDF content.
	ExtractService ExtractService
}

// ExtractService points at a remote content-extraction endpoint.
type ExtractService struct {
	URL         string
	BearerToken string
}

// Result is the formatted context plus the cost incurred fetching it.
type Result struct {
	Context             string
	AdditionalCostCents int
}

// Fetcher resolves URL context for a conversation.
type Fetcher struct {
	httpClient *http.Client
}

// NewFetcher creates a fetcher. A nil httpClient gets a default with a
// per-fetch timeout.
func NewFetcher(httpClient *http.Client) *Fetcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: fetchTimeout}
	}
	return &Fetcher{httpClient: httpClient}
}

// Resolve extracts URLs from the user messages, fetches up to
// opts.MaxURLs of them, and returns the formatted context. Fetch
// failures are reported inline in the context rather than failing the
// request.
func (f *Fetcher) Resolve(ctx context.Context, messages []types.ChatMessage, opts Options) (*Result, error) {
	if opts.MaxURLs <= 0 {
		opts.MaxURLs = DefaultMaxURLs
	}
	if opts.MaxContextLength <= 0 {
		opts.MaxContextLength = DefaultMaxContextLength
	}

	urls := ExtractURLs(messages, opts.MaxURLs)
	if len(urls) == 0 {
		return &Result{}, nil
	}

	var sections []string
	cost := 0
	for _, target := range urls {
		fetchURL := rewriteShadowHost(target, opts.ShadowHosts)
		content, err := f.fetch(ctx, fetchURL, opts)
		cost += costCentsPerURL
		if err != nil {
			slog.Warn("urlcontext.fetch.failed", "url", target, "error", err)
			sections = append(sections, fmt.Sprintf("## %s\n\nFailed to fetch: %s", target, err))
			continue
		}
		sections = append(sections, fmt.Sprintf("## %s\n\n%s", target, content))
	}

	body := "The user's message references the following URLs. Their content:\n\n" +
		strings.Join(sections, "\n\n")
	if len(body) > opts.MaxContextLength {
		body = body[:opts.MaxContextLength]
	}
	return &Result{Context: body, AdditionalCostCents: cost}, nil
}

// ExtractURLs pulls http(s) URLs out of user-message text, deduplicated
// in first-seen order, capped at max.
func ExtractURLs(messages []types.ChatMessage, max int) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, msg := range messages {
		if msg.Role != "user" {
			continue
		}
		for _, match := range urlPattern.FindAllString(types.ContentText(msg.Content), -1) {
			match = strings.TrimRight(match, ".,;:!?")
			if _, ok := seen[match]; ok {
				continue
			}
			seen[match] = struct{}{}
			out = append(out, match)
			if len(out) >= max {
				return out
			}
		}
	}
	return out
}

func rewriteShadowHost(rawURL string, shadowHosts map[string]string) string {
	if len(shadowHosts) == 0 {
		return rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	replacement, ok := shadowHosts[u.Hostname()]
	if !ok {
		return rawURL
	}
	if port := u.Port(); port != "" {
		u.Host = replacement + ":" + port
	} else {
		u.Host = replacement
	}
	return u.String()
}

func (f *Fetcher) fetch(ctx context.Context, target string, opts Options) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "mcp-completions/1.0")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}

	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	needsExtraction := strings.Contains(contentType, "text/html") ||
		strings.Contains(contentType, "application/pdf")
	if needsExtraction && opts.ExtractService.URL != "" {
		resp.Body.Close()
		return f.extract(ctx, target, opts.ExtractService)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(opts.MaxContextLength)))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// extract routes a URL through the configured extraction service, which
// returns plain text for HTML and PDF documents.
func (f *Fetcher) extract(ctx context.Context, target string, svc ExtractService) (string, error) {
	extractURL := svc.URL + "?url=" + url.QueryEscape(target)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, extractURL, nil)
	if err != nil {
		return "", err
	}
	if svc.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+svc.BearerToken)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("extract service status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

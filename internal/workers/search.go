package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vinayprograms/agentkit/logging"
	"golang.org/x/net/html"

	"github.com/vinayprograms/conclave/internal/dispatch"
	"github.com/vinayprograms/conclave/internal/worker"
)

// SearchName is the registry name of the search worker.
const SearchName = "search"

// DefaultSearchEndpoint is the Brave web search API.
const DefaultSearchEndpoint = "https://api.search.brave.com/res/v1/web/search"

// SearchResult is a single web search hit.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// SearchConfig configures the search worker.
type SearchConfig struct {
	Endpoint   string
	APIKey     string
	Count      int
	MaxRetries int
	Client     *http.Client
}

// Search queries a web search API, retrying with query rewrites on failure.
type Search struct {
	cfg    SearchConfig
	engine *dispatch.Engine
	logger *logging.Logger
}

// NewSearch creates a search worker. Retries run through engine.
func NewSearch(cfg SearchConfig, engine *dispatch.Engine) *Search {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultSearchEndpoint
	}
	if cfg.Count <= 0 || cfg.Count > 10 {
		cfg.Count = 5
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if engine == nil {
		engine = dispatch.New(nil)
	}
	return &Search{
		cfg:    cfg,
		engine: engine,
		logger: logging.New().WithComponent("worker.search"),
	}
}

func (s *Search) Name() string { return SearchName }

func (s *Search) Capabilities() []worker.Capability {
	return []worker.Capability{worker.CapSearch}
}

// Initialize requires an API key.
func (s *Search) Initialize(ctx context.Context) error {
	if s.cfg.APIKey == "" {
		return errors.New("no search API key configured (set BRAVE_API_KEY)")
	}
	return nil
}

// HandleRequest searches for the query and returns titled snippets.
func (s *Search) HandleRequest(ctx context.Context, req worker.Request) worker.Response {
	var results []SearchResult
	res := s.engine.RetryWithBackoff(ctx, req.Query, func(ctx context.Context, q string) (string, error) {
		r, err := s.search(ctx, q)
		if err != nil {
			return "", err
		}
		results = r
		return formatResults(r), nil
	}, s.cfg.MaxRetries)

	if !res.Success {
		return worker.Failed(SearchName, req.RequestID, res.Err.Error())
	}
	return worker.Succeeded(SearchName, req, res.Content, map[string]interface{}{
		"results": len(results),
		"query":   res.Query,
		"retries": res.RetryCount,
	})
}

// search performs one API call. Rate limits and empty result sets are
// reported as errors the retry loop can classify.
func (s *Search) search(ctx context.Context, query string) ([]SearchResult, error) {
	u := fmt.Sprintf("%s?q=%s&count=%d", s.cfg.Endpoint, url.QueryEscape(query), s.cfg.Count)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Subscription-Token", s.cfg.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := s.cfg.Client.Do(req)
	if err != nil {
		return nil, worker.NewServiceError(SearchName, "", fmt.Errorf("search request failed: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &worker.ServiceError{
			Service:    SearchName,
			Kind:       worker.ServiceRateLimit,
			StatusCode: resp.StatusCode,
			Err:        errors.New("rate limited"),
		}
	case resp.StatusCode >= 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &worker.ServiceError{
			Service:    SearchName,
			Kind:       worker.ServiceTransient,
			StatusCode: resp.StatusCode,
			Err:        errors.New(strings.TrimSpace(string(body))),
		}
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &worker.ServiceError{
			Service:    SearchName,
			Kind:       worker.ServicePermanent,
			StatusCode: resp.StatusCode,
			Err:        errors.New(strings.TrimSpace(string(body))),
		}
	}

	var body struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to parse search response: %w", err)
	}
	if len(body.Web.Results) == 0 {
		return nil, fmt.Errorf("search %q: %w", query, worker.ErrNoResults)
	}

	results := make([]SearchResult, 0, len(body.Web.Results))
	for _, r := range body.Web.Results {
		results = append(results, SearchResult{
			Title:   htmlText(r.Title),
			URL:     r.URL,
			Snippet: htmlText(r.Description),
		})
	}
	return results, nil
}

func formatResults(results []SearchResult) string {
	var sb strings.Builder
	sb.WriteString("Web results:\n")
	for _, r := range results {
		sb.WriteString("- " + r.Title)
		if r.URL != "" {
			sb.WriteString(" (" + r.URL + ")")
		}
		sb.WriteString("\n")
		if r.Snippet != "" {
			sb.WriteString("  " + r.Snippet + "\n")
		}
	}
	return strings.TrimSpace(sb.String())
}

// htmlText strips markup from a snippet and collapses whitespace.
func htmlText(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return strings.Join(strings.Fields(s), " ")
	}
	var sb strings.Builder
	z := html.NewTokenizer(strings.NewReader(s))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.Join(strings.Fields(sb.String()), " ")
		case html.TextToken:
			sb.Write(z.Text())
			sb.WriteByte(' ')
		}
	}
}

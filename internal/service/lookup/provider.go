package lookup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/wrenfield/sage/backend/internal/model/lookup"
)

// Provider is an external capability returning ranked snippets for a query.
type Provider interface {
	Name() string
	Search(ctx context.Context, query string, limit int) ([]lookup.Result, error)
}

// TavilyProvider queries the Tavily web search API.
type TavilyProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewTavilyProvider builds the primary web-search provider.
func NewTavilyProvider(apiKey, baseURL string, timeout time.Duration) *TavilyProvider {
	if baseURL == "" {
		baseURL = "https://api.tavily.com"
	}
	return &TavilyProvider{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *TavilyProvider) Name() string { return "tavily" }

func (p *TavilyProvider) Search(ctx context.Context, query string, limit int) ([]lookup.Result, error) {
	payload, err := json.Marshal(map[string]any{
		"api_key":      p.apiKey,
		"query":        query,
		"search_depth": "advanced",
		"max_results":  limit,
	})
	if err != nil {
		return nil, fmt.Errorf("encode tavily request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/search", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build tavily request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tavily search: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tavily search: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Results []struct {
			Title   string `json:"title"`
			Content string `json:"content"`
			URL     string `json:"url"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode tavily response: %w", err)
	}

	results := make([]lookup.Result, 0, len(body.Results))
	for _, r := range body.Results {
		results = append(results, lookup.Result{
			Title:    r.Title,
			Content:  r.Content,
			URL:      r.URL,
			Provider: p.Name(),
		})
		if len(results) >= limit {
			break
		}
	}
	return results, nil
}

// WikipediaProvider resolves queries through the MediaWiki search API and
// the page summary REST endpoint.
type WikipediaProvider struct {
	baseURL string
	client  *http.Client
}

// NewWikipediaProvider builds the encyclopedia fallback provider.
func NewWikipediaProvider(baseURL string, timeout time.Duration) *WikipediaProvider {
	if baseURL == "" {
		baseURL = "https://en.wikipedia.org"
	}
	return &WikipediaProvider{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *WikipediaProvider) Name() string { return "wikipedia" }

func (p *WikipediaProvider) Search(ctx context.Context, query string, limit int) ([]lookup.Result, error) {
	titles, err := p.searchTitles(ctx, query, limit)
	if err != nil {
		return nil, err
	}

	results := make([]lookup.Result, 0, len(titles))
	for _, title := range titles {
		result, err := p.pageSummary(ctx, title)
		if err != nil {
			// Disambiguation and missing pages are expected; skip them.
			continue
		}
		results = append(results, result)
		if len(results) >= limit {
			break
		}
	}
	return results, nil
}

func (p *WikipediaProvider) searchTitles(ctx context.Context, query string, limit int) ([]string, error) {
	params := url.Values{}
	params.Set("action", "query")
	params.Set("list", "search")
	params.Set("srsearch", query)
	params.Set("srlimit", fmt.Sprintf("%d", limit))
	params.Set("format", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/w/api.php?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build wikipedia search request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("wikipedia search: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("wikipedia search: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Query struct {
			Search []struct {
				Title string `json:"title"`
			} `json:"search"`
		} `json:"query"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode wikipedia search response: %w", err)
	}

	titles := make([]string, 0, len(body.Query.Search))
	for _, hit := range body.Query.Search {
		titles = append(titles, hit.Title)
	}
	return titles, nil
}

func (p *WikipediaProvider) pageSummary(ctx context.Context, title string) (lookup.Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		p.baseURL+"/api/rest_v1/page/summary/"+url.PathEscape(title), nil)
	if err != nil {
		return lookup.Result{}, fmt.Errorf("build wikipedia summary request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return lookup.Result{}, fmt.Errorf("wikipedia summary: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return lookup.Result{}, fmt.Errorf("wikipedia summary for %q: status %d", title, resp.StatusCode)
	}

	var body struct {
		Title       string `json:"title"`
		Extract     string `json:"extract"`
		ContentURLs struct {
			Desktop struct {
				Page string `json:"page"`
			} `json:"desktop"`
		} `json:"content_urls"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return lookup.Result{}, fmt.Errorf("decode wikipedia summary: %w", err)
	}

	return lookup.Result{
		Title:    body.Title,
		Content:  body.Extract,
		URL:      body.ContentURLs.Desktop.Page,
		Provider: p.Name(),
	}, nil
}

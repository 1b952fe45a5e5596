package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/timelinehq/timeline/errors"
)

// DefaultMaxResults bounds how many documents one retrieval returns
const DefaultMaxResults = 10

// SearchClient is a published-date-filtered web search client implementing
// the retrieve stage.
type SearchClient struct {
	baseURL    string
	apiKey     string
	maxResults int
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.SugaredLogger
}

// SearchClientConfig holds search client configuration
type SearchClientConfig struct {
	BaseURL    string
	APIKey     string
	MaxResults int
	Limiter    *rate.Limiter      // nil = no client-side rate limiting
	Logger     *zap.SugaredLogger // nil = nop logger
}

// NewSearchClient creates a search client with timeline defaults.
func NewSearchClient(cfg SearchClientConfig) *SearchClient {
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = DefaultMaxResults
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	return &SearchClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		maxResults: cfg.MaxResults,
		httpClient: &http.Client{Timeout: requestTimeout},
		limiter:    cfg.Limiter,
		logger:     cfg.Logger,
	}
}

type searchRequest struct {
	Query              string         `json:"query"`
	NumResults         int            `json:"numResults"`
	IncludeDomains     []string       `json:"includeDomains,omitempty"`
	StartPublishedDate string         `json:"startPublishedDate"`
	EndPublishedDate   string         `json:"endPublishedDate"`
	Contents           searchContents `json:"contents"`
}

type searchContents struct {
	Text bool `json:"text"`
}

type searchResponse struct {
	Results []struct {
		Title         string `json:"title"`
		URL           string `json:"url"`
		PublishedDate string `json:"publishedDate"`
		Text          string `json:"text"`
	} `json:"results"`
}

// Retrieve implements Retriever: it searches for documents published
// within [start, end] using the interpreter's optimized query, restricted
// to suggested domains when the analysis names any.
func (c *SearchClient) Retrieve(ctx context.Context, analysis *QueryAnalysis, start, end time.Time) (*SearchResults, error) {
	if c.apiKey == "" {
		return nil, errors.New("search API key not configured")
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, errors.Wrap(err, "rate limiter wait")
		}
	}

	query := analysis.SearchQuery
	if query == "" {
		query = analysis.Intent
	}

	reqBody := searchRequest{
		Query:              query,
		NumResults:         c.maxResults,
		IncludeDomains:     analysis.SuggestedDomains,
		StartPublishedDate: start.UTC().Format(time.RFC3339),
		EndPublishedDate:   end.UTC().Format(time.RFC3339),
		Contents:           searchContents{Text: true},
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal search request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "search request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf("search API returned %d: %s", resp.StatusCode, truncate(string(body), 500))
	}

	var parsed searchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, errors.Wrap(err, "failed to parse search response")
	}

	results := &SearchResults{
		Results:    make([]SearchResult, 0, len(parsed.Results)),
		NumResults: len(parsed.Results),
	}
	for _, r := range parsed.Results {
		results.Results = append(results.Results, SearchResult{
			Title:       r.Title,
			URL:         r.URL,
			PublishedAt: r.PublishedDate,
			Text:        r.Text,
		})
		results.Sources = append(results.Sources, r.URL)
	}

	c.logger.Debugw("Search complete",
		"query", query,
		"num_results", results.NumResults,
		"window_start", start.Format(time.RFC3339),
		"window_end", end.Format(time.RFC3339))

	return results, nil
}

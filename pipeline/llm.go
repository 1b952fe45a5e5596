package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/timelinehq/timeline/errors"
)

const (
	// DefaultModel is the fallback model when none is specified
	DefaultModel = "claude-3-5-sonnet-20241022"
	// DefaultMaxTokens bounds completion length when none is specified
	DefaultMaxTokens = 1024

	apiVersion     = "2023-06-01"
	requestTimeout = 120 * time.Second
)

const interpretSystemPrompt = `You are a query analysis expert. Your job is to analyze user queries and extract:
1. The user's intent (what they're trying to find out)
2. Key topics/keywords to search for
3. Suggested domains/websites that would be best for this query (if any specific ones are relevant, otherwise return null)
4. An optimized search query for a web search engine

Return ONLY a JSON object with this exact structure:
{
  "intent": "Brief description of what user wants",
  "key_topics": ["topic1", "topic2", "topic3"],
  "suggested_domains": ["domain1.com", "domain2.com"] or null,
  "search_query": "optimized search query"
}`

const synthesizeSystemPrompt = `You are a research analyst. You will receive a user's question and a set of retrieved documents. Write a concise, well-sourced answer to the question using only the provided documents. Cite sources by URL where relevant. If the documents do not contain enough information, say so plainly.`

// LLMClient is a chat-model API client implementing the interpret and
// synthesize stages.
type LLMClient struct {
	baseURL    string
	apiKey     string
	model      string
	maxTokens  int
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.SugaredLogger
}

// LLMConfig holds LLM client configuration
type LLMConfig struct {
	BaseURL   string
	APIKey    string
	Model     string
	MaxTokens int
	Limiter   *rate.Limiter      // nil = no client-side rate limiting
	Logger    *zap.SugaredLogger // nil = nop logger
}

// NewLLMClient creates a chat-model client with timeline defaults.
func NewLLMClient(cfg LLMConfig) *LLMClient {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	return &LLMClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		maxTokens:  cfg.MaxTokens,
		httpClient: &http.Client{Timeout: requestTimeout},
		limiter:    cfg.Limiter,
		logger:     cfg.Logger,
	}
}

type messagesRequest struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	System    string        `json:"system,omitempty"`
	Messages  []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Interpret implements Interpreter: it asks the model for a structured
// reading of the query. An unparseable model response degrades to a basic
// analysis built from the raw query rather than failing the run.
func (c *LLMClient) Interpret(ctx context.Context, query string) (*QueryAnalysis, error) {
	text, err := c.complete(ctx, interpretSystemPrompt, "Analyze this query: "+query)
	if err != nil {
		return nil, errors.Wrap(err, "query analysis request failed")
	}

	var analysis QueryAnalysis
	if err := json.Unmarshal([]byte(extractJSON(text)), &analysis); err != nil {
		c.logger.Warnw("Model returned unparseable analysis, using fallback",
			"error", err)
		return &QueryAnalysis{
			Intent:      query,
			KeyTopics:   strings.Fields(query),
			SearchQuery: query,
		}, nil
	}

	if analysis.SearchQuery == "" {
		analysis.SearchQuery = query
	}
	return &analysis, nil
}

// Synthesize implements Synthesizer: it produces the final answer from the
// retrieved documents.
func (c *LLMClient) Synthesize(ctx context.Context, query string, results *SearchResults) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\nDocuments (%d):\n", query, results.NumResults)
	for i, r := range results.Results {
		fmt.Fprintf(&b, "\n[%d] %s (%s)\n%s\n", i+1, r.Title, r.URL, r.Text)
	}

	answer, err := c.complete(ctx, synthesizeSystemPrompt, b.String())
	if err != nil {
		return "", errors.Wrap(err, "synthesis request failed")
	}
	return answer, nil
}

// complete sends one messages-API request and returns the model's text.
func (c *LLMClient) complete(ctx context.Context, system, user string) (string, error) {
	if c.apiKey == "" {
		return "", errors.New("LLM API key not configured")
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", errors.Wrap(err, "rate limiter wait")
		}
	}

	reqBody := messagesRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    system,
		Messages:  []chatMessage{{Role: "user", Content: user}},
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return "", errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", apiVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrap(err, "failed to read response")
	}

	if resp.StatusCode != http.StatusOK {
		return "", errors.Newf("model API returned %d: %s", resp.StatusCode, truncate(string(body), 500))
	}

	var parsed messagesResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", errors.Wrap(err, "failed to parse response")
	}
	if parsed.Error != nil {
		return "", errors.Newf("model API error: %s: %s", parsed.Error.Type, parsed.Error.Message)
	}
	if len(parsed.Content) == 0 {
		return "", errors.New("model returned empty content")
	}

	return parsed.Content[0].Text, nil
}

// extractJSON strips markdown code fences some models wrap around JSON.
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}
	return strings.TrimSpace(text)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

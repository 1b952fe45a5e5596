// Package pipeline wraps the three-stage analysis pipeline behind a single
// adapter: interpret the query, retrieve information for a time window,
// synthesize an answer.
//
// The adapter owns sequencing and failure classification only. It does not
// retry; retry policy, if any, belongs to the stage implementations.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/timelinehq/timeline/errors"
)

// Stage names attached to failures so downstream consumers can classify
// them without re-deriving which stage broke.
const (
	StageInterpret  = "interpret"
	StageRetrieve   = "retrieve"
	StageSynthesize = "synthesize"
)

// QueryAnalysis is the interpreter's structured reading of a user query.
type QueryAnalysis struct {
	Intent           string   `json:"intent"`
	KeyTopics        []string `json:"key_topics"`
	SuggestedDomains []string `json:"suggested_domains,omitempty"`
	SearchQuery      string   `json:"search_query"`
}

// SearchResult is one retrieved document.
type SearchResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	PublishedAt string `json:"published_at,omitempty"`
	Text        string `json:"text,omitempty"`
}

// SearchResults is the retriever's output for one window.
type SearchResults struct {
	Results    []SearchResult `json:"results"`
	NumResults int            `json:"num_results"`
	Sources    []string       `json:"sources,omitempty"`
}

// StageTimings records wall-clock seconds spent per stage.
type StageTimings map[string]float64

// TotalKey is the StageTimings key holding the sum across stages.
const TotalKey = "total_execution_time"

// Outcome is the result of a fully successful pipeline execution.
type Outcome struct {
	Answer        string
	QueryAnalysis QueryAnalysis
	SearchResults SearchResults
	Timings       StageTimings
}

// StageError wraps a stage failure with the name of the failing stage.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Interpreter analyzes the raw user query.
type Interpreter interface {
	Interpret(ctx context.Context, query string) (*QueryAnalysis, error)
}

// Retriever fetches documents matching an analysis within a time window.
type Retriever interface {
	Retrieve(ctx context.Context, analysis *QueryAnalysis, start, end time.Time) (*SearchResults, error)
}

// Synthesizer produces the final answer from the retrieved documents.
type Synthesizer interface {
	Synthesize(ctx context.Context, query string, results *SearchResults) (string, error)
}

// Adapter chains the three stages strictly in sequence. A failure at any
// stage aborts the remaining stages.
type Adapter struct {
	interpreter Interpreter
	retriever   Retriever
	synthesizer Synthesizer
	logger      *zap.SugaredLogger
}

// NewAdapter creates a pipeline adapter over the three stage implementations.
func NewAdapter(interpreter Interpreter, retriever Retriever, synthesizer Synthesizer, logger *zap.SugaredLogger) *Adapter {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Adapter{
		interpreter: interpreter,
		retriever:   retriever,
		synthesizer: synthesizer,
		logger:      logger,
	}
}

// Execute runs interpret -> retrieve -> synthesize for one window and
// returns either a complete Outcome or a *StageError naming the stage
// that broke.
func (a *Adapter) Execute(ctx context.Context, query string, start, end time.Time) (*Outcome, error) {
	timings := StageTimings{}

	stageStart := time.Now()
	analysis, err := a.interpreter.Interpret(ctx, query)
	timings[StageInterpret] = time.Since(stageStart).Seconds()
	if err != nil {
		a.logger.Errorw("Query interpretation failed", "error", err)
		return nil, &StageError{Stage: StageInterpret, Err: err}
	}
	a.logger.Infow("Query interpreted",
		"intent", analysis.Intent,
		"search_query", analysis.SearchQuery,
		"duration_s", timings[StageInterpret])

	stageStart = time.Now()
	results, err := a.retriever.Retrieve(ctx, analysis, start, end)
	timings[StageRetrieve] = time.Since(stageStart).Seconds()
	if err != nil {
		a.logger.Errorw("Retrieval failed", "error", err)
		return nil, &StageError{Stage: StageRetrieve, Err: err}
	}
	a.logger.Infow("Retrieval complete",
		"num_results", results.NumResults,
		"duration_s", timings[StageRetrieve])

	stageStart = time.Now()
	answer, err := a.synthesizer.Synthesize(ctx, query, results)
	timings[StageSynthesize] = time.Since(stageStart).Seconds()
	if err != nil {
		a.logger.Errorw("Synthesis failed", "error", err)
		return nil, &StageError{Stage: StageSynthesize, Err: err}
	}

	timings[TotalKey] = timings[StageInterpret] + timings[StageRetrieve] + timings[StageSynthesize]
	a.logger.Infow("Pipeline complete", "total_s", timings[TotalKey])

	return &Outcome{
		Answer:        answer,
		QueryAnalysis: *analysis,
		SearchResults: *results,
		Timings:       timings,
	}, nil
}

// MarshalJSONField encodes a pipeline output for storage on a task record.
func MarshalJSONField(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal pipeline output")
	}
	return string(data), nil
}

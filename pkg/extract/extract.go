// Package extract turns chunk text into entities and relationships by
// prompting an LLM for JSON and validating what comes back.
package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/OFFIS-RIT/kiwi/grounding/internal/util"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/ai"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/common"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/logger"
)

const (
	DefaultMaxInputChars   = 500
	DefaultTemperature     = 0.1
	DefaultMaxOutputTokens = 1000
)

// Params configures an Extractor. Zero values take the defaults above and
// util.DefaultRetryPolicy.
type Params struct {
	Client            ai.GraphAIClient
	MaxInputChars     int
	Retry             util.RetryPolicy
	Temperature       float64
	MaxOutputTokens   int
	RequestsPerSecond float64
	RequestTimeout    time.Duration
	EntityTypes       []string
	RelationshipTypes []string
	TokenCounter      func(string) int
	Logger            *logger.Logger
}

// Stats is a snapshot of the extractor counters.
type Stats struct {
	Chunks             int64 `json:"chunks"`
	Extractions        int64 `json:"extractions"`
	EntitiesFound      int64 `json:"entities_found"`
	RelationshipsFound int64 `json:"relationships_found"`
	Errors             int64 `json:"errors"`
	Retries            int64 `json:"retries"`
	DroppedRecords     int64 `json:"dropped_records"`
	InputTokens        int64 `json:"input_tokens"`
}

// SuccessRate is the share of finished extractions that produced a result,
// in percent.
func (s Stats) SuccessRate() float64 {
	total := s.Extractions + s.Errors
	if total == 0 {
		return 0
	}
	return float64(s.Extractions) / float64(total) * 100
}

type counters struct {
	chunks, extractions, entities, relationships atomic.Int64
	errors, retries, dropped, inputTokens        atomic.Int64
}

// Extractor calls the LLM for one chunk at a time. It is safe for concurrent
// use.
type Extractor struct {
	client            ai.GraphAIClient
	maxInputChars     int
	retry             util.RetryPolicy
	temperature       float64
	maxOutputTokens   int
	requestTimeout    time.Duration
	entityTypes       []string
	relationshipTypes []string
	countTokens       func(string) int
	limiter           *rate.Limiter
	validate          *validator.Validate
	log               *logger.Logger

	stats counters
}

func New(params Params) *Extractor {
	maxChars := params.MaxInputChars
	if maxChars <= 0 {
		maxChars = DefaultMaxInputChars
	}
	policy := params.Retry
	if policy.MaxAttempts <= 0 {
		policy = util.DefaultRetryPolicy()
	}
	temp := params.Temperature
	if temp <= 0 {
		temp = DefaultTemperature
	}
	maxTokens := params.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxOutputTokens
	}
	counter := params.TokenCounter
	if counter == nil {
		counter = ai.CountTokens
	}

	var limiter *rate.Limiter
	if params.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(params.RequestsPerSecond), 1)
	}

	return &Extractor{
		client:            params.Client,
		maxInputChars:     maxChars,
		retry:             policy,
		temperature:       temp,
		maxOutputTokens:   maxTokens,
		requestTimeout:    params.RequestTimeout,
		entityTypes:       params.EntityTypes,
		relationshipTypes: params.RelationshipTypes,
		countTokens:       counter,
		limiter:           limiter,
		validate:          validator.New(),
		log:               params.Logger,
	}
}

// Extract returns the entities and relationships found in text. It never
// fails: exhausted retries, cancellation and unusable output all yield an
// empty result and are visible through Stats.
func (e *Extractor) Extract(ctx context.Context, text string) common.ExtractionResult {
	text = strings.TrimSpace(util.SanitizeText(text))
	if text == "" {
		return common.ExtractionResult{}
	}
	e.stats.chunks.Add(1)

	prompt := BuildPrompt(util.TruncateRunes(text, e.maxInputChars), e.entityTypes, e.relationshipTypes)
	promptTokens := int64(e.countTokens(SystemPrompt) + e.countTokens(prompt))

	type parsed struct {
		result  common.ExtractionResult
		dropped int
	}

	out, attempts, err := util.RetryWithPolicy(ctx, e.retry, func(ctx context.Context) (parsed, error) {
		content, err := e.complete(ctx, prompt, promptTokens)
		if err != nil {
			return parsed{}, err
		}
		result, dropped, err := ParseResponse(content)
		if err != nil {
			return parsed{}, err
		}
		return parsed{result: result, dropped: dropped}, nil
	}, func(attempt int, err error) {
		e.stats.retries.Add(1)
		e.log.Warn("[Extract] Attempt failed, retrying",
			"attempt", attempt,
			"max_attempts", e.retry.MaxAttempts,
			"backoff", e.retry.Backoff(attempt),
			"err", err,
		)
	})
	if err != nil {
		if ctx.Err() != nil {
			e.log.Debug("[Extract] Canceled", "attempts", attempts)
			return common.ExtractionResult{}
		}
		e.stats.errors.Add(1)
		e.log.Error("[Extract] Extraction failed", "attempts", attempts, "err", err)
		return common.ExtractionResult{}
	}

	result := e.clean(out.result, out.dropped)
	e.stats.extractions.Add(1)
	e.stats.entities.Add(int64(len(result.Entities)))
	e.stats.relationships.Add(int64(len(result.Relationships)))
	return result
}

// ExtractBatch extracts texts with at most concurrency calls in flight and
// returns results in input order.
func (e *Extractor) ExtractBatch(ctx context.Context, texts []string, concurrency int) []common.ExtractionResult {
	results := make([]common.ExtractionResult, len(texts))
	if concurrency < 1 {
		concurrency = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for idx, text := range texts {
		g.Go(func() error {
			results[idx] = e.Extract(gctx, text)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (e *Extractor) complete(ctx context.Context, prompt string, tokens int64) (string, error) {
	if e.client == nil {
		return "", util.Permanent(errors.New("extract: no AI client configured"))
	}
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	reqCtx := ctx
	cancel := func() {}
	if e.requestTimeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, e.requestTimeout)
	}
	defer cancel()

	e.stats.inputTokens.Add(tokens)
	content, err := e.client.GenerateCompletion(reqCtx, prompt,
		ai.WithSystemPrompts(SystemPrompt),
		ai.WithTemperature(e.temperature),
		ai.WithMaxTokens(e.maxOutputTokens),
		ai.WithJSONMode(),
	)
	if err != nil {
		// a per-request timeout is retried, only the caller's deadline stops us
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("extract: request timed out after %s", e.requestTimeout)
		}
		return "", err
	}
	return content, nil
}

// clean trims fields and drops records failing validation.
func (e *Extractor) clean(in common.ExtractionResult, dropped int) common.ExtractionResult {
	out := common.ExtractionResult{
		Entities:      make([]common.ExtractedEntity, 0, len(in.Entities)),
		Relationships: make([]common.ExtractedRelationship, 0, len(in.Relationships)),
	}
	for _, ent := range in.Entities {
		ent.Name = strings.TrimSpace(ent.Name)
		ent.Type = strings.TrimSpace(ent.Type)
		if err := e.validate.Struct(ent); err != nil {
			dropped++
			e.log.Debug("[Extract] Dropping entity", "name", ent.Name, "err", err)
			continue
		}
		if ent.Properties == nil {
			ent.Properties = map[string]any{}
		}
		out.Entities = append(out.Entities, ent)
	}
	for _, rel := range in.Relationships {
		rel.Source = strings.TrimSpace(rel.Source)
		rel.Target = strings.TrimSpace(rel.Target)
		rel.Type = strings.TrimSpace(rel.Type)
		if err := e.validate.Struct(rel); err != nil {
			dropped++
			e.log.Debug("[Extract] Dropping relationship", "source", rel.Source, "target", rel.Target, "err", err)
			continue
		}
		if rel.Properties == nil {
			rel.Properties = map[string]any{}
		}
		out.Relationships = append(out.Relationships, rel)
	}
	if dropped > 0 {
		e.stats.dropped.Add(int64(dropped))
	}
	return out
}

// Stats returns a snapshot of the counters.
func (e *Extractor) Stats() Stats {
	return Stats{
		Chunks:             e.stats.chunks.Load(),
		Extractions:        e.stats.extractions.Load(),
		EntitiesFound:      e.stats.entities.Load(),
		RelationshipsFound: e.stats.relationships.Load(),
		Errors:             e.stats.errors.Load(),
		Retries:            e.stats.retries.Load(),
		DroppedRecords:     e.stats.dropped.Load(),
		InputTokens:        e.stats.inputTokens.Load(),
	}
}

// ResetStats zeroes all counters.
func (e *Extractor) ResetStats() {
	e.stats.chunks.Store(0)
	e.stats.extractions.Store(0)
	e.stats.entities.Store(0)
	e.stats.relationships.Store(0)
	e.stats.errors.Store(0)
	e.stats.retries.Store(0)
	e.stats.dropped.Store(0)
	e.stats.inputTokens.Store(0)
}

package extraction

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/otherjamesbrown/meetpipe/pkg/chunker"
	mperrors "github.com/otherjamesbrown/meetpipe/pkg/errors"
	"github.com/otherjamesbrown/meetpipe/pkg/logging"
	"github.com/otherjamesbrown/meetpipe/pkg/observability"
)

// DefaultParallelism bounds concurrent chunk calls when none is configured.
const DefaultParallelism = 4

// MeetingContext is what the prompt knows about the meeting besides the chunk text.
type MeetingContext struct {
	Title        string
	Date         string
	Type         string
	Company      string
	Participants []string
	TotalChunks  int
}

// ChunkRequest is one unit of extraction work.
type ChunkRequest struct {
	Meeting MeetingContext
	Chunk   chunker.Chunk
}

// Extractor extracts one chunk. Implementations return a validated ChunkExtraction
// or an error; a SchemaValidation error marks a malformed response.
type Extractor interface {
	ExtractChunk(ctx context.Context, req ChunkRequest) (*ChunkExtraction, error)
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(ctx context.Context, req ChunkRequest) (*ChunkExtraction, error)

func (f ExtractorFunc) ExtractChunk(ctx context.Context, req ChunkRequest) (*ChunkExtraction, error) {
	return f(ctx, req)
}

// Engine fans chunks out to an Extractor and merges what comes back.
type Engine struct {
	extractor   Extractor
	parallelism int
	dedup       Deduper
	logger      logging.Logger
	metrics     *observability.Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithParallelism bounds concurrent extractor calls.
func WithParallelism(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.parallelism = n
		}
	}
}

// WithDeduper replaces the exact-text merge key.
func WithDeduper(d Deduper) Option {
	return func(e *Engine) {
		if d != nil {
			e.dedup = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithMetrics records per-chunk outcomes.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// NewEngine creates an extraction engine.
func NewEngine(extractor Extractor, opts ...Option) *Engine {
	e := &Engine{
		extractor:   extractor,
		parallelism: DefaultParallelism,
		dedup:       ExactDeduper{},
		logger:      logging.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(logging.F("component", "extraction"))
	return e
}

// Extract runs every chunk with no meeting context.
func (e *Engine) Extract(ctx context.Context, chunks []chunker.Chunk) (*Report, error) {
	return e.ExtractMeeting(ctx, MeetingContext{}, chunks)
}

// ExtractMeeting issues one extractor call per chunk with bounded parallelism
// and merges the successful ones in chunk index order. Failed chunks are
// listed in the report. If every chunk fails the error is ExtractionFailed.
// Cancellation of ctx aborts the whole call.
func (e *Engine) ExtractMeeting(ctx context.Context, meeting MeetingContext, chunks []chunker.Chunk) (*Report, error) {
	ordered := slices.Clone(chunks)
	slices.SortStableFunc(ordered, func(a, b chunker.Chunk) int { return a.Index - b.Index })
	if meeting.TotalChunks == 0 {
		meeting.TotalChunks = len(ordered)
	}

	report := &Report{Chunks: len(ordered), ChunkFailures: []ChunkFailure{}}
	if len(ordered) == 0 {
		report.Intelligence = NewMeetingIntelligence()
		return report, nil
	}

	parts := make([]*MeetingIntelligence, len(ordered))
	failures := make([]*ChunkFailure, len(ordered))
	causes := make([]error, len(ordered))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for i, ch := range ordered {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			start := time.Now()
			res, err := e.extractor.ExtractChunk(gctx, ChunkRequest{Meeting: meeting, Chunk: ch})
			if err == nil && res != nil {
				// Extractors may hand back unvalidated output.
				err = res.Validate()
			} else if err == nil {
				err = mperrors.SchemaValidation("extractor returned no result")
			}
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				code := mperrors.CodeOf(err)
				status := "failed"
				if code == mperrors.ErrCodeSchemaValidation {
					status = "schema_invalid"
				}
				e.metrics.RecordChunkExtraction(status)
				e.logger.Warn("chunk extraction failed",
					logging.F("chunk", ch.Index),
					logging.F("error_code", string(code)),
					logging.Err(err))
				failures[i] = &ChunkFailure{Chunk: ch.Index, Code: string(code), Error: err.Error()}
				causes[i] = err
				return nil
			}
			e.metrics.RecordChunkExtraction("ok")
			e.logger.Debug("chunk extracted",
				logging.F("chunk", ch.Index),
				logging.F("decisions", len(res.Decisions)),
				logging.F("action_items", len(res.ActionItems)),
				logging.F("duration_ms", time.Since(start).Milliseconds()))
			parts[i] = res.Intelligence(ch.Index)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, mperrors.ClassifyError(err, "extract")
		}
		return nil, err
	}

	var firstCause error
	for i, f := range failures {
		if f != nil {
			report.ChunkFailures = append(report.ChunkFailures, *f)
			if firstCause == nil {
				firstCause = causes[i]
			}
		}
	}
	if len(report.ChunkFailures) == len(ordered) {
		if mperrors.CodeOf(firstCause) == mperrors.ErrCodeConfiguration {
			// Retrying cannot fix a bad key.
			return report, firstCause
		}
		return report, mperrors.ExtractionFailed(
			fmt.Sprintf("all %d chunks failed", len(ordered)), firstCause)
	}

	report.Intelligence = Merge(parts, e.dedup)
	if report.Partial() {
		e.logger.Warn("partial extraction",
			logging.F("chunks", report.Chunks),
			logging.F("failed_chunks", report.FailedChunks()))
	}
	return report, nil
}

// Package stage implements the search-stage abstraction (C6): a
// polymorphic worker over the capability set {decode, hyp, seg_iter},
// plus the pipeline-level operations (link, set callback, run, wait)
// that are identical across every concrete variant (fwdtree, fwdflat,
// latgen, state_align in the source this spec was distilled from).
//
// Grounded on multisphinx's search.c/ngram_search_fwdtree.c worker-task
// pattern: one goroutine per stage runs the decode loop and emits
// START/PARTIAL/END/FINAL events through a single callback; golang.org/x/sync/errgroup
// replaces the source's pthread join for stage_wait.
package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/google/uuid"

	"github.com/latticebound/decodepipe/internal/decode/arcbuf"
	"github.com/latticebound/decodepipe/internal/decode/bptbl"
	"github.com/latticebound/decodepipe/internal/observe"
	"github.com/latticebound/decodepipe/pkg/events"
)

var (
	// ErrEndOfUtterance is returned by Decoder.Decode/StartUtt when the
	// stage's source has reached a clean end of utterance.
	ErrEndOfUtterance = errors.New("stage: end of utterance")
	// ErrCanceled is returned when the stage's source was shut down
	// (producer_shutdown), requiring cooperative exit without running
	// normal finalization.
	ErrCanceled = errors.New("stage: canceled")
)

// Decoder is the capability set a concrete search-stage variant
// implements. The dictionary/LM/Viterbi internals behind Decode are out
// of scope for this module; Decoder is the narrow boundary across which
// they are reached.
type Decoder interface {
	// StartUtt blocks until this stage's source (feature buffer or
	// upstream arc buffer) signals utterance start.
	StartUtt(ctx context.Context) error
	// Decode processes as much as is currently available, returning the
	// number of frames processed. Returns ErrEndOfUtterance or
	// ErrCanceled when the source is exhausted.
	Decode(ctx context.Context) (int, error)
	// Hyp returns the latest hypothesis, partial or final.
	Hyp() (string, int32)
	// SegIter returns the latest segmentation.
	SegIter() ([]bptbl.Segment, error)
	// Finish runs end-of-utterance bookkeeping (backtrace, bptbl
	// finalize) so Hyp reflects the final result.
	Finish() error
	// BPTbl exposes the stage's back-pointer table so a downstream arc
	// buffer can be linked against it; returns nil if this decoder
	// keeps none (e.g. a pure re-scoring pass with no word-exit store).
	BPTbl() *bptbl.Table
}

// Stage wraps a Decoder with the pipeline-level operations every
// variant shares: linking an output arc buffer, registering an event
// callback, and running/joining the worker task.
type Stage struct {
	Name    string
	Kind    string
	decoder Decoder

	input  *arcbuf.Buffer
	output *arcbuf.Buffer

	cb events.Callback

	g       *errgroup.Group
	ctx     context.Context
	logger  *slog.Logger
	metrics *observe.Metrics
}

// New wraps decoder as a named stage of the given kind (e.g. "fwdtree",
// "fwdflat", "latgen", "state_align").
func New(name, kind string, decoder Decoder) *Stage {
	return &Stage{
		Name:    name,
		Kind:    kind,
		decoder: decoder,
		logger:  slog.Default().With("stage", name, "kind", kind),
		metrics: observe.DefaultMetrics(),
	}
}

// SetInput records the upstream arc buffer this stage reads from
// (informational / for pipeline accessors; the concrete Decoder is
// responsible for actually consuming it).
func (s *Stage) SetInput(buf *arcbuf.Buffer) { s.input = buf }

// Input returns the stage's upstream arc buffer, or nil.
func (s *Stage) Input() *arcbuf.Buffer { return s.input }

// Output returns the stage's downstream arc buffer, or nil.
func (s *Stage) Output() *arcbuf.Buffer { return s.output }

// Link creates an arc buffer whose producer is `from` and consumer is
// `to`, wiring it into from.Output and to.Input. keepScores controls
// whether each arc carries from's bptbl path score.
func Link(from, to *Stage, name string, lm arcbuf.LMContext, keepScores bool) (*arcbuf.Buffer, error) {
	bp := from.decoder.BPTbl()
	if bp == nil {
		return nil, fmt.Errorf("stage: link %s -> %s: %s has no back-pointer table to read", from.Name, to.Name, from.Name)
	}
	buf := arcbuf.New(name, bp, lm, keepScores)
	from.output = buf
	to.input = buf
	return buf, nil
}

// SetCallback registers the event callback. Callbacks run synchronously
// on the stage's own worker task and must not block on that same stage.
func (s *Stage) SetCallback(cb events.Callback) { s.cb = cb }

// Run spawns the worker task, which calls Decode in a loop and exits
// when Decode returns a cancellation or end-of-utterance indication.
func (s *Stage) Run(uttID uuid.UUID) {
	g, ctx := errgroup.WithContext(context.Background())
	s.g, s.ctx = g, ctx
	g.Go(func() error {
		return s.workerLoop(ctx, uttID)
	})
}

// Wait joins the worker task, returning any unexpected (non-cooperative)
// error it encountered.
func (s *Stage) Wait() error {
	if s.g == nil {
		return nil
	}
	return s.g.Wait()
}

func (s *Stage) emit(kind events.Kind, uttID uuid.UUID, framesSoFar int) {
	if s.cb == nil {
		return
	}
	hyp, score := s.decoder.Hyp()
	s.cb(events.Event{
		Kind:        kind,
		UtteranceID: uttID,
		StageName:   s.Name,
		Hyp:         hyp,
		Score:       score,
		FramesSoFar: framesSoFar,
	})
}

func (s *Stage) shutdownOutput() {
	if s.output != nil {
		s.output.ProducerShutdown()
	}
}

func (s *Stage) workerLoop(ctx context.Context, uttID uuid.UUID) error {
	stageAttr := metric.WithAttributes(observe.Attr("stage", s.Name))
	s.metrics.ActiveStages.Add(ctx, 1)
	defer s.metrics.ActiveStages.Add(ctx, -1)

	if err := s.decoder.StartUtt(ctx); err != nil {
		s.logger.Debug("stage start utt canceled", "err", err)
		s.shutdownOutput()
		return nil
	}
	uttStart := time.Now()
	s.emit(events.Start, uttID, 0)

	frames := 0
	for {
		decodeStart := time.Now()
		n, err := s.decoder.Decode(ctx)
		s.metrics.StageDecodeDuration.Record(ctx, time.Since(decodeStart).Seconds(), stageAttr)
		frames += n
		if err != nil {
			if errors.Is(err, ErrEndOfUtterance) {
				break
			}
			if errors.Is(err, ErrCanceled) {
				s.logger.Debug("stage canceled mid-utterance", "frames", frames)
				s.shutdownOutput()
				return nil
			}
			s.metrics.RecordStageError(ctx, s.Name)
			return fmt.Errorf("stage %s: decode: %w", s.Name, err)
		}
		if n > 0 {
			s.metrics.RecordFramesProcessed(ctx, s.Name, int64(n))
			if s.output != nil {
				if _, sweepErr := s.output.ProducerSweep(false); sweepErr != nil {
					s.metrics.RecordStageError(ctx, s.Name)
					return fmt.Errorf("stage %s: producer sweep: %w", s.Name, sweepErr)
				}
			}
			s.emit(events.Partial, uttID, frames)
		}
	}
	s.emit(events.End, uttID, frames)

	if err := s.decoder.Finish(); err != nil {
		s.metrics.RecordStageError(ctx, s.Name)
		return fmt.Errorf("stage %s: finish: %w", s.Name, err)
	}
	if s.output != nil {
		if _, err := s.output.ProducerSweep(true); err != nil {
			s.metrics.RecordStageError(ctx, s.Name)
			return fmt.Errorf("stage %s: final producer sweep: %w", s.Name, err)
		}
	}
	s.metrics.UtteranceDuration.Record(ctx, time.Since(uttStart).Seconds(), stageAttr)
	s.emit(events.Final, uttID, frames)
	s.shutdownOutput()
	return nil
}

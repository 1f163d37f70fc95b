// Package pipeline implements the pipeline / search factory (C7): the
// top-level object a host application builds once per process, owning
// the shared feature buffer and the shared immutable model resources
// every search stage retains a reference to, and a factory method for
// instantiating new stages that may copy configuration from an
// existing "template" stage while overriding specific options.
//
// Grounded on multisphinx's `ps_search_init`/`acmod_init` split: one
// process-wide acoustic model and phonetic-context map is loaded once
// and shared by reference across every pass, while each pass gets its
// own bptbl and scorer handle.
package pipeline

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/latticebound/decodepipe/internal/decode/arcbuf"
	"github.com/latticebound/decodepipe/internal/decode/bptbl"
	"github.com/latticebound/decodepipe/internal/decode/featbuf"
	"github.com/latticebound/decodepipe/internal/decode/scorer"
	"github.com/latticebound/decodepipe/internal/decode/stage"
	"github.com/latticebound/decodepipe/internal/decode/syncseq"
	"github.com/latticebound/decodepipe/pkg/events"
	"github.com/latticebound/decodepipe/pkg/frame"
)

// Resources are the shared, immutable, reference-counted model data
// every stage in a pipeline retains a handle to: the acoustic scorer's
// back end, the phonetic-context map bptbl needs, and an optional
// language-model rescorer for arc buffers. The GMM/LM/dictionary
// internals behind these interfaces are out of scope for this module;
// Resources only manages their lifetime.
type Resources struct {
	Model    scorer.Model
	PhoneCtx bptbl.PhoneContext
	LM       arcbuf.LMContext

	refcount int32 // atomic; starts at 1 for the caller's own reference
}

// NewResources wraps model/phoneCtx/lm (lm may be nil) with an initial
// reference count of one, held by the caller.
func NewResources(model scorer.Model, phoneCtx bptbl.PhoneContext, lm arcbuf.LMContext) *Resources {
	return &Resources{Model: model, PhoneCtx: phoneCtx, LM: lm, refcount: 1}
}

// Retain adds one reference, for a new stage about to start using these
// resources.
func (r *Resources) Retain() { atomic.AddInt32(&r.refcount, 1) }

// Release drops one reference. Once the count reaches zero, any backing
// Model/LM that implements io.Closer is closed.
func (r *Resources) Release() {
	if atomic.AddInt32(&r.refcount, -1) > 0 {
		return
	}
	if c, ok := r.Model.(io.Closer); ok {
		c.Close()
	}
	if c, ok := r.LM.(io.Closer); ok {
		c.Close()
	}
}

// StageConfig is the per-stage configuration Create may copy from a
// template and selectively override.
type StageConfig struct {
	// Kind names the search-stage variant ("state_align" is the only
	// concrete Decoder this module implements; the lexical-tree/flat
	// search algorithms fwdtree/fwdflat name in the distilled spec are
	// explicitly out of scope — see DESIGN.md).
	Kind string

	PollInterval      time.Duration
	BPInitialCap      int
	BPInitialFrameCap int

	// Words is the known transcript a state_align stage aligns against.
	Words []stage.WordSpec
}

// Option overrides one field of a StageConfig, following the same
// functional-option shape as [syncseq.WithPollInterval].
type Option func(*StageConfig)

// WithWords overrides the known transcript a state_align stage aligns
// against.
func WithWords(words []stage.WordSpec) Option {
	return func(c *StageConfig) { c.Words = words }
}

// WithPollInterval overrides how often a stage's wait for its next feature
// frame re-checks its context. The stage's wait for utterance start does
// not use it.
func WithPollInterval(d time.Duration) Option {
	return func(c *StageConfig) { c.PollInterval = d }
}

// WithBPCapacity overrides the new stage's back-pointer table's initial
// entry and frame-index capacity hints.
func WithBPCapacity(entries, frames int) Option {
	return func(c *StageConfig) { c.BPInitialCap, c.BPInitialFrameCap = entries, frames }
}

func (c StageConfig) apply(overrides []Option) StageConfig {
	for _, opt := range overrides {
		opt(&c)
	}
	return c
}

// DefaultStageConfig is the template Create falls back to when no
// explicit template is passed.
var DefaultStageConfig = StageConfig{
	PollInterval:      5 * time.Millisecond,
	BPInitialCap:      256,
	BPInitialFrameCap: 256,
}

// Pipeline owns the shared feature buffer and shared model resources
// for one decode session, and factories new search stages bound to
// them.
type Pipeline struct {
	res *Resources
	fb  *featbuf.Buffer
	bus events.Bus

	mu     sync.Mutex
	stages map[string]*stage.Stage
}

// Build constructs a pipeline for frames of dimension dim, driven by
// proc, sharing res across every stage it creates.
func Build(dim frame.Dim, proc featbuf.SignalProcessor, res *Resources, opts ...syncseq.Option) *Pipeline {
	return &Pipeline{
		res:    res,
		fb:     featbuf.New(dim, proc, opts...),
		stages: make(map[string]*stage.Stage),
	}
}

// FeatureBuffer returns the pipeline's shared feature buffer, for host
// code (or tests) to drive directly via its producer-side methods.
func (p *Pipeline) FeatureBuffer() *featbuf.Buffer { return p.fb }

// Events returns the pipeline-wide event bus. Every stage Create
// produces has its callback wired to publish through this bus;
// subscribe before calling Run on any stage.
func (p *Pipeline) Events() *events.Bus { return &p.bus }

// Stage returns the named stage previously created with Create, or nil.
func (p *Pipeline) Stage(name string) *stage.Stage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stages[name]
}

// Create instantiates a new named search stage. template, if non-nil,
// supplies the base configuration (e.g. a previous pass's word list and
// capacity hints); overrides apply on top of it, or on top of
// DefaultStageConfig if template is nil. The new stage retains the
// pipeline's shared Resources and registers a feature-buffer consumer.
func (p *Pipeline) Create(name, kind string, template *StageConfig, overrides ...Option) (*stage.Stage, error) {
	base := DefaultStageConfig
	if template != nil {
		base = *template
	}
	cfg := base.apply(overrides)
	cfg.Kind = kind

	if err := p.fb.Retain(); err != nil {
		return nil, fmt.Errorf("pipeline: create %s: %w", name, err)
	}
	p.res.Retain()

	sc := scorer.New(p.fb, p.res.Model)
	sc.SetName(name)
	bp := bptbl.New(p.res.PhoneCtx, cfg.BPInitialCap, cfg.BPInitialFrameCap)
	bp.SetName(name)
	decoder := stage.NewStateAlign(p.fb, sc, bp, cfg.Words, cfg.PollInterval)
	st := stage.New(name, kind, decoder)
	st.SetCallback(p.bus.Publish)

	p.mu.Lock()
	p.stages[name] = st
	p.mu.Unlock()
	return st, nil
}

// Link wires from's output arc buffer to to's input, as
// [stage.Link], sharing the pipeline's Resources' LM for rescoring.
func (p *Pipeline) Link(from, to *stage.Stage, name string, keepScores bool) (*arcbuf.Buffer, error) {
	return stage.Link(from, to, name, p.res.LM, keepScores)
}

// RunAll starts every stage previously created, in an unspecified
// order, under the single utterance ID uttID. Stages linked by arc
// buffers coordinate their own ordering through those buffers'
// suspension points.
func (p *Pipeline) RunAll(uttID uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, st := range p.stages {
		st.Run(uttID)
	}
}

// WaitAll joins every stage previously created, returning the first
// unexpected error encountered, if any.
func (p *Pipeline) WaitAll() error {
	p.mu.Lock()
	snapshot := make([]*stage.Stage, 0, len(p.stages))
	for _, st := range p.stages {
		snapshot = append(snapshot, st)
	}
	p.mu.Unlock()

	var first error
	for _, st := range snapshot {
		if err := st.Wait(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

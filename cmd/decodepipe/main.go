// Command decodepipe wires a two-pass decode pipeline from a YAML
// topology file and runs it against a synthetic utterance, printing each
// stage's events as they arrive. Real acoustic/LM/dictionary back ends
// are out of scope for this module, so the demo drives the pipeline with
// the deterministic stand-ins in internal/mock.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/latticebound/decodepipe/internal/config"
	"github.com/latticebound/decodepipe/internal/decode/bptbl"
	"github.com/latticebound/decodepipe/internal/decode/pipeline"
	"github.com/latticebound/decodepipe/internal/decode/scorer"
	"github.com/latticebound/decodepipe/internal/decode/stage"
	"github.com/latticebound/decodepipe/internal/decode/syncseq"
	"github.com/latticebound/decodepipe/internal/mock"
	"github.com/latticebound/decodepipe/internal/observe"
	"github.com/latticebound/decodepipe/pkg/events"
	"github.com/latticebound/decodepipe/pkg/frame"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "configs/example.yaml", "path to the pipeline topology YAML file")
	utteranceFrames := flag.Int("frames", 30, "number of synthetic frames to feed for the whole utterance")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "decodepipe: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "decodepipe: %v\n", err)
		}
		return 1
	}

	slog.SetDefault(newLogger(cfg.Server.LogLevel))
	slog.Info("decodepipe starting", "config", *configPath, "stages", len(cfg.Stages), "links", len(cfg.Links))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownObserve, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		slog.Error("failed to init observability providers", "err", err)
		return 1
	}
	defer func() {
		if err := shutdownObserve(context.Background()); err != nil {
			slog.Error("observability shutdown failed", "err", err)
		}
	}()

	p, err := buildPipeline(cfg)
	if err != nil {
		slog.Error("failed to build pipeline", "err", err)
		return 1
	}

	p.Events().Subscribe(func(ev events.Event) {
		fmt.Printf("[%-6s] stage=%-10s frames=%-4d hyp=%q score=%d\n",
			ev.Kind, ev.StageName, ev.FramesSoFar, ev.Hyp, ev.Score)
	})

	uttID := uuid.New()
	p.RunAll(uttID)

	if err := produceUtterance(ctx, p, *utteranceFrames); err != nil {
		slog.Error("producer failed", "err", err)
		return 1
	}

	if err := p.WaitAll(); err != nil {
		slog.Error("pipeline run failed", "err", err)
		return 1
	}

	slog.Info("decodepipe done")
	return 0
}

// buildPipeline wires one feature buffer and every configured stage and
// link, grounded on the teacher's provider-factory wiring in
// cmd/glyphoxa/main.go.
func buildPipeline(cfg *config.Config) (*pipeline.Pipeline, error) {
	dim := frame.Dim(cfg.Feature.Dimension)
	proc := &mock.SignalProcessor{}

	res := pipeline.NewResources(
		&mock.Model{Senones: 64, FixedScore: 1},
		&mock.PhoneContext{},
		&mock.LMContext{FixedScore: 0},
	)

	var opts []syncseq.Option
	if d := cfg.Feature.PollInterval(); d > 0 {
		opts = append(opts, syncseq.WithPollInterval(d))
	}
	p := pipeline.Build(dim, proc, res, opts...)

	stages := make(map[string]*stage.Stage, len(cfg.Stages))
	configByName := make(map[string]config.StageConfig, len(cfg.Stages))
	for _, sc := range cfg.Stages {
		configByName[sc.Name] = sc
	}

	for _, sc := range cfg.Stages {
		tmpl := resolveTemplate(sc, configByName)
		var opts []pipeline.Option
		if len(sc.Words) > 0 {
			opts = append(opts, pipeline.WithWords(toWordSpecs(sc.Words)))
		}
		if d := cfg.Feature.PollInterval(); d > 0 {
			opts = append(opts, pipeline.WithPollInterval(d))
		}
		if sc.BPInitialCapacity > 0 && sc.BPInitialFrameCapacity > 0 {
			opts = append(opts, pipeline.WithBPCapacity(sc.BPInitialCapacity, sc.BPInitialFrameCapacity))
		}
		st, err := p.Create(sc.Name, string(sc.Kind), tmpl, opts...)
		if err != nil {
			return nil, fmt.Errorf("create stage %q: %w", sc.Name, err)
		}
		stages[sc.Name] = st
	}

	for _, lc := range cfg.Links {
		from, ok := stages[lc.From]
		if !ok {
			return nil, fmt.Errorf("link %q: unknown from stage %q", lc.Name, lc.From)
		}
		to, ok := stages[lc.To]
		if !ok {
			return nil, fmt.Errorf("link %q: unknown to stage %q", lc.Name, lc.To)
		}
		if _, err := p.Link(from, to, lc.Name, lc.KeepScores); err != nil {
			return nil, fmt.Errorf("link %q: %w", lc.Name, err)
		}
	}

	return p, nil
}

func resolveTemplate(sc config.StageConfig, byName map[string]config.StageConfig) *pipeline.StageConfig {
	if sc.Template == "" {
		return nil
	}
	parent, ok := byName[sc.Template]
	if !ok {
		return nil
	}
	return &pipeline.StageConfig{
		BPInitialCap:      parent.BPInitialCapacity,
		BPInitialFrameCap: parent.BPInitialFrameCapacity,
		Words:             toWordSpecs(parent.Words),
	}
}

// toWordSpecs turns the configured vocabulary word IDs into WordSpecs
// against the demo's synthetic 64-senone mock model: word N is scored
// against senone N mod 64, and each word must hold its forced-alignment minimum
// of 3 frames.
func toWordSpecs(words []int32) []stage.WordSpec {
	specs := make([]stage.WordSpec, len(words))
	for i, w := range words {
		specs[i] = stage.WordSpec{
			WordID:    bptbl.WordID(w),
			Senones:   []scorer.SenoneID{scorer.SenoneID(w % 64)},
			MinFrames: 3,
		}
	}
	return specs
}

func produceUtterance(ctx context.Context, p *pipeline.Pipeline, frames int) error {
	fb := p.FeatureBuffer()
	fb.ProducerStartUtt(uuid.New().String())
	samples := make([]int16, frames)
	for i := range samples {
		samples[i] = int16(i)
	}
	if err := fb.ProducerProcessRaw(samples, true); err != nil {
		return fmt.Errorf("process raw: %w", err)
	}
	return fb.ProducerEndUtt(ctx)
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogLevelDebug:
		lvl = slog.LevelDebug
	case config.LogLevelWarn:
		lvl = slog.LevelWarn
	case config.LogLevelError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/dhcgn/eml-extract/model"
	"github.com/dhcgn/eml-extract/stats"
)

// Bar renders one progress bar per pipeline stage.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	stage   model.Stage
	mu      sync.Mutex
	enabled bool
}

// New creates a progress bar. A disabled bar swallows every event.
func New(enabled bool) *Bar {
	return &Bar{enabled: enabled}
}

// Update moves the bar according to the event.
func (b *Bar) Update(evt stats.Event) {
	if !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeStage:
		b.stopLocked()
		b.stage = evt.Stage
		if !barStage(evt.Stage) {
			return
		}
		pb, err := pterm.DefaultProgressbar.
			WithTotal(100).
			WithTitle(stageTitle(evt.Stage)).
			Start()
		if err != nil {
			return
		}
		b.pb = pb
	case stats.EventTypeProgress:
		if b.pb == nil {
			return
		}
		if delta := evt.Percent - b.pb.Current; delta > 0 {
			b.pb.Add(delta)
		}
	case stats.EventTypeFailed:
		// Printed above the bar.
		if evt.Err != nil {
			pterm.Warning.Printf("%s: %v\n", evt.Path, evt.Err)
		}
	}
}

// Stop finalizes the current bar.
func (b *Bar) Stop() {
	if !b.enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopLocked()
}

func (b *Bar) stopLocked() {
	if b.pb == nil {
		return
	}
	_, _ = b.pb.Stop()
	b.pb = nil
}

// Subscriber creates a stats subscriber function that updates the progress bar.
func (b *Bar) Subscriber(ctx context.Context, events <-chan stats.Event) error {
	defer b.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			b.Update(evt)
		}
	}
}

func barStage(stage model.Stage) bool {
	switch stage {
	case model.StageUnpacking, model.StageExtraction, model.StagePacking:
		return true
	}
	return false
}

func stageTitle(stage model.Stage) string {
	switch stage {
	case model.StageUnpacking:
		return "Unpacking archive"
	case model.StageExtraction:
		return "Extracting messages"
	case model.StagePacking:
		return "Packing output"
	}
	return stage.String()
}

// ProgressReporter wraps the stats Collector with progress bar output.
type ProgressReporter struct {
	bar       *Bar
	collector *stats.Collector
	logger    *slog.Logger
	started   time.Time
}

// NewProgressReporter subscribes the bar and a summary printer to stream.
func NewProgressReporter(stream stats.EventStream, bar *Bar, logger *slog.Logger) *ProgressReporter {
	reporter := &ProgressReporter{
		bar:       bar,
		collector: stats.NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}

	if bar != nil && bar.enabled {
		stream.SubscribeStats("progress-bar", bar.Subscriber)
		stream.SubscribeStats("progress-stats", reporter.collectStats)
	}

	return reporter
}

func (pr *ProgressReporter) collectStats(ctx context.Context, events <-chan stats.Event) error {
	pr.collector.Run(ctx, events)
	return nil
}

// PrintSummary prints the job result once the pipeline has returned.
func (pr *ProgressReporter) PrintSummary(result model.Result) {
	if pr.bar == nil || !pr.bar.enabled {
		return
	}
	summary := pr.collector.Snapshot()

	pterm.Println()
	pterm.DefaultSection.Println("Summary")
	pterm.Info.Printf("Duration: %v\n", time.Since(pr.started).Round(time.Millisecond))
	pterm.Info.Printf("Discovered: %d\n", result.Discovered)
	pterm.Info.Printf("Extracted: %d\n", summary.Extracted)
	pterm.Info.Printf("Skipped (filtered): %d\n", summary.Skipped)
	pterm.Info.Printf("Failed: %d\n", summary.Failed)
	for _, f := range result.Failures {
		pterm.Error.Printf("%s: %v\n", f.Path, f.Err)
	}

	switch result.Outcome {
	case model.OutcomeSuccess:
		if result.OutputPath != "" {
			pterm.Success.Printf("Written %s\n", result.OutputPath)
		} else {
			pterm.Success.Println("No messages found, nothing written")
		}
	case model.OutcomePartialSuccess:
		pterm.Warning.Printf("Written %s with %d failed messages\n", result.OutputPath, len(result.Failures))
	case model.OutcomeCancelled:
		pterm.Warning.Println("Cancelled")
	default:
		pterm.Error.Printf("Failed: %v\n", result.Err)
	}
}

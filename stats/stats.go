package stats

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dhcgn/eml-extract/model"
)

type EventType string

const (
	// EventTypeStage is emitted once when the job enters a stage.
	EventTypeStage     EventType = "stage"
	EventTypeProgress  EventType = "progress"
	EventTypeExtracted EventType = "extracted"
	EventTypeSkipped   EventType = "skipped"
	EventTypeFailed    EventType = "failed"
)

type Event struct {
	Stage   model.Stage
	Type    EventType
	Percent int
	Path    string
	Err     error
}

type Summary struct {
	Stage      model.Stage
	Percent    int
	Extracted  int
	Skipped    int
	Failed     int
	LastError  error
	StageTimes map[model.Stage]time.Duration
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"stage", s.Stage.String(),
		"percent", s.Percent,
		"extracted", s.Extracted,
		"skipped", s.Skipped,
		"failed", s.Failed,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu         sync.Mutex
	summary    Summary
	stageStart time.Time
	now        func() time.Time
}

func NewCollector() *Collector {
	return &Collector{now: time.Now}
}

func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				c.closeStage()
				return
			}
			c.Apply(evt)
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	summary := c.summary
	if c.summary.StageTimes != nil {
		summary.StageTimes = make(map[model.Stage]time.Duration, len(c.summary.StageTimes))
		for k, v := range c.summary.StageTimes {
			summary.StageTimes[k] = v
		}
	}
	return summary
}

// Apply folds a single event into the summary.
func (c *Collector) Apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeStage:
		c.closeStageLocked()
		c.summary.Stage = evt.Stage
		c.summary.Percent = evt.Percent
		c.stageStart = c.now()
	case EventTypeProgress:
		c.summary.Percent = evt.Percent
	case EventTypeExtracted:
		c.summary.Extracted++
	case EventTypeSkipped:
		c.summary.Skipped++
	case EventTypeFailed:
		c.summary.Failed++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

func (c *Collector) closeStage() {
	c.mu.Lock()
	c.closeStageLocked()
	c.mu.Unlock()
}

func (c *Collector) closeStageLocked() {
	if c.stageStart.IsZero() {
		return
	}
	if c.summary.StageTimes == nil {
		c.summary.StageTimes = make(map[model.Stage]time.Duration)
	}
	c.summary.StageTimes[c.summary.Stage] += c.now().Sub(c.stageStart)
	c.stageStart = time.Time{}
}

type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(stream EventStream, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	r.collector.Run(ctx, events)
	summary := r.collector.Snapshot()
	attrs := append(summary.LogAttrs(), "duration", time.Since(r.started))
	if ctx.Err() != nil {
		if r.logger != nil {
			r.logger.Debug("stats collection stopped", append(attrs, "err", ctx.Err())...)
		}
		return ctx.Err()
	}
	if r.logger != nil {
		for _, stage := range []model.Stage{model.StageUnpacking, model.StageExtraction, model.StagePacking, model.StageCleanup} {
			if d, ok := summary.StageTimes[stage]; ok {
				r.logger.Debug("stage timing", "stage", stage.String(), "duration", d)
			}
		}
		r.logger.Info("stats summary", attrs...)
	}
	return nil
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}

// Top returns the limit most frequent keys of m, ties broken by key.
func Top(m map[string]int, limit int) []Pair {
	pairs := make([]Pair, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, Pair{k, v})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value != pairs[j].Value {
			return pairs[i].Value > pairs[j].Value
		}
		return pairs[i].Key < pairs[j].Key
	})

	if limit >= 0 && len(pairs) > limit {
		pairs = pairs[:limit]
	}
	return pairs
}

type Pair struct {
	Key   string
	Value int
}

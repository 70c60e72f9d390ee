// Package runner drives one extraction job through its stages:
// unpacking, extraction, packing and cleanup.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dhcgn/eml-extract/archiver"
	"github.com/dhcgn/eml-extract/extractor"
	"github.com/dhcgn/eml-extract/filter"
	"github.com/dhcgn/eml-extract/fsutil"
	"github.com/dhcgn/eml-extract/journal"
	"github.com/dhcgn/eml-extract/mbox"
	"github.com/dhcgn/eml-extract/model"
	"github.com/dhcgn/eml-extract/saver"
	"github.com/dhcgn/eml-extract/scanner"
	"github.com/dhcgn/eml-extract/stats"
)

var ErrAlreadyStarted = errors.New("runner already started")

const subscriberBuffer = 64

// Archiver unpacks the source archive and packs the extracted tree.
type Archiver interface {
	Unpack(ctx context.Context, archivePath, destDir string, progress archiver.ProgressFunc) error
	Pack(ctx context.Context, srcDir, archivePath string, progress archiver.ProgressFunc) error
}

// Splitter writes the messages of an mbox file as separate files.
type Splitter interface {
	Split(ctx context.Context, path, destDir string, progress mbox.ProgressFunc) (int, error)
}

// Extractor parses one message file into its content.
type Extractor interface {
	Extract(ctx context.Context, path string) (model.Content, error)
}

// Saver writes extracted content below root and returns its directory.
type Saver interface {
	Persist(ctx context.Context, content model.Content, root string) (string, error)
}

// Options configures a Runner. Nil collaborators are replaced by the
// concrete implementations of this module.
type Options struct {
	Archiver  Archiver
	Splitter  Splitter
	Extractor Extractor
	Saver     Saver
	Journal   journal.Journal

	// FailFast aborts the job on the first message that cannot be
	// extracted or persisted instead of collecting the failure.
	FailFast      bool
	UntitledLabel string
	Filter        *filter.Filter
}

type subscriber struct {
	name string
	ch   chan stats.Event
}

// Runner drives one job through its stages. A Runner is single use.
type Runner struct {
	job    model.Job
	opts   Options
	logger *slog.Logger

	started atomic.Bool

	cancelMu        sync.Mutex
	cancel          context.CancelFunc
	cancelRequested bool

	subMu   sync.Mutex
	subs    []subscriber
	closed  bool
	subCtx  context.Context
	subStop context.CancelFunc
	statsWG sync.WaitGroup

	stateMu sync.Mutex
	state   model.State

	unpackDir    string
	extractedDir string

	result model.Result
}

// New prepares a runner for job. A missing job ID is generated, a missing
// output path defaults to "<source>_extracted.zip" next to the source and a
// missing temp root defaults to a directory below os.TempDir.
func New(job model.Job, opts Options, logger *slog.Logger) (*Runner, error) {
	if strings.TrimSpace(job.SourcePath) == "" {
		return nil, fmt.Errorf("job source is empty: %w", model.ErrSourceNotFound)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.OutputPath == "" {
		job.OutputPath = DefaultOutputPath(job.SourcePath)
	}
	if job.TempRoot == "" {
		job.TempRoot = filepath.Join(os.TempDir(), "eml-extract")
	}
	if samePath(job.SourcePath, job.OutputPath) {
		return nil, fmt.Errorf("output %s would overwrite the source", job.OutputPath)
	}

	if opts.Archiver == nil {
		opts.Archiver = archiver.New(logger)
	}
	if opts.Splitter == nil {
		opts.Splitter = mbox.NewSplitter(logger)
	}
	if opts.Extractor == nil {
		opts.Extractor = extractor.New(extractor.Options{
			UntitledLabel: opts.UntitledLabel,
			Filter:        opts.Filter,
		}, logger)
	}
	if opts.Saver == nil {
		opts.Saver = saver.New(logger)
	}

	subCtx, subStop := context.WithCancel(context.Background())
	return &Runner{
		job:     job,
		opts:    opts,
		logger:  logger.With("job", job.ID),
		subCtx:  subCtx,
		subStop: subStop,
	}, nil
}

// DefaultOutputPath returns "<dir>/<name>_extracted.zip" for source.
func DefaultOutputPath(source string) string {
	base := filepath.Base(source)
	if ext := filepath.Ext(base); ext != "" && ext != base {
		base = strings.TrimSuffix(base, ext)
	}
	return filepath.Join(filepath.Dir(source), base+"_extracted.zip")
}

func samePath(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	return absA == absB
}

// Job returns the job with its defaults applied.
func (r *Runner) Job() model.Job {
	return r.job
}

// State returns the current stage and percent.
func (r *Runner) State() model.State {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.state
}

// Cancel requests cooperative cancellation. It may be called before the job
// starts, in which case the job stops at its first checkpoint.
func (r *Runner) Cancel() {
	r.cancelMu.Lock()
	defer r.cancelMu.Unlock()
	r.cancelRequested = true
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Runner) bind(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	r.cancelMu.Lock()
	r.cancel = cancel
	if r.cancelRequested {
		cancel()
	}
	r.cancelMu.Unlock()
	return ctx
}

func (r *Runner) release() {
	r.cancelMu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.cancelMu.Unlock()
}

// SubscribeStats registers fn to receive every event of the job in order.
// Each subscriber has its own channel which is closed once the job is done;
// Process returns only after all subscribers have returned.
func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	if r.closed {
		r.logger.Warn("stats subscription after completion ignored", "subscriber", name)
		return
	}

	ch := make(chan stats.Event, subscriberBuffer)
	r.subs = append(r.subs, subscriber{name: name, ch: ch})
	r.statsWG.Add(1)
	go func() {
		defer r.statsWG.Done()
		err := fn(r.subCtx, ch)
		// keep draining so a stopped subscriber never blocks the job
		for range ch {
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Warn("stats subscriber failed", "subscriber", name, "err", err)
		}
	}()
}

// EmitEvent delivers evt to every subscriber. Events emitted after the
// job has finished are dropped.
func (r *Runner) EmitEvent(evt stats.Event) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	if r.closed {
		return
	}
	for _, s := range r.subs {
		s.ch <- evt
	}
}

func (r *Runner) closeSubscribers() {
	r.subMu.Lock()
	if !r.closed {
		r.closed = true
		for _, s := range r.subs {
			close(s.ch)
		}
	}
	r.subMu.Unlock()
	r.statsWG.Wait()
	r.subStop()
}

// enter moves the job into stage. Unpacking, Extraction and Packing start
// at 0 percent; later stages keep the last percent.
func (r *Runner) enter(stage model.Stage) error {
	r.stateMu.Lock()
	percent := r.state.Percent
	switch stage {
	case model.StageUnpacking, model.StageExtraction, model.StagePacking:
		percent = 0
	}
	next, err := r.state.Advance(stage, percent)
	if err != nil {
		r.stateMu.Unlock()
		return err
	}
	r.state = next
	r.stateMu.Unlock()

	r.logger.Debug("stage entered", "stage", stage.String())
	r.EmitEvent(stats.Event{Stage: stage, Type: stats.EventTypeStage, Percent: percent})
	return nil
}

// report publishes percent for the current stage, clamped to 0..100.
// Values below the last reported percent are dropped. Repeats are dropped
// unless repeat is set.
func (r *Runner) report(percent int, repeat bool) {
	percent = max(0, min(100, percent))

	r.stateMu.Lock()
	if percent < r.state.Percent || (percent == r.state.Percent && !repeat) {
		r.stateMu.Unlock()
		return
	}
	r.state.Percent = percent
	stage := r.state.Stage
	r.stateMu.Unlock()

	r.EmitEvent(stats.Event{Stage: stage, Type: stats.EventTypeProgress, Percent: percent})
}

func (r *Runner) byteProgress(processed, total int64) {
	if total <= 0 {
		return
	}
	r.report(int(processed*100/total), false)
}

// Process runs the job, choosing single message mode for ".eml" sources
// and archive mode for everything else.
func (r *Runner) Process(ctx context.Context) (model.Result, error) {
	if strings.EqualFold(filepath.Ext(r.job.SourcePath), scanner.MessageSuffix) {
		return r.ProcessSingleMessage(ctx)
	}
	return r.ProcessArchive(ctx)
}

// ProcessArchive unpacks the source archive or mbox file, extracts every
// message found and packs the result into the output archive.
func (r *Runner) ProcessArchive(ctx context.Context) (model.Result, error) {
	return r.run(ctx, r.archivePipeline)
}

// ProcessSingleMessage extracts the source message and packs it into the
// output archive.
func (r *Runner) ProcessSingleMessage(ctx context.Context) (model.Result, error) {
	return r.run(ctx, r.singlePipeline)
}

func (r *Runner) run(parent context.Context, pipeline func(context.Context) error) (result model.Result, err error) {
	if !r.started.CompareAndSwap(false, true) {
		return model.Result{JobID: r.job.ID, Outcome: model.OutcomeFailed, Err: ErrAlreadyStarted}, ErrAlreadyStarted
	}

	since := time.Now()
	ctx := r.bind(parent)
	r.result = model.Result{JobID: r.job.ID}
	r.logger.Info("job started", "source", r.job.SourcePath, "output", r.job.OutputPath)

	defer func() {
		r.release()
		r.closeSubscribers()
		r.finish(result, since)
	}()

	if _, statErr := os.Stat(r.job.SourcePath); statErr != nil {
		err = fmt.Errorf("source %s: %w", r.job.SourcePath, model.ErrSourceNotFound)
		if !errors.Is(statErr, os.ErrNotExist) {
			err = fmt.Errorf("source %s: %w", r.job.SourcePath, statErr)
		}
		r.result.Outcome = model.OutcomeFailed
		r.result.Err = err
		return r.result, err
	}

	defer func() {
		if cleanupErr := r.cleanup(); cleanupErr != nil {
			r.logger.Warn("cleanup failed", "err", cleanupErr)
			err = errors.Join(err, cleanupErr)
			r.result.Err = err
		}
		result = r.result
	}()

	stageErr := pipeline(ctx)
	r.conclude(ctx, stageErr)
	return r.result, r.result.Err
}

func (r *Runner) conclude(ctx context.Context, stageErr error) {
	switch {
	case stageErr == nil && len(r.result.Failures) > 0:
		r.result.Outcome = model.OutcomePartialSuccess
	case stageErr == nil:
		r.result.Outcome = model.OutcomeSuccess
	case isCancellation(stageErr):
		r.result.Outcome = model.OutcomeCancelled
		r.result.Err = cancelError(ctx)
	default:
		r.result.Outcome = model.OutcomeFailed
		r.result.Err = stageErr
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, model.ErrCancelled)
}

func cancelError(ctx context.Context) error {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = context.Canceled
	}
	return fmt.Errorf("%w: %w", model.ErrCancelled, cause)
}

// cleanup deletes the scratch directories and, after a successful job,
// the source. It runs on every exit path once the source was found.
func (r *Runner) cleanup() error {
	var errs []error
	if err := r.enter(model.StageCleanup); err != nil {
		errs = append(errs, err)
	}

	ok := r.result.Outcome == model.OutcomeSuccess || r.result.Outcome == model.OutcomePartialSuccess
	if r.job.DeleteSource && ok {
		if err := fsutil.DeletePaths(fsutil.LongPath(r.job.SourcePath)); err != nil {
			errs = append(errs, err)
		} else {
			r.logger.Info("source deleted", "source", r.job.SourcePath)
		}
	}
	if err := fsutil.DeleteDir(r.unpackDir); err != nil {
		errs = append(errs, err)
	}
	if err := fsutil.DeleteDir(r.extractedDir); err != nil {
		errs = append(errs, err)
	}

	if err := r.enter(model.StageComplete); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (r *Runner) finish(result model.Result, since time.Time) {
	duration := time.Since(since)
	if r.opts.Journal != nil {
		rec := journal.NewRecord(r.job, result, since, duration)
		if err := r.opts.Journal.Append(rec); err != nil {
			r.logger.Warn("journal append failed", "err", err)
		}
	}

	attrs := append(result.LogAttrs(), "duration", duration)
	switch result.Outcome {
	case model.OutcomeSuccess, model.OutcomePartialSuccess:
		r.logger.Info("pipeline completed", attrs...)
	case model.OutcomeCancelled:
		r.logger.Warn("pipeline cancelled", attrs...)
	default:
		r.logger.Error("pipeline failed", attrs...)
	}
}

// scratch creates a uniquely named directory below the temp root.
func (r *Runner) scratch(kind string) (string, error) {
	dir, err := fsutil.CreateDir(fsutil.LongPath(filepath.Join(r.job.TempRoot, r.job.ID+"_"+kind)))
	if err != nil {
		return "", fmt.Errorf("scratch directory: %w", err)
	}
	return dir, nil
}

func (r *Runner) archivePipeline(ctx context.Context) error {
	messages, err := r.unpack(ctx)
	if err != nil {
		return err
	}
	r.result.Discovered = len(messages)
	if len(messages) == 0 {
		r.logger.Info("no messages found", "source", r.job.SourcePath)
		return nil
	}

	if err := r.extract(ctx, messages); err != nil {
		return err
	}
	if r.result.Extracted == 0 {
		r.logger.Info("no messages left after filtering", "skipped", r.result.Skipped)
		return nil
	}
	return r.pack(ctx)
}

func (r *Runner) singlePipeline(ctx context.Context) error {
	r.result.Discovered = 1
	if err := r.extract(ctx, []string{r.job.SourcePath}); err != nil {
		return err
	}
	if r.result.Extracted == 0 {
		return nil
	}
	return r.pack(ctx)
}

// unpack runs the Unpacking stage and returns the discovered messages.
func (r *Runner) unpack(ctx context.Context) ([]string, error) {
	if err := r.enter(model.StageUnpacking); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir, err := r.scratch("unpack")
	if err != nil {
		return nil, err
	}
	r.unpackDir = dir

	source := fsutil.LongPath(r.job.SourcePath)
	if mbox.IsMbox(source) {
		n, err := r.opts.Splitter.Split(ctx, source, dir, r.byteProgress)
		if err != nil {
			return nil, fmt.Errorf("split mbox: %w", err)
		}
		r.logger.Debug("mbox split", "messages", n)
	} else if err := r.opts.Archiver.Unpack(ctx, source, dir, r.byteProgress); err != nil {
		return nil, fmt.Errorf("unpack: %w", err)
	}
	r.report(100, false)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.discover(ctx, dir)
}

// discover splits mailboxes found inside the unpacked tree and lists the
// message files in scan order.
func (r *Runner) discover(ctx context.Context, dir string) ([]string, error) {
	mailboxes, err := scanner.ScanMbox(dir)
	if err != nil {
		return nil, fmt.Errorf("scan mailboxes: %w", err)
	}
	for _, path := range mailboxes {
		target, err := fsutil.CreateDir(strings.TrimSuffix(path, filepath.Ext(path)) + "_mbox")
		if err != nil {
			return nil, err
		}
		n, err := r.opts.Splitter.Split(ctx, path, target, nil)
		if err != nil {
			return nil, fmt.Errorf("split mbox %s: %w", path, err)
		}
		r.logger.Debug("nested mbox split", "mbox", path, "messages", n)
	}

	messages, err := scanner.Scan(dir)
	if err != nil {
		return nil, fmt.Errorf("scan messages: %w", err)
	}
	r.logger.Info("messages discovered", "count", len(messages))
	return messages, nil
}

// extract runs the Extraction stage over messages in order.
func (r *Runner) extract(ctx context.Context, messages []string) error {
	if err := r.enter(model.StageExtraction); err != nil {
		return err
	}

	dir, err := r.scratch("extracted")
	if err != nil {
		return err
	}
	r.extractedDir = dir

	total := len(messages)
	for i, path := range messages {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := r.extractOne(ctx, path, dir); err != nil {
			if isCancellation(err) {
				return err
			}
			r.result.Failures = append(r.result.Failures, model.MessageFailure{Path: path, Err: err})
			r.EmitEvent(stats.Event{Stage: model.StageExtraction, Type: stats.EventTypeFailed, Path: path, Err: err})
			r.logger.Warn("message failed", "path", path, "err", err)
			if r.opts.FailFast {
				return fmt.Errorf("message %s: %w", path, err)
			}
		}

		r.report((i+1)*100/total, true)
	}

	if r.result.Extracted == 0 && len(r.result.Failures) > 0 {
		return fmt.Errorf("%w: all %d messages failed", model.ErrExtractionFailed, len(r.result.Failures))
	}
	return nil
}

func (r *Runner) extractOne(ctx context.Context, path, root string) error {
	content, err := r.opts.Extractor.Extract(ctx, path)
	if errors.Is(err, extractor.ErrFiltered) {
		r.result.Skipped++
		r.EmitEvent(stats.Event{Stage: model.StageExtraction, Type: stats.EventTypeSkipped, Path: path})
		return nil
	}
	if err != nil {
		return err
	}

	dir, err := r.opts.Saver.Persist(ctx, content, root)
	if err != nil {
		if dir != "" {
			_ = fsutil.DeleteDir(dir)
		}
		return err
	}

	r.result.Extracted++
	r.EmitEvent(stats.Event{Stage: model.StageExtraction, Type: stats.EventTypeExtracted, Path: path})
	return nil
}

// pack runs the Packing stage.
func (r *Runner) pack(ctx context.Context) error {
	if err := r.enter(model.StagePacking); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	output := fsutil.LongPath(r.job.OutputPath)
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return fmt.Errorf("%w: create output directory: %v", model.ErrArchiveFailed, err)
	}
	if err := r.opts.Archiver.Pack(ctx, r.extractedDir, output, r.byteProgress); err != nil {
		return fmt.Errorf("pack %s: %w", r.job.OutputPath, err)
	}
	r.report(100, false)
	r.result.OutputPath = r.job.OutputPath
	return nil
}

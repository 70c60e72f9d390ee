package runner

import (
	"archive/zip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/dhcgn/eml-extract/archiver"
	"github.com/dhcgn/eml-extract/extractor"
	"github.com/dhcgn/eml-extract/filter"
	"github.com/dhcgn/eml-extract/fsutil"
	"github.com/dhcgn/eml-extract/journal"
	"github.com/dhcgn/eml-extract/model"
	"github.com/dhcgn/eml-extract/stats"
)

const (
	invoiceMessage = "From: a@example.com\r\nSubject: Invoice\r\nContent-Type: text/plain\r\n\r\nplease pay\r\n"
	untitledMsg    = "From: b@example.com\r\nContent-Type: text/plain\r\n\r\nno subject here\r\n"
)

func message(subject string) string {
	return "From: c@example.com\r\nSubject: " + subject + "\r\nContent-Type: text/plain\r\n\r\nbody of " + subject + "\r\n"
}

func writeZip(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(files[name])); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
}

func zipEntries(t *testing.T, path string) []string {
	t.Helper()
	zr, err := zip.OpenReader(path)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer zr.Close()
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	return names
}

// eventLog records every event it receives.
type eventLog struct {
	mu     sync.Mutex
	events []stats.Event
}

func (l *eventLog) subscribe(r *Runner) {
	r.SubscribeStats("test", func(_ context.Context, events <-chan stats.Event) error {
		for evt := range events {
			l.mu.Lock()
			l.events = append(l.events, evt)
			l.mu.Unlock()
		}
		return nil
	})
}

func (l *eventLog) stages() []model.Stage {
	var out []model.Stage
	for _, evt := range l.events {
		if evt.Type == stats.EventTypeStage {
			out = append(out, evt.Stage)
		}
	}
	return out
}

func (l *eventLog) percents(stage model.Stage) []int {
	var out []int
	for _, evt := range l.events {
		if evt.Stage == stage && (evt.Type == stats.EventTypeStage || evt.Type == stats.EventTypeProgress) {
			out = append(out, evt.Percent)
		}
	}
	return out
}

func (l *eventLog) last() stats.Event {
	return l.events[len(l.events)-1]
}

type fixture struct {
	dir      string
	tempRoot string
	output   string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	dir := t.TempDir()
	return fixture{
		dir:      dir,
		tempRoot: filepath.Join(dir, "scratch"),
		output:   filepath.Join(dir, "out", "result.zip"),
	}
}

func (f fixture) job(source string) model.Job {
	return model.Job{SourcePath: source, OutputPath: f.output, TempRoot: f.tempRoot}
}

func (f fixture) assertScratchEmpty(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(f.tempRoot)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("scratch dirs left behind: %v", entries)
	}
}

type extractFunc func(ctx context.Context, path string) (model.Content, error)

func (f extractFunc) Extract(ctx context.Context, path string) (model.Content, error) {
	return f(ctx, path)
}

type failingPacker struct {
	*archiver.Archiver
}

func (failingPacker) Pack(context.Context, string, string, archiver.ProgressFunc) error {
	return model.ErrArchiveFailed
}

// unsizedArchiver reports byte counts without a usable total on Unpack and
// overshoots its total on Pack.
type unsizedArchiver struct {
	*archiver.Archiver
}

func (a unsizedArchiver) Unpack(_ context.Context, _, destDir string, progress archiver.ProgressFunc) error {
	if err := os.WriteFile(filepath.Join(destDir, "1.eml"), []byte(message("one")), 0o644); err != nil {
		return err
	}
	progress(10, 0)
	progress(50, -1)
	return nil
}

func (a unsizedArchiver) Pack(ctx context.Context, srcDir, archivePath string, progress archiver.ProgressFunc) error {
	if err := a.Archiver.Pack(ctx, srcDir, archivePath, nil); err != nil {
		return err
	}
	progress(500, 100)
	return nil
}

func equalStages(a, b []model.Stage) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestProcessArchive_ExtractsAndPacks(t *testing.T) {
	f := newFixture(t)
	source := filepath.Join(f.dir, "mail.zip")
	writeZip(t, source, map[string]string{
		"a.eml":        invoiceMessage,
		"b.eml":        untitledMsg,
		"notes.txt":    "ignored",
		"sub/ignored/": "",
	})

	mem := journal.NewMemoryJournal()
	r, err := New(f.job(source), Options{Journal: mem}, nil)
	if err != nil {
		t.Fatal(err)
	}
	var log eventLog
	log.subscribe(r)

	result, err := r.Process(context.Background())
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result.Outcome != model.OutcomeSuccess || result.Discovered != 2 || result.Extracted != 2 {
		t.Fatalf("result = %+v", result)
	}
	if result.OutputPath != f.output {
		t.Errorf("OutputPath = %q", result.OutputPath)
	}

	folders := map[string]bool{}
	for _, name := range zipEntries(t, f.output) {
		folders[strings.SplitN(name, "/", 2)[0]] = true
	}
	if !folders["Invoice"] {
		t.Errorf("missing Invoice folder: %v", folders)
	}
	var untitled string
	for name := range folders {
		if strings.HasPrefix(name, "Без темы ") {
			untitled = name
		}
	}
	if len(strings.TrimPrefix(untitled, "Без темы ")) != 36 {
		t.Errorf("untitled folder = %q, want label plus uuid", untitled)
	}

	want := []model.Stage{model.StageUnpacking, model.StageExtraction, model.StagePacking, model.StageCleanup, model.StageComplete}
	if got := log.stages(); !equalStages(got, want) {
		t.Errorf("stages = %v, want %v", got, want)
	}
	if got := log.percents(model.StageExtraction); len(got) != 3 || got[0] != 0 || got[1] != 50 || got[2] != 100 {
		t.Errorf("extraction percents = %v", got)
	}
	if got := log.percents(model.StageUnpacking); got[0] != 0 || got[len(got)-1] != 100 {
		t.Errorf("unpacking percents = %v", got)
	}
	if evt := log.last(); evt.Stage != model.StageComplete || evt.Percent != 100 {
		t.Errorf("last event = %+v", evt)
	}
	if st := r.State(); st.Stage != model.StageComplete {
		t.Errorf("State = %+v", st)
	}

	f.assertScratchEmpty(t)
	if !fsutil.Exists(source) {
		t.Error("source deleted without DeleteSource")
	}
	if recs := mem.Records(); len(recs) != 1 || recs[0].Outcome != model.OutcomeSuccess || recs[0].ID != result.JobID {
		t.Errorf("journal = %+v", recs)
	}
}

func TestProcessArchive_ExtractionPercentSequence(t *testing.T) {
	f := newFixture(t)
	source := filepath.Join(f.dir, "mail.zip")
	writeZip(t, source, map[string]string{
		"1.eml": message("one"),
		"2.eml": message("two"),
		"3.eml": message("three"),
	})

	r, err := New(f.job(source), Options{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	var log eventLog
	log.subscribe(r)

	if _, err := r.ProcessArchive(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := []int{0, 33, 66, 100}
	got := log.percents(model.StageExtraction)
	if len(got) != len(want) {
		t.Fatalf("percents = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("percents = %v, want %v", got, want)
		}
	}
}

func TestProcessArchive_NoMessages(t *testing.T) {
	f := newFixture(t)
	source := filepath.Join(f.dir, "empty.zip")
	writeZip(t, source, map[string]string{"readme.txt": "nothing"})

	job := f.job(source)
	job.DeleteSource = true
	r, err := New(job, Options{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	var log eventLog
	log.subscribe(r)

	result, err := r.ProcessArchive(context.Background())
	if err != nil {
		t.Fatalf("ProcessArchive: %v", err)
	}
	if result.Outcome != model.OutcomeSuccess || result.Discovered != 0 || result.OutputPath != "" {
		t.Errorf("result = %+v", result)
	}
	if fsutil.Exists(f.output) {
		t.Error("output archive written for zero messages")
	}
	want := []model.Stage{model.StageUnpacking, model.StageCleanup, model.StageComplete}
	if got := log.stages(); !equalStages(got, want) {
		t.Errorf("stages = %v, want %v", got, want)
	}
	if fsutil.Exists(source) {
		t.Error("source kept despite DeleteSource")
	}
	f.assertScratchEmpty(t)
}

func TestProcessArchive_PartialSuccess(t *testing.T) {
	f := newFixture(t)
	source := filepath.Join(f.dir, "mail.zip")
	writeZip(t, source, map[string]string{
		"bad.eml":  message("bad"),
		"good.eml": message("good"),
	})

	base := extractor.New(extractor.Options{}, nil)
	broken := errors.New("broken message")
	job := f.job(source)
	job.DeleteSource = true
	r, err := New(job, Options{
		Extractor: extractFunc(func(ctx context.Context, path string) (model.Content, error) {
			if strings.HasSuffix(path, "bad.eml") {
				return model.Content{}, broken
			}
			return base.Extract(ctx, path)
		}),
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	result, err := r.Process(context.Background())
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result.Outcome != model.OutcomePartialSuccess || result.Extracted != 1 {
		t.Fatalf("result = %+v", result)
	}
	if len(result.Failures) != 1 || !errors.Is(result.Failures[0].Err, broken) {
		t.Errorf("failures = %+v", result.Failures)
	}
	if got := zipEntries(t, f.output); len(got) != 1 || got[0] != "good/good.txt" {
		t.Errorf("entries = %v", got)
	}
	if fsutil.Exists(source) {
		t.Error("source kept after partial success with DeleteSource")
	}
}

func TestProcessArchive_AllMessagesFail(t *testing.T) {
	f := newFixture(t)
	source := filepath.Join(f.dir, "mail.zip")
	writeZip(t, source, map[string]string{"a.eml": message("a"), "b.eml": message("b")})

	job := f.job(source)
	job.DeleteSource = true
	r, err := New(job, Options{
		Extractor: extractFunc(func(context.Context, string) (model.Content, error) {
			return model.Content{}, model.ErrExtractionFailed
		}),
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	result, err := r.Process(context.Background())
	if !errors.Is(err, model.ErrExtractionFailed) {
		t.Fatalf("err = %v", err)
	}
	if result.Outcome != model.OutcomeFailed || len(result.Failures) != 2 {
		t.Errorf("result = %+v", result)
	}
	if fsutil.Exists(f.output) {
		t.Error("output written although every message failed")
	}
	if !fsutil.Exists(source) {
		t.Error("source deleted after failure")
	}
	f.assertScratchEmpty(t)
}

func TestProcessArchive_FailFast(t *testing.T) {
	f := newFixture(t)
	source := filepath.Join(f.dir, "mail.zip")
	writeZip(t, source, map[string]string{"a.eml": message("a"), "b.eml": message("b")})

	calls := 0
	r, err := New(f.job(source), Options{
		FailFast: true,
		Extractor: extractFunc(func(context.Context, string) (model.Content, error) {
			calls++
			return model.Content{}, model.ErrExtractionFailed
		}),
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	result, err := r.Process(context.Background())
	if !errors.Is(err, model.ErrExtractionFailed) || result.Outcome != model.OutcomeFailed {
		t.Fatalf("Process = %+v, %v", result, err)
	}
	if calls != 1 {
		t.Errorf("extractor called %d times, want 1", calls)
	}
}

func TestProcessArchive_FilteredMessagesAreSkipped(t *testing.T) {
	f := newFixture(t)
	source := filepath.Join(f.dir, "mail.zip")
	writeZip(t, source, map[string]string{"a.eml": invoiceMessage, "b.eml": message("newsletter")})

	flt, err := filter.New(filter.Options{ExcludeHeader: []string{"(?i)subject: newsletter"}})
	if err != nil {
		t.Fatal(err)
	}
	r, err := New(f.job(source), Options{Filter: flt}, nil)
	if err != nil {
		t.Fatal(err)
	}

	result, err := r.Process(context.Background())
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result.Outcome != model.OutcomeSuccess || result.Extracted != 1 || result.Skipped != 1 {
		t.Errorf("result = %+v", result)
	}
}

func TestProcessArchive_CancelDuringExtraction(t *testing.T) {
	f := newFixture(t)
	source := filepath.Join(f.dir, "mail.zip")
	writeZip(t, source, map[string]string{
		"1.eml": message("one"),
		"2.eml": message("two"),
		"3.eml": message("three"),
	})

	base := extractor.New(extractor.Options{}, nil)
	var r *Runner
	calls := 0
	job := f.job(source)
	job.DeleteSource = true
	r, err := New(job, Options{
		Extractor: extractFunc(func(ctx context.Context, path string) (model.Content, error) {
			calls++
			if calls == 2 {
				r.Cancel()
			}
			return base.Extract(ctx, path)
		}),
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	var log eventLog
	log.subscribe(r)

	result, err := r.Process(context.Background())
	if !errors.Is(err, model.ErrCancelled) || !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want cancellation", err)
	}
	if result.Outcome != model.OutcomeCancelled || result.Extracted != 1 {
		t.Errorf("result = %+v", result)
	}
	if calls != 2 {
		t.Errorf("extractor called %d times, want 2", calls)
	}
	if fsutil.Exists(f.output) {
		t.Error("output written after cancel")
	}
	if !fsutil.Exists(source) {
		t.Error("source deleted after cancel")
	}
	f.assertScratchEmpty(t)

	stages := log.stages()
	if stages[len(stages)-1] != model.StageComplete || stages[len(stages)-2] != model.StageCleanup {
		t.Errorf("stages = %v", stages)
	}
	if evt := log.last(); evt.Percent != 33 {
		t.Errorf("complete percent = %d, want 33", evt.Percent)
	}
}

func TestProcess_CancelledBeforeStart(t *testing.T) {
	f := newFixture(t)
	source := filepath.Join(f.dir, "mail.zip")
	writeZip(t, source, map[string]string{"a.eml": message("a")})

	r, err := New(f.job(source), Options{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	r.Cancel()

	result, err := r.Process(context.Background())
	if !errors.Is(err, model.ErrCancelled) || result.Outcome != model.OutcomeCancelled {
		t.Fatalf("Process = %+v, %v", result, err)
	}
	f.assertScratchEmpty(t)
}

func TestProcess_ParentContextCancelled(t *testing.T) {
	f := newFixture(t)
	source := filepath.Join(f.dir, "mail.zip")
	writeZip(t, source, map[string]string{"a.eml": message("a")})

	r, err := New(f.job(source), Options{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := r.Process(ctx)
	if !errors.Is(err, context.Canceled) || result.Outcome != model.OutcomeCancelled {
		t.Fatalf("Process = %+v, %v", result, err)
	}
}

func TestProcessSingleMessage(t *testing.T) {
	f := newFixture(t)
	source := filepath.Join(f.dir, "invoice.eml")
	if err := os.WriteFile(source, []byte(invoiceMessage), 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := New(f.job(source), Options{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	var log eventLog
	log.subscribe(r)

	result, err := r.Process(context.Background())
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result.Outcome != model.OutcomeSuccess || result.Extracted != 1 {
		t.Errorf("result = %+v", result)
	}
	want := []model.Stage{model.StageExtraction, model.StagePacking, model.StageCleanup, model.StageComplete}
	if got := log.stages(); !equalStages(got, want) {
		t.Errorf("stages = %v, want %v", got, want)
	}
	if got := log.percents(model.StageExtraction); len(got) != 2 || got[1] != 100 {
		t.Errorf("extraction percents = %v", got)
	}
	if got := zipEntries(t, f.output); len(got) != 1 || got[0] != "Invoice/Invoice.txt" {
		t.Errorf("entries = %v", got)
	}
	f.assertScratchEmpty(t)
}

func TestProcess_MissingSource(t *testing.T) {
	f := newFixture(t)
	r, err := New(f.job(filepath.Join(f.dir, "missing.zip")), Options{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	var log eventLog
	log.subscribe(r)

	result, err := r.Process(context.Background())
	if !errors.Is(err, model.ErrSourceNotFound) || result.Outcome != model.OutcomeFailed {
		t.Fatalf("Process = %+v, %v", result, err)
	}
	if fsutil.Exists(f.tempRoot) {
		t.Error("scratch root created for missing source")
	}
	if len(log.events) != 0 {
		t.Errorf("events = %+v", log.events)
	}
}

func TestProcessArchive_Mbox(t *testing.T) {
	f := newFixture(t)
	source := filepath.Join(f.dir, "inbox.mbox")
	data := "From a@example.com Mon Jan  1 00:00:00 2024\n" + strings.ReplaceAll(message("alpha"), "\r\n", "\n") + "\n" +
		"From b@example.com Mon Jan  1 00:00:01 2024\n" + strings.ReplaceAll(message("beta"), "\r\n", "\n")
	if err := os.WriteFile(source, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := New(f.job(source), Options{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	result, err := r.Process(context.Background())
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result.Discovered != 2 || result.Extracted != 2 {
		t.Errorf("result = %+v", result)
	}
	if got := zipEntries(t, f.output); len(got) != 2 || got[0] != "alpha/alpha.txt" || got[1] != "beta/beta.txt" {
		t.Errorf("entries = %v", got)
	}
}

func TestProcessArchive_PackFailure(t *testing.T) {
	f := newFixture(t)
	source := filepath.Join(f.dir, "mail.zip")
	writeZip(t, source, map[string]string{"a.eml": message("a")})

	job := f.job(source)
	job.DeleteSource = true
	r, err := New(job, Options{Archiver: failingPacker{Archiver: archiver.New(nil)}}, nil)
	if err != nil {
		t.Fatal(err)
	}

	result, err := r.Process(context.Background())
	if !errors.Is(err, model.ErrArchiveFailed) || result.Outcome != model.OutcomeFailed {
		t.Fatalf("Process = %+v, %v", result, err)
	}
	if !fsutil.Exists(source) {
		t.Error("source deleted after pack failure")
	}
	f.assertScratchEmpty(t)
}

func TestProcessArchive_PercentWithoutTotalOrPastTotal(t *testing.T) {
	f := newFixture(t)
	source := filepath.Join(f.dir, "mail.zip")
	writeZip(t, source, map[string]string{})

	r, err := New(f.job(source), Options{Archiver: unsizedArchiver{Archiver: archiver.New(nil)}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	var log eventLog
	log.subscribe(r)

	result, err := r.Process(context.Background())
	if err != nil || result.Outcome != model.OutcomeSuccess {
		t.Fatalf("Process = %+v, %v", result, err)
	}

	tests := []struct {
		stage model.Stage
		want  []int
	}{
		{stage: model.StageUnpacking, want: []int{0, 100}},
		{stage: model.StagePacking, want: []int{0, 100}},
	}
	for _, tt := range tests {
		got := log.percents(tt.stage)
		if len(got) != len(tt.want) || got[0] != tt.want[0] || got[1] != tt.want[1] {
			t.Errorf("%s percents = %v, want %v", tt.stage, got, tt.want)
		}
	}
}

func TestRunnerIsSingleUse(t *testing.T) {
	f := newFixture(t)
	source := filepath.Join(f.dir, "empty.zip")
	writeZip(t, source, map[string]string{})

	r, err := New(f.job(source), Options{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Process(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Process(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Process err = %v", err)
	}
}

func TestNew_Defaults(t *testing.T) {
	r, err := New(model.Job{SourcePath: filepath.Join("in", "mail.zip")}, Options{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	job := r.Job()
	if job.ID == "" {
		t.Error("job id not generated")
	}
	if job.OutputPath != filepath.Join("in", "mail_extracted.zip") {
		t.Errorf("OutputPath = %q", job.OutputPath)
	}
	if job.TempRoot == "" {
		t.Error("TempRoot not defaulted")
	}

	if _, err := New(model.Job{}, Options{}, nil); !errors.Is(err, model.ErrSourceNotFound) {
		t.Errorf("empty source err = %v", err)
	}
	if _, err := New(model.Job{SourcePath: "a.zip", OutputPath: "a.zip"}, Options{}, nil); err == nil {
		t.Error("output equal to source accepted")
	}
}

package cmd

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	message "github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/spf13/cobra"

	"github.com/dhcgn/eml-extract/archiver"
	"github.com/dhcgn/eml-extract/filter"
	"github.com/dhcgn/eml-extract/mbox"
	"github.com/dhcgn/eml-extract/scanner"
	"github.com/dhcgn/eml-extract/stats"
)

var trackedHeaders = []string{"Subject", "From", "To"}

// NewInspectCommand returns the "inspect" subcommand which prints header
// statistics of a message, archive or mbox file and writes CSV reports.
func NewInspectCommand() *cobra.Command {
	var (
		reportDir string
		topN      int
	)

	cmd := &cobra.Command{
		Use:   "inspect [source]",
		Short: "Show the most frequent Subject, From and To values of a source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			opts := filter.Options{}
			var err error
			if opts.IncludeHeader, err = flags.GetStringArray("include-header"); err != nil {
				return err
			}
			if opts.IncludeBody, err = flags.GetStringArray("include-body"); err != nil {
				return err
			}
			if opts.ExcludeHeader, err = flags.GetStringArray("exclude-header"); err != nil {
				return err
			}
			if opts.ExcludeBody, err = flags.GetStringArray("exclude-body"); err != nil {
				return err
			}

			f, err := filter.New(opts)
			if err != nil {
				return fmt.Errorf("create filter: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Analyzing:", args[0])

			counter := NewHeaderCounter(f)
			if err := Walk(cmd.Context(), args[0], counter.Add); err != nil {
				return err
			}

			counter.Print(out, topN)
			if err := counter.SaveCSV(reportDir, 1000); err != nil {
				return fmt.Errorf("error saving CSV reports: %w", err)
			}
			fmt.Fprintf(out, "\nReports saved to directory: %s\n", reportDir)
			return nil
		},
	}

	cmd.Flags().StringVarP(&reportDir, "output", "o", ".", "Output directory for CSV reports")
	cmd.Flags().IntVarP(&topN, "top", "t", 10, "Number of top items to display in statistics")
	cmd.Flags().StringArray("include-header", nil, "Regex allow-list applied to message headers (mutually exclusive with exclude flags)")
	cmd.Flags().StringArray("include-body", nil, "Regex allow-list applied to message bodies (mutually exclusive with exclude flags)")
	cmd.Flags().StringArray("exclude-header", nil, "Regex block-list applied to message headers (mutually exclusive with include flags)")
	cmd.Flags().StringArray("exclude-body", nil, "Regex block-list applied to message bodies (mutually exclusive with include flags)")
	return cmd
}

// Walk calls fn with the raw bytes of every message in source. Archives are
// unpacked into a temporary directory that is removed afterwards.
func Walk(ctx context.Context, source string, fn func(raw []byte) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := os.Stat(source); err != nil {
		return fmt.Errorf("source %s: %w", source, err)
	}

	switch {
	case strings.EqualFold(filepath.Ext(source), scanner.MessageSuffix):
		raw, err := os.ReadFile(source)
		if err != nil {
			return err
		}
		return fn(raw)
	case mbox.IsMbox(source):
		return mbox.Read(source, fn)
	}

	dir, err := os.MkdirTemp("", "eml-extract-inspect-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	if err := archiver.New(nil).Unpack(ctx, source, dir, nil); err != nil {
		return fmt.Errorf("unpack %s: %w", source, err)
	}

	mailboxes, err := scanner.ScanMbox(dir)
	if err != nil {
		return err
	}
	for _, path := range mailboxes {
		if err := mbox.Read(path, fn); err != nil {
			return fmt.Errorf("read mbox %s: %w", path, err)
		}
	}

	messages, err := scanner.Scan(dir)
	if err != nil {
		return err
	}
	for _, path := range messages {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := fn(raw); err != nil {
			return err
		}
	}
	return nil
}

// HeaderCounter counts the values of the tracked headers.
type HeaderCounter struct {
	filter   *filter.Filter
	counts   map[string]map[string]int
	Messages int
	Skipped  int
	// Unparsed counts messages whose header could not be read at all.
	Unparsed int
}

func NewHeaderCounter(f *filter.Filter) *HeaderCounter {
	counts := make(map[string]map[string]int, len(trackedHeaders))
	for _, h := range trackedHeaders {
		counts[h] = make(map[string]int)
	}
	return &HeaderCounter{filter: f, counts: counts}
}

// Add counts one raw message. Headers with an unknown charset are counted as
// far as they could be read; any other parse failure counts as Unparsed.
func (c *HeaderCounter) Add(raw []byte) error {
	if !c.filter.AllowsRaw(raw) {
		c.Skipped++
		return nil
	}
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		c.Unparsed++
		return nil
	}
	c.Messages++
	h := mail.Header{Header: entity.Header}
	for _, name := range trackedHeaders {
		value, err := h.Text(name)
		if err != nil {
			value = h.Get(name)
		}
		if value = strings.TrimSpace(value); value != "" {
			c.counts[name][value]++
		}
	}
	return nil
}

// Counts returns the value counts of header.
func (c *HeaderCounter) Counts(header string) map[string]int {
	return c.counts[header]
}

func (c *HeaderCounter) Print(w io.Writer, topN int) {
	total := c.Messages + c.Skipped + c.Unparsed
	var filterPercent float64
	if total > 0 {
		filterPercent = float64(c.Skipped) / float64(total) * 100
	}
	fmt.Fprintf(w, "Processed %d messages (skipped %d by filters, %.2f%%)...\n", c.Messages, c.Skipped, filterPercent)
	if c.Unparsed > 0 {
		fmt.Fprintf(w, "Unparsable headers: %d messages\n", c.Unparsed)
	}
	fmt.Fprintln(w)

	if hits := c.filter.Stats().Hits; len(hits) > 0 {
		fmt.Fprintln(w, "Filter hits:")
		patterns := make([]string, 0, len(hits))
		for p := range hits {
			patterns = append(patterns, p)
		}
		sort.Strings(patterns)
		for _, p := range patterns {
			fmt.Fprintf(w, "  %s: %d hits\n", p, hits[p])
		}
		fmt.Fprintln(w)
	}

	for _, header := range trackedHeaders {
		fmt.Fprintf(w, "Top %d %s:\n", topN, header)
		for i, p := range stats.Top(c.counts[header], topN) {
			fmt.Fprintf(w, "%d. %s (%d)\n", i+1, p.Key, p.Value)
		}
		fmt.Fprintln(w)
	}
}

// SaveCSV writes report_<header>.csv files with up to limit rows each.
func (c *HeaderCounter) SaveCSV(dir string, limit int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for _, header := range trackedHeaders {
		path := filepath.Join(dir, fmt.Sprintf("report_%s.csv", normalizeHeaderName(header)))
		if err := writeCSV(path, stats.Top(c.counts[header], limit)); err != nil {
			return err
		}
	}
	return nil
}

func writeCSV(path string, pairs []stats.Pair) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"Value", "Count"}); err != nil {
		return err
	}
	for _, p := range pairs {
		if err := writer.Write([]string{p.Key, strconv.Itoa(p.Value)}); err != nil {
			return err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return file.Close()
}

func normalizeHeaderName(header string) string {
	name := strings.ToLower(header)
	name = strings.ReplaceAll(name, "-", "_")
	name = strings.ReplaceAll(name, " ", "_")
	return name
}

package cmd

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dhcgn/eml-extract/filter"
)

func rawMessage(from, subject string) string {
	return "From: " + from + "\r\nTo: archive@example.com\r\nSubject: " + subject + "\r\n\r\nbody\r\n"
}

func writeTestZip(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	for name, data := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(data)); err != nil {
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

func TestWalkArchiveCountsHeaders(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "mail.zip")
	writeTestZip(t, source, map[string]string{
		"a.eml":       rawMessage("alice@example.com", "Invoice"),
		"b/b.eml":     rawMessage("alice@example.com", "=?utf-8?B?0KHRh9GR0YI=?="),
		"c.eml":       rawMessage("bob@example.com", "Invoice"),
		"ignored.txt": "not a message",
	})

	counter := NewHeaderCounter(nil)
	if err := Walk(context.Background(), source, counter.Add); err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if counter.Messages != 3 {
		t.Fatalf("Messages = %d, want 3", counter.Messages)
	}
	subjects := counter.Counts("Subject")
	if subjects["Invoice"] != 2 || subjects["Счёт"] != 1 {
		t.Errorf("subjects = %v", subjects)
	}
	if counter.Counts("From")["alice@example.com"] != 2 {
		t.Errorf("from = %v", counter.Counts("From"))
	}
}

func TestHeaderCounterCountsUnparsableMessages(t *testing.T) {
	tests := []struct {
		raw          string
		wantMessages int
		wantUnparsed int
	}{
		{raw: rawMessage("alice@example.com", "Invoice"), wantMessages: 1},
		{raw: "Subject: odd\r\nContent-Type: text/plain; charset=x-unknown\r\n\r\nbody\r\n", wantMessages: 1},
		{raw: "not a header line\r\n\r\nbody\r\n", wantUnparsed: 1},
	}
	for _, tt := range tests {
		counter := NewHeaderCounter(nil)
		if err := counter.Add([]byte(tt.raw)); err != nil {
			t.Fatalf("Add(%q): %v", tt.raw, err)
		}
		if counter.Messages != tt.wantMessages || counter.Unparsed != tt.wantUnparsed {
			t.Errorf("Add(%q): Messages = %d, Unparsed = %d, want %d, %d",
				tt.raw, counter.Messages, counter.Unparsed, tt.wantMessages, tt.wantUnparsed)
		}
	}

	counter := NewHeaderCounter(nil)
	counter.Add([]byte("not a header line\r\n\r\nbody\r\n"))
	var out bytes.Buffer
	counter.Print(&out, 5)
	if !strings.Contains(out.String(), "Unparsable headers: 1 messages") {
		t.Errorf("Print output = %q", out.String())
	}
}

func TestWalkMboxWithFilter(t *testing.T) {
	source := filepath.Join(t.TempDir(), "inbox.mbox")
	data := "From alice@example.com Mon Jan  1 00:00:00 2024\n" +
		strings.ReplaceAll(rawMessage("alice@example.com", "hello"), "\r\n", "\n") + "\n" +
		"From spam@example.com Mon Jan  1 00:00:01 2024\n" +
		strings.ReplaceAll(rawMessage("spam@example.com", "buy now"), "\r\n", "\n")
	if err := os.WriteFile(source, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	f, err := filter.New(filter.Options{ExcludeHeader: []string{"spam@"}})
	if err != nil {
		t.Fatal(err)
	}
	counter := NewHeaderCounter(f)
	if err := Walk(context.Background(), source, counter.Add); err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if counter.Messages != 1 || counter.Skipped != 1 {
		t.Errorf("Messages = %d, Skipped = %d", counter.Messages, counter.Skipped)
	}

	var out bytes.Buffer
	counter.Print(&out, 5)
	if !strings.Contains(out.String(), "skipped 1 by filters") || !strings.Contains(out.String(), "spam@: 1 hits") {
		t.Errorf("output = %s", out.String())
	}
}

func TestInspectCommandWritesReports(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "one.eml")
	if err := os.WriteFile(source, []byte(rawMessage("alice@example.com", "Invoice")), 0o644); err != nil {
		t.Fatal(err)
	}
	reports := filepath.Join(dir, "reports")

	cmd := NewInspectCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{source, "--output", reports, "--top", "3"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out.String(), "1. Invoice (1)") {
		t.Errorf("output = %s", out.String())
	}

	for _, name := range []string{"report_subject.csv", "report_from.csv", "report_to.csv"} {
		file, err := os.Open(filepath.Join(reports, name))
		if err != nil {
			t.Fatalf("open %s: %v", name, err)
		}
		rows, err := csv.NewReader(file).ReadAll()
		file.Close()
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if len(rows) != 2 || rows[0][0] != "Value" || rows[1][1] != "1" {
			t.Errorf("%s rows = %v", name, rows)
		}
	}
}

func TestInspectCommandRejectsMixedFilters(t *testing.T) {
	source := filepath.Join(t.TempDir(), "one.eml")
	if err := os.WriteFile(source, []byte(rawMessage("a@example.com", "x")), 0o644); err != nil {
		t.Fatal(err)
	}
	cmd := NewInspectCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{source, "--include-header", "a", "--exclude-body", "b"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error for mixed include/exclude filters")
	}
}

// Package extractor turns a single message file into a model.Content.
package extractor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	message "github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/dhcgn/eml-extract/filter"
	"github.com/dhcgn/eml-extract/fsutil"
	"github.com/dhcgn/eml-extract/model"
)

// ErrFiltered is returned when the configured filter rejects a message.
var ErrFiltered = errors.New("message rejected by filter")

const metaSuffix = ".meta"

type Options struct {
	// UntitledLabel prefixes generated subjects. Defaults to fsutil.DefaultSubjectLabel.
	UntitledLabel string
	Filter        *filter.Filter
}

type Extractor struct {
	opts   Options
	logger *slog.Logger
}

func New(opts Options, logger *slog.Logger) *Extractor {
	if opts.UntitledLabel == "" {
		opts.UntitledLabel = fsutil.DefaultSubjectLabel
	}
	return &Extractor{opts: opts, logger: logger}
}

// Extract loads the message at path. It fails with model.ErrSourceNotFound
// when the path is empty, missing or an empty file, with ErrFiltered when the
// filter rejects it and with model.ErrExtractionFailed when it cannot be parsed.
func (e *Extractor) Extract(ctx context.Context, path string) (model.Content, error) {
	if err := ctx.Err(); err != nil {
		return model.Content{}, err
	}
	if strings.TrimSpace(path) == "" {
		return model.Content{}, fmt.Errorf("message path is empty: %w", model.ErrSourceNotFound)
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return model.Content{}, fmt.Errorf("message %s: %w", path, model.ErrSourceNotFound)
	}
	if err != nil {
		return model.Content{}, fmt.Errorf("read message %s: %w", path, err)
	}
	if len(raw) == 0 {
		return model.Content{}, fmt.Errorf("message %s is empty: %w", path, model.ErrSourceNotFound)
	}

	if !e.opts.Filter.AllowsRaw(raw) {
		return model.Content{}, fmt.Errorf("message %s: %w", path, ErrFiltered)
	}

	content, err := e.parse(raw)
	if err != nil {
		return model.Content{}, fmt.Errorf("message %s: %w: %v", path, model.ErrExtractionFailed, err)
	}

	if meta, err := os.ReadFile(path + metaSuffix); err == nil && len(meta) > 0 {
		content.Meta = meta
	}

	if e.logger != nil {
		e.logger.Debug("message extracted", "path", path, "subject", content.Subject,
			"body", content.HasBody(), "text", len(content.PlainText), "html", len(content.HTML), "attachments", len(content.Attachments))
	}
	return content, nil
}

func (e *Extractor) parse(raw []byte) (model.Content, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return model.Content{}, fmt.Errorf("create reader: %w", err)
	}
	defer mr.Close()

	subject, err := mr.Header.Subject()
	if err != nil {
		// undecodable encoded-words: fall back to the raw header value
		subject = mr.Header.Get("Subject")
	}

	content := model.Content{
		Subject: fsutil.SubjectOrDefault(subject, e.opts.UntitledLabel),
	}
	var haveText, haveHTML bool

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) && part == nil {
				continue
			}
			if !message.IsUnknownCharset(err) {
				return model.Content{}, fmt.Errorf("next part: %w", err)
			}
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, params, _ := h.ContentType()
			contentType = strings.ToLower(contentType)
			if contentType == "" {
				contentType = "text/plain"
			}

			body, err := io.ReadAll(part.Body)
			if err != nil {
				return model.Content{}, fmt.Errorf("read inline part: %w", err)
			}

			switch {
			case contentType == "text/plain" && !haveText:
				content.PlainText = string(body)
				haveText = true
			case contentType == "text/html" && !haveHTML:
				content.HTML = string(body)
				haveHTML = true
			case !strings.HasPrefix(contentType, "text/"):
				// inline images and similar parts are kept when they are named
				name := inlineName(h, params)
				content.Attachments = appendAttachment(content.Attachments, name, contentType, body)
			}

		case *mail.AttachmentHeader:
			name, _ := h.Filename()
			contentType, _, _ := h.ContentType()

			body, err := io.ReadAll(part.Body)
			if err != nil {
				return model.Content{}, fmt.Errorf("read attachment %q: %w", name, err)
			}
			content.Attachments = appendAttachment(content.Attachments, name, strings.ToLower(contentType), body)
		}
	}

	return content, nil
}

func inlineName(h *mail.InlineHeader, params map[string]string) string {
	if _, dparams, err := h.ContentDisposition(); err == nil {
		if name := dparams["filename"]; name != "" {
			return name
		}
	}
	return params["name"]
}

// appendAttachment skips parts without a usable name or without content.
func appendAttachment(list []model.Attachment, name, contentType string, body []byte) []model.Attachment {
	name = fsutil.Sanitize(name)
	if name == "" || len(body) == 0 {
		return list
	}
	return append(list, model.Attachment{
		FileName:    name,
		ContentType: contentType,
		Content:     body,
	})
}

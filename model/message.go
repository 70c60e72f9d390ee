package model

// Content is the normalized form of one message file, produced by the
// extractor and consumed once by the saver.
type Content struct {
	Subject     string
	PlainText   string
	HTML        string
	Attachments []Attachment
	// Meta holds the raw bytes of an optional "<file>.meta" sidecar.
	Meta []byte
}

// Attachment is a single named attachment part of a message.
type Attachment struct {
	FileName    string
	ContentType string
	Content     []byte
}

// HasBody reports whether the message carries any text or HTML body.
func (c Content) HasBody() bool {
	return c.PlainText != "" || c.HTML != ""
}

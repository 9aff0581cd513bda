package model

import (
	"strings"
	"time"
)

// Attachment is attachment metadata supplied by the intake connector.
// OCRText is populated upstream when the attachment was already read.
type Attachment struct {
	Filename string `json:"filename"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
	OCRText  string `json:"ocr_text,omitempty"`
}

// RawMessage is a single notice email as delivered by the intake connector.
type RawMessage struct {
	ID          string       `json:"id"`
	Subject     string       `json:"subject"`
	Sender      string       `json:"sender"`
	BodyText    string       `json:"body_text"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ReceivedAt  time.Time    `json:"received_at"`
}

// AttachmentNames returns the filenames of all attachments in order.
func (m RawMessage) AttachmentNames() []string {
	names := make([]string, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		if a.Filename != "" {
			names = append(names, a.Filename)
		}
	}
	return names
}

// SourceText is the document shown in the first review step: the body
// followed by any OCR text carried on attachments.
func (m RawMessage) SourceText() string {
	var b strings.Builder
	b.WriteString(m.BodyText)
	for _, a := range m.Attachments {
		if a.OCRText == "" {
			continue
		}
		b.WriteString("\n\n--- ")
		b.WriteString(a.Filename)
		b.WriteString(" ---\n")
		b.WriteString(a.OCRText)
	}
	return b.String()
}

// Package convert defines the document-to-markdown converter contract. The
// real converter is an external collaborator; the pipeline only depends on
// this interface and its error classes.
package convert

import (
	"context"
	"fmt"

	"github.com/geda-valentim/ingestify-to-ai/internal/jobs"
)

// Meta describes a converted document.
type Meta struct {
	Pages     int    `json:"pages"`
	Words     int    `json:"words"`
	Format    string `json:"format"`
	SizeBytes int64  `json:"size_bytes"`
	Title     string `json:"title,omitempty"`
	Author    string `json:"author,omitempty"`
}

// Result is the output of one conversion.
type Result struct {
	Markdown string
	Meta     Meta
}

// Converter turns raw document bytes into markdown. Implementations are
// deterministic for the same input and raise classified errors:
// unsupported_format and corrupt_input are Fatal, timeout is Transient.
type Converter interface {
	Convert(ctx context.Context, data []byte, hintFormat string) (Result, error)
}

// Converter error reason codes.
const (
	ReasonUnsupportedFormat = "unsupported_format"
	ReasonCorruptInput      = "corrupt_input"
	ReasonTimeout           = "timeout"
)

// UnsupportedFormat builds the Fatal error for an unconvertible format.
func UnsupportedFormat(format string) error {
	return jobs.Fatal(ReasonUnsupportedFormat, fmt.Sprintf("unsupported format %q", format), nil)
}

// CorruptInput builds the Fatal error for undecodable input.
func CorruptInput(err error) error {
	return jobs.Fatal(ReasonCorruptInput, "corrupt input", err)
}

// Timeout builds the Transient error for a converter deadline.
func Timeout(err error) error {
	return jobs.Transient("converter timeout", err)
}

// Unconfigured is the placeholder wired when no conversion library is
// plugged in; every call fails with unsupported_format.
type Unconfigured struct{}

// Convert always fails; a real converter must be wired at the edge.
func (Unconfigured) Convert(context.Context, []byte, string) (Result, error) {
	return Result{}, UnsupportedFormat("no converter configured")
}

var _ Converter = Unconfigured{}

// Package pdf wraps pdfcpu for the split and merge pipeline steps. Workers
// hand in raw bytes; temp files live only for the duration of one call.
package pdf

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"

	"github.com/geda-valentim/ingestify-to-ai/internal/jobs"
)

// Splitter splits documents into single-page PDFs.
type Splitter interface {
	// PageCount returns the number of pages, or a Fatal corrupt_input error.
	PageCount(data []byte) (int, error)
	// Split returns one PDF per page, in page order.
	Split(data []byte) ([][]byte, error)
	// ExtractPage returns the single page n (1-based).
	ExtractPage(data []byte, n int) ([]byte, error)
}

// SourcePDF is one input to a merge, named for its bookmark.
type SourcePDF struct {
	Name string
	Data []byte
}

// Merger combines PDFs into one document with a bookmark per source.
type Merger interface {
	Merge(sources []SourcePDF) ([]byte, error)
}

// PDFCPU implements Splitter and Merger using the pdfcpu toolkit.
type PDFCPU struct{}

// New creates a PDFCPU processor.
func New() *PDFCPU {
	return &PDFCPU{}
}

func corrupt(op string, err error) error {
	return jobs.Fatal("corrupt_input", op, err)
}

// withTempFile writes data to a scratch file and runs fn inside the scratch
// directory; everything is removed afterwards.
func withTempFile(data []byte, fn func(dir, in string) error) error {
	dir, err := os.MkdirTemp("", "ingestify-pdf-*")
	if err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)
	in := filepath.Join(dir, "input.pdf")
	if err := os.WriteFile(in, data, 0o600); err != nil {
		return fmt.Errorf("write temp pdf: %w", err)
	}
	return fn(dir, in)
}

// PageCount validates the document and returns its page count.
func (PDFCPU) PageCount(data []byte) (int, error) {
	var count int
	err := withTempFile(data, func(_, in string) error {
		n, err := api.PageCountFile(in)
		if err != nil {
			return corrupt("page count", err)
		}
		count = n
		return nil
	})
	return count, err
}

// Split produces one PDF blob per page, in page order.
func (p PDFCPU) Split(data []byte) ([][]byte, error) {
	count, err := p.PageCount(data)
	if err != nil {
		return nil, err
	}
	pages := make([][]byte, 0, count)
	err = withTempFile(data, func(dir, in string) error {
		for n := 1; n <= count; n++ {
			out := filepath.Join(dir, fmt.Sprintf("page_%04d.pdf", n))
			if err := api.TrimFile(in, out, []string{strconv.Itoa(n)}, nil); err != nil {
				return corrupt(fmt.Sprintf("extract page %d", n), err)
			}
			blob, err := os.ReadFile(out)
			if err != nil {
				return fmt.Errorf("read page %d: %w", n, err)
			}
			pages = append(pages, blob)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pages, nil
}

// ExtractPage returns page n (1-based) as its own PDF.
func (p PDFCPU) ExtractPage(data []byte, n int) ([]byte, error) {
	count, err := p.PageCount(data)
	if err != nil {
		return nil, err
	}
	if n < 1 || n > count {
		return nil, jobs.Invalid("page_number", "page %d out of range 1..%d", n, count)
	}
	var blob []byte
	err = withTempFile(data, func(dir, in string) error {
		out := filepath.Join(dir, "page.pdf")
		if err := api.TrimFile(in, out, []string{strconv.Itoa(n)}, nil); err != nil {
			return corrupt(fmt.Sprintf("extract page %d", n), err)
		}
		b, err := os.ReadFile(out)
		if err != nil {
			return fmt.Errorf("read extracted page: %w", err)
		}
		blob = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return blob, nil
}

// Merge combines the sources in order into one PDF with a top-level bookmark
// per source. Corrupt sources must be filtered by the caller; Merge fails on
// unreadable input.
func (p PDFCPU) Merge(sources []SourcePDF) ([]byte, error) {
	if len(sources) == 0 {
		return nil, jobs.Invalid("merge", "no documents to merge")
	}
	var merged []byte
	dir, err := os.MkdirTemp("", "ingestify-merge-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	inFiles := make([]string, 0, len(sources))
	bookmarks := make([]pdfcpu.Bookmark, 0, len(sources))
	pageOffset := 1
	for i, src := range sources {
		in := filepath.Join(dir, fmt.Sprintf("src_%04d.pdf", i))
		if err := os.WriteFile(in, src.Data, 0o600); err != nil {
			return nil, fmt.Errorf("write merge input %d: %w", i, err)
		}
		count, err := api.PageCountFile(in)
		if err != nil {
			return nil, corrupt(fmt.Sprintf("merge input %q", src.Name), err)
		}
		inFiles = append(inFiles, in)
		bookmarks = append(bookmarks, pdfcpu.Bookmark{
			Title:    src.Name,
			PageFrom: pageOffset,
		})
		pageOffset += count
	}

	out := filepath.Join(dir, "merged.pdf")
	if err := api.MergeCreateFile(inFiles, out, false, nil); err != nil {
		return nil, corrupt("merge", err)
	}
	withBookmarks := filepath.Join(dir, "merged_bookmarked.pdf")
	if err := api.AddBookmarksFile(out, withBookmarks, bookmarks, true, nil); err != nil {
		// Bookmarks are best effort; ship the plain merge if they fail.
		withBookmarks = out
	}
	merged, err = os.ReadFile(withBookmarks)
	if err != nil {
		return nil, fmt.Errorf("read merged pdf: %w", err)
	}
	return merged, nil
}

var (
	_ Splitter = PDFCPU{}
	_ Merger   = PDFCPU{}
)

package render

import (
	"bytes"
	"fmt"

	"github.com/ledongthuc/pdf"
)

// PageCount parses a rendered PDF and returns its number of pages. A PDF that
// cannot be parsed is treated as a failed render.
func PageCount(data []byte) (n int, err error) {
	// The parser panics on some truncated inputs.
	defer func() {
		if r := recover(); r != nil {
			n, err = 0, fmt.Errorf("malformed pdf: %v", r)
		}
	}()
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("failed to read pdf: %w", err)
	}
	return r.NumPage(), nil
}

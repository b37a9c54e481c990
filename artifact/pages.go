package artifact

import (
	"bytes"

	ledongpdf "github.com/ledongthuc/pdf"
)

// PageCount reports how many pages the original document has so the artifact
// can mirror it, putting a verification code on every page. Non-PDF uploads
// count as a single page.
func PageCount(original []byte) (pages int) {
	pages = 1

	// The pdf reader panics on some malformed cross-reference tables; treat
	// those documents as single-page.
	defer func() {
		if recover() != nil {
			pages = 1
		}
	}()

	r, err := ledongpdf.NewReader(bytes.NewReader(original), int64(len(original)))
	if err != nil {
		return pages
	}
	if n := r.NumPage(); n > 0 {
		pages = n
	}
	return pages
}

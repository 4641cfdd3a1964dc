package run

import "github.com/gholt/lsmtree/page"

// Cursor is a Source that walks a Run's pages in order, decoding one page
// at a time rather than materializing the whole run -- the "lazy sequence"
// pull-based cursor spec.md §9 calls for over a merge's input runs.
type Cursor struct {
	r        *Run
	pageIdx  uint32
	numPages uint32

	page     *page.Decoded
	elemIdx  int
	peeked   KV
	havePeek bool
	err      error
}

// NewCursor returns a Cursor over r starting at its first page. The caller
// retains its own reference to r; NewCursor does not call AddReference.
func NewCursor(r *Run) *Cursor {
	return &Cursor{r: r, numPages: r.NumPages()}
}

// Err reports the first error encountered while decoding pages, if any.
func (c *Cursor) Err() error { return c.err }

func (c *Cursor) fill() bool {
	if c.havePeek || c.err != nil {
		return c.havePeek
	}
	for {
		if c.page == nil {
			if c.pageIdx >= c.numPages {
				return false
			}
			p, err := c.r.PageAt(c.pageIdx)
			if err != nil {
				c.err = err
				return false
			}
			c.page = p
			c.elemIdx = 0
		}
		if c.elemIdx < c.page.NumElems() {
			i := c.elemIdx
			entry := Entry{Op: c.page.Op(i), Value: append([]byte(nil), c.page.Value(i)...)}
			if c.page.HasBlob(i) {
				off, length := c.page.Blob(i)
				entry.HasBlob = true
				entry.BlobOff = off
				entry.BlobLen = length
			}
			c.peeked = KV{Key: append([]byte(nil), c.page.Key(i)...), Entry: entry}
			c.havePeek = true
			return true
		}
		c.page = nil
		c.pageIdx++
	}
}

// Peek implements Source.
func (c *Cursor) Peek() (KV, bool) {
	if !c.fill() {
		return KV{}, false
	}
	return c.peeked, true
}

// Advance implements Source.
func (c *Cursor) Advance() {
	if !c.havePeek {
		c.fill()
	}
	if c.havePeek {
		c.havePeek = false
		c.elemIdx++
	}
}

// BlobBytes fetches the raw blob bytes for the most recently peeked entry.
// Valid only when that entry's HasBlob is true.
func (c *Cursor) BlobBytes(e Entry) ([]byte, error) {
	return c.r.BlobAt(e.BlobOff, e.BlobLen)
}

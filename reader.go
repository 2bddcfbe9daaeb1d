package cosmigrate

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Cursor iterates the items of a source container one page at a time.
// Its position is a continuation token, so a cursor can be rebuilt from a
// checkpoint after a restart. At most one page is held at a time.
type Cursor struct {
	client   AccountClient
	governor *Governor
	ref      ContainerRef

	token        string
	pageSize     int
	maxPageBytes int
	done         bool
	metrics      *metrics
}

// NewCursor returns a cursor over ref starting after continuation.
// An empty continuation starts at the beginning of the container.
func NewCursor(client AccountClient, governor *Governor, ref ContainerRef, continuation string, pageSize, maxPageBytes int) *Cursor {
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	return &Cursor{
		client:       client,
		governor:     governor,
		ref:          ref,
		token:        continuation,
		pageSize:     pageSize,
		maxPageBytes: maxPageBytes,
	}
}

// Token returns the continuation token of the next page to read.
// It is empty before the first page and after the last one.
func (c *Cursor) Token() string {
	return c.token
}

// PageSize returns the current page size hint.
func (c *Cursor) PageSize() int {
	return c.pageSize
}

// Done reports whether the container has been exhausted.
func (c *Cursor) Done() bool {
	return c.done
}

// Next reads the next page. It returns ErrEndOfContainer once the previous
// page carried no continuation token. Failures are returned as *FatalError
// after the governor gave up on them.
func (c *Cursor) Next(ctx context.Context) (*Page, error) {
	if c.done {
		return nil, ErrEndOfContainer
	}

	op := fmt.Sprintf("read page %s", c.ref)
	token := c.token
	size := c.pageSize
	page, err := WithRetry(ctx, c.governor, op, func(ctx context.Context) (*Page, error) {
		return c.client.ReadPage(ctx, c.ref, token, size)
	})
	if err != nil {
		return nil, err
	}
	c.metrics.observePage()

	c.token = page.ContinuationToken
	if c.token == "" {
		c.done = true
	}
	c.adjustPageSize(page)

	if len(page.Items) == 0 && c.done {
		return nil, ErrEndOfContainer
	}
	return page, nil
}

// adjustPageSize halves the page size hint while pages overrun the byte budget.
func (c *Cursor) adjustPageSize(page *Page) {
	if c.maxPageBytes <= 0 || c.pageSize == 1 {
		return
	}
	var n int
	for _, item := range page.Items {
		n += len(item)
	}
	if n <= c.maxPageBytes {
		return
	}
	c.pageSize /= 2
	if c.pageSize < 1 {
		c.pageSize = 1
	}
	log.Debug().
		Str("container", c.ref.String()).
		Int("page_bytes", n).
		Int("page_size", c.pageSize).
		Msg("page exceeded byte budget, reducing page size")
}

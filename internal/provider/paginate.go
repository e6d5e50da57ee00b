package provider

import (
	"context"
	"errors"
	"time"
)

// DefaultMaxPages bounds CollectSales when the caller passes 0.
const DefaultMaxPages = 500

// ErrTooManyPages is returned when a window still has pages after maxPages.
var ErrTooManyPages = errors.New("sales window exceeds page limit")

// CollectSales reads a sales window page by page, starting at cursor, until
// the provider returns no next cursor.  It returns the sales read and the
// cursor to resume from, which is empty once the window was read completely.
// On error the sales read before the failing page are returned together
// with the cursor of that page, so the caller can resume.
func CollectSales(ctx context.Context, c Client, secret string, from, to time.Time, cursor string, maxPages int) ([]Sale, string, error) {
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	var sales []Sale
	for i := 0; i < maxPages; i++ {
		if err := ctx.Err(); err != nil {
			return sales, cursor, err
		}
		page, err := c.FetchSalesWindow(ctx, secret, from, to, cursor)
		if err != nil {
			return sales, cursor, err
		}
		sales = append(sales, page.Items...)
		if page.NextCursor == "" || page.NextCursor == cursor {
			return sales, "", nil
		}
		cursor = page.NextCursor
	}
	return sales, cursor, ErrTooManyPages
}

// Package fetch defines the page-fetching contract of the collection
// pipeline and an HTTP implementation for paginated conversation APIs.
package fetch

import (
	"context"
	"encoding/json"
)

// Item is one raw record as delivered by the source. Raw carries the full
// source object untouched; ID and ParentID are the only fields the
// pipeline interprets.
type Item struct {
	ID       string
	ParentID string
	Raw      json.RawMessage
}

// Page is the result of fetching one pagination step.
type Page struct {
	// Items are the raw records on this page. May be empty on a valid
	// intermediate page.
	Items []Item

	// NextCursor is the opaque token for the following page. Empty means
	// the source is exhausted.
	NextCursor string

	// RateLimited signals the caller to back off and retry the same
	// cursor. A rate-limited page carries no content.
	RateLimited bool
}

// Fetcher retrieves one page of records for a cursor. Implementations
// classify failures via Error so the driver can tell transient from fatal
// conditions.
type Fetcher interface {
	FetchPage(ctx context.Context, cursor string) (*Page, error)
}

// Package provider defines the contract every POS provider adapter
// implements and the shared pieces adapters are built from: the common
// sale shape, the HTTP response classifier and bounded pagination.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Sale is one completed sale mapped into the provider-neutral shape.
type Sale struct {
	ExternalID string          `json:"external_id"`
	OccurredAt time.Time       `json:"occurred_at"`
	Total      decimal.Decimal `json:"total"`
	Items      []LineItem      `json:"items"`
	Meta       SaleMeta        `json:"meta"`
}

// LineItem is one line of a sale.
type LineItem struct {
	Name     string          `json:"name"`
	Quantity decimal.Decimal `json:"quantity"`
	Total    decimal.Decimal `json:"total"`
}

// SaleMeta carries optional per-sale totals; nil means the provider did not
// report the value.
type SaleMeta struct {
	DiscountsTotal *decimal.Decimal `json:"discounts_total,omitempty"`
	TaxesTotal     *decimal.Decimal `json:"taxes_total,omitempty"`
}

// Page is one page of a sales window.  An empty NextCursor ends the window.
type Page struct {
	Items      []Sale
	NextCursor string
}

// Refreshed is the result of a credential refresh.  NewSecret is the
// plaintext bundle to seal and store.
type Refreshed struct {
	NewSecret string
	ExpiresIn time.Duration
}

// Client is implemented by every POS provider adapter.  secret is the
// plaintext credential bundle (see Token).
type Client interface {
	Name() string
	FetchSalesWindow(ctx context.Context, secret string, from, to time.Time, cursor string) (Page, error)
	RefreshCredential(ctx context.Context, secret string) (Refreshed, error)
	Validate(ctx context.Context, secret string) (bool, error)
}

// Timeouts bound each kind of outbound call.
type Timeouts struct {
	Fetch    time.Duration
	Refresh  time.Duration
	Validate time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{Fetch: 30 * time.Second, Refresh: 30 * time.Second, Validate: 10 * time.Second}
}

// ErrUnknownProvider is returned by Registry.Get for unregistered names.
var ErrUnknownProvider = errors.New("unknown provider")

// Registry maps provider names to their Client implementations.
type Registry map[string]Client

// NewRegistry registers clients under their own names.
func NewRegistry(clients ...Client) Registry {
	r := make(Registry, len(clients))
	for _, c := range clients {
		r[c.Name()] = c
	}
	return r
}

func (r Registry) Get(name string) (Client, error) {
	c, ok := r[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return c, nil
}

// Names returns the registered provider names, sorted.
func (r Registry) Names() []string {
	out := make([]string, 0, len(r))
	for n := range r {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

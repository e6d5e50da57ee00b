// Package square adapts the Square Orders and OAuth APIs to provider.Client.
package square

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/iliyamo/poscred/internal/provider"
)

const (
	Name           = "square"
	DefaultBaseURL = "https://connect.squareup.com"
	pageLimit      = 100
)

// Config holds the application credentials used for OAuth refreshes.
type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Timeouts     provider.Timeouts
	HTTP         *http.Client
}

// Client talks to one Square environment.
type Client struct {
	doer *provider.HTTPDoer
	cfg  Config
	now  func() time.Time
}

// New returns a Square client.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeouts == (provider.Timeouts{}) {
		cfg.Timeouts = provider.DefaultTimeouts()
	}
	return &Client{
		cfg: cfg,
		now: time.Now,
		doer: &provider.HTTPDoer{
			Provider: Name,
			BaseURL:  cfg.BaseURL,
			Client:   cfg.HTTP,
			Hint:     ExpiryHint,
		},
	}
}

func (c *Client) Name() string { return Name }

type apiError struct {
	Category string `json:"category"`
	Code     string `json:"code"`
	Detail   string `json:"detail"`
}

// ExpiryHint recognises Square's ACCESS_TOKEN_EXPIRED error code.  Other
// 401 codes (revoked, bad token) are not worth a rotation.
func ExpiryHint(_ *http.Response, body []byte) (string, bool) {
	var env struct {
		Errors []apiError `json:"errors"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return "", false
	}
	for _, e := range env.Errors {
		if e.Code == "ACCESS_TOKEN_EXPIRED" {
			return e.Code, true
		}
	}
	return "", false
}

type money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

func (m *money) decimal() decimal.Decimal {
	if m == nil {
		return decimal.Zero
	}
	return decimal.New(m.Amount, -2)
}

type order struct {
	ID                 string `json:"id"`
	ClosedAt           string `json:"closed_at"`
	CreatedAt          string `json:"created_at"`
	TotalMoney         *money `json:"total_money"`
	TotalDiscountMoney *money `json:"total_discount_money"`
	TotalTaxMoney      *money `json:"total_tax_money"`
	LineItems          []struct {
		Name       string `json:"name"`
		Quantity   string `json:"quantity"`
		TotalMoney *money `json:"total_money"`
	} `json:"line_items"`
}

func (o order) sale() provider.Sale {
	ts := o.ClosedAt
	if ts == "" {
		ts = o.CreatedAt
	}
	at, _ := time.Parse(time.RFC3339, ts)
	s := provider.Sale{
		ExternalID: o.ID,
		OccurredAt: at.UTC(),
		Total:      o.TotalMoney.decimal(),
	}
	for _, li := range o.LineItems {
		qty, err := decimal.NewFromString(strings.TrimSpace(li.Quantity))
		if err != nil {
			qty = decimal.NewFromInt(1)
		}
		s.Items = append(s.Items, provider.LineItem{Name: li.Name, Quantity: qty, Total: li.TotalMoney.decimal()})
	}
	if o.TotalDiscountMoney != nil {
		d := o.TotalDiscountMoney.decimal()
		s.Meta.DiscountsTotal = &d
	}
	if o.TotalTaxMoney != nil {
		t := o.TotalTaxMoney.decimal()
		s.Meta.TaxesTotal = &t
	}
	return s
}

// FetchSalesWindow searches completed orders closed in [from, to).
func (c *Client) FetchSalesWindow(ctx context.Context, secret string, from, to time.Time, cursor string) (provider.Page, error) {
	tok := provider.ParseToken(secret)
	body := map[string]any{
		"location_ids": []string{tok.ExternalID},
		"limit":        pageLimit,
		"query": map[string]any{
			"filter": map[string]any{
				"state_filter": map[string]any{"states": []string{"COMPLETED"}},
				"date_time_filter": map[string]any{
					"closed_at": map[string]string{
						"start_at": from.UTC().Format(time.RFC3339),
						"end_at":   to.UTC().Format(time.RFC3339),
					},
				},
			},
			"sort": map[string]string{"sort_field": "CLOSED_AT", "sort_order": "ASC"},
		},
	}
	if cursor != "" {
		body["cursor"] = cursor
	}
	var out struct {
		Orders []order `json:"orders"`
		Cursor string  `json:"cursor"`
	}
	err := c.doer.Do(ctx, provider.Call{
		Op:      "fetch_sales",
		Method:  http.MethodPost,
		Path:    "/v2/orders/search",
		Bearer:  tok.AccessToken,
		JSON:    body,
		Timeout: c.cfg.Timeouts.Fetch,
	}, &out)
	if err != nil {
		return provider.Page{}, err
	}
	page := provider.Page{NextCursor: out.Cursor}
	for _, o := range out.Orders {
		page.Items = append(page.Items, o.sale())
	}
	return page, nil
}

// RefreshCredential exchanges the refresh token for a new access token.
func (c *Client) RefreshCredential(ctx context.Context, secret string) (provider.Refreshed, error) {
	tok := provider.ParseToken(secret)
	var out struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresAt    string `json:"expires_at"`
	}
	err := c.doer.Do(ctx, provider.Call{
		Op:     "refresh",
		Method: http.MethodPost,
		Path:   "/oauth2/token",
		JSON: map[string]string{
			"client_id":     c.cfg.ClientID,
			"client_secret": c.cfg.ClientSecret,
			"grant_type":    "refresh_token",
			"refresh_token": tok.RefreshToken,
		},
		Timeout: c.cfg.Timeouts.Refresh,
	}, &out)
	if err != nil {
		return provider.Refreshed{}, err
	}
	next := provider.Token{AccessToken: out.AccessToken, RefreshToken: out.RefreshToken, ExternalID: tok.ExternalID}
	if next.RefreshToken == "" {
		next.RefreshToken = tok.RefreshToken
	}
	ttl := 30 * 24 * time.Hour
	if at, err := time.Parse(time.RFC3339, out.ExpiresAt); err == nil {
		ttl = at.Sub(c.now())
	}
	return provider.Refreshed{NewSecret: next.Encode(), ExpiresIn: ttl}, nil
}

// Validate calls the merchant whoami endpoint.
func (c *Client) Validate(ctx context.Context, secret string) (bool, error) {
	tok := provider.ParseToken(secret)
	err := c.doer.Do(ctx, provider.Call{
		Op:      "validate",
		Path:    "/v2/merchants/me",
		Bearer:  tok.AccessToken,
		Timeout: c.cfg.Timeouts.Validate,
	}, nil)
	return provider.ValidationOutcome(err)
}

// Package lightspeed adapts the Lightspeed Retail (R-Series) API to
// provider.Client.
package lightspeed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/iliyamo/poscred/internal/provider"
)

const (
	Name           = "lightspeed"
	DefaultBaseURL = "https://api.lightspeedapp.com"
	DefaultAuthURL = "https://cloud.lightspeedapp.com"
)

// Config points the client at a Lightspeed account.
type Config struct {
	BaseURL      string
	AuthURL      string
	ClientID     string
	ClientSecret string
	Timeouts     provider.Timeouts
	HTTP         *http.Client
}

// Client talks to the Lightspeed Retail API.
type Client struct {
	doer *provider.HTTPDoer
	cfg  Config
}

// New returns a Lightspeed client.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.AuthURL == "" {
		cfg.AuthURL = DefaultAuthURL
	}
	if cfg.Timeouts == (provider.Timeouts{}) {
		cfg.Timeouts = provider.DefaultTimeouts()
	}
	return &Client{
		cfg: cfg,
		doer: &provider.HTTPDoer{
			Provider: Name,
			BaseURL:  cfg.BaseURL,
			Client:   cfg.HTTP,
			Hint:     ExpiryHint,
		},
	}
}

func (c *Client) Name() string { return Name }

// ExpiryHint looks for `Bearer error="invalid_token"` with an expiry
// description in WWW-Authenticate.
func ExpiryHint(resp *http.Response, _ []byte) (string, bool) {
	h := resp.Header.Get("WWW-Authenticate")
	l := strings.ToLower(h)
	if strings.Contains(l, "invalid_token") && strings.Contains(l, "expired") {
		return h, true
	}
	return "", false
}

// amount accepts both "12.50" and 12.5.
type amount struct{ decimal.Decimal }

func (a *amount) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		a.Decimal = decimal.Zero
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return err
	}
	a.Decimal = d
	return nil
}

type saleLine struct {
	UnitQuantity amount `json:"unitQuantity"`
	CalcTotal    amount `json:"calcTotal"`
	Item         *struct {
		Description string `json:"description"`
	} `json:"Item"`
}

// saleLines decodes Lightspeed's "one object or a list" encoding.
type saleLines []saleLine

func (s *saleLines) UnmarshalJSON(b []byte) error {
	var wrap struct {
		SaleLine json.RawMessage `json:"SaleLine"`
	}
	if err := json.Unmarshal(b, &wrap); err != nil {
		return err
	}
	raw := strings.TrimSpace(string(wrap.SaleLine))
	switch {
	case raw == "" || raw == "null":
		return nil
	case strings.HasPrefix(raw, "["):
		return json.Unmarshal(wrap.SaleLine, (*[]saleLine)(s))
	}
	var one saleLine
	if err := json.Unmarshal(wrap.SaleLine, &one); err != nil {
		return err
	}
	*s = saleLines{one}
	return nil
}

type sale struct {
	SaleID       string    `json:"saleID"`
	CompleteTime string    `json:"completeTime"`
	CalcTotal    amount    `json:"calcTotal"`
	CalcDiscount *amount   `json:"calcDiscount"`
	CalcTax1     *amount   `json:"calcTax1"`
	CalcTax2     *amount   `json:"calcTax2"`
	SaleLines    saleLines `json:"SaleLines"`
}

func (s sale) toSale() provider.Sale {
	at, _ := time.Parse(time.RFC3339, s.CompleteTime)
	out := provider.Sale{ExternalID: s.SaleID, OccurredAt: at.UTC(), Total: s.CalcTotal.Decimal}
	for _, l := range s.SaleLines {
		name := ""
		if l.Item != nil {
			name = l.Item.Description
		}
		out.Items = append(out.Items, provider.LineItem{Name: name, Quantity: l.UnitQuantity.Decimal, Total: l.CalcTotal.Decimal})
	}
	if s.CalcDiscount != nil {
		d := s.CalcDiscount.Decimal
		out.Meta.DiscountsTotal = &d
	}
	if s.CalcTax1 != nil || s.CalcTax2 != nil {
		t := decimal.Zero
		if s.CalcTax1 != nil {
			t = t.Add(s.CalcTax1.Decimal)
		}
		if s.CalcTax2 != nil {
			t = t.Add(s.CalcTax2.Decimal)
		}
		out.Meta.TaxesTotal = &t
	}
	return out
}

// FetchSalesWindow lists completed sales in [from, to).  The cursor is the
// "after" token of the V3 API's next link.
func (c *Client) FetchSalesWindow(ctx context.Context, secret string, from, to time.Time, cursor string) (provider.Page, error) {
	tok := provider.ParseToken(secret)
	q := url.Values{}
	q.Set("completed", "true")
	q.Set("completeTime", "><,"+from.UTC().Format(time.RFC3339)+","+to.UTC().Format(time.RFC3339))
	q.Set("load_relations", `["SaleLines","SaleLines.Item"]`)
	q.Set("limit", "100")
	if cursor != "" {
		q.Set("after", cursor)
	}
	var out struct {
		Attributes struct {
			Next string `json:"next"`
		} `json:"@attributes"`
		Sale json.RawMessage `json:"Sale"`
	}
	err := c.doer.Do(ctx, provider.Call{
		Op:      "fetch_sales",
		Path:    "/API/V3/Account/" + url.PathEscape(tok.ExternalID) + "/Sale.json",
		Query:   q,
		Bearer:  tok.AccessToken,
		Timeout: c.cfg.Timeouts.Fetch,
	}, &out)
	if err != nil {
		return provider.Page{}, err
	}
	var sales []sale
	raw := strings.TrimSpace(string(out.Sale))
	switch {
	case raw == "" || raw == "null":
	case strings.HasPrefix(raw, "["):
		if err := json.Unmarshal(out.Sale, &sales); err != nil {
			return provider.Page{}, err
		}
	default:
		var one sale
		if err := json.Unmarshal(out.Sale, &one); err != nil {
			return provider.Page{}, err
		}
		sales = []sale{one}
	}
	page := provider.Page{NextCursor: afterToken(out.Attributes.Next)}
	for _, s := range sales {
		page.Items = append(page.Items, s.toSale())
	}
	return page, nil
}

func afterToken(next string) string {
	if next == "" {
		return ""
	}
	u, err := url.Parse(next)
	if err != nil {
		return ""
	}
	return u.Query().Get("after")
}

// RefreshCredential uses the OAuth refresh_token grant.
func (c *Client) RefreshCredential(ctx context.Context, secret string) (provider.Refreshed, error) {
	tok := provider.ParseToken(secret)
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", tok.RefreshToken)
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	var out struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	err := c.doer.Do(ctx, provider.Call{
		Op:      "refresh",
		Method:  http.MethodPost,
		Path:    strings.TrimRight(c.cfg.AuthURL, "/") + "/auth/oauth/token",
		Form:    form,
		Timeout: c.cfg.Timeouts.Refresh,
	}, &out)
	if err != nil {
		return provider.Refreshed{}, err
	}
	next := provider.Token{AccessToken: out.AccessToken, RefreshToken: out.RefreshToken, ExternalID: tok.ExternalID}
	if next.RefreshToken == "" {
		next.RefreshToken = tok.RefreshToken
	}
	ttl := time.Duration(out.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	return provider.Refreshed{NewSecret: next.Encode(), ExpiresIn: ttl}, nil
}

// Validate reads the account the token belongs to.
func (c *Client) Validate(ctx context.Context, secret string) (bool, error) {
	tok := provider.ParseToken(secret)
	err := c.doer.Do(ctx, provider.Call{
		Op:      "validate",
		Path:    "/API/V3/Account.json",
		Bearer:  tok.AccessToken,
		Timeout: c.cfg.Timeouts.Validate,
	}, nil)
	return provider.ValidationOutcome(err)
}

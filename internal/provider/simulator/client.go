// Package simulator is a fault-injecting POS provider used for staging and
// chaos testing.  Server plays the provider; Client is the provider.Client
// adapter that talks to it.  The simulator gives no expiry hint on 401, so
// every 401 is treated as an expired token.
package simulator

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/iliyamo/poscred/internal/provider"
)

const Name = "simulator"

// Client is a provider.Client speaking to a simulator Server.
type Client struct {
	doer     *provider.HTTPDoer
	timeouts provider.Timeouts
}

// NewClient returns a client for a simulator listening at baseURL.
func NewClient(baseURL string, timeouts provider.Timeouts, hc *http.Client) *Client {
	if timeouts == (provider.Timeouts{}) {
		timeouts = provider.DefaultTimeouts()
	}
	return &Client{
		timeouts: timeouts,
		doer: &provider.HTTPDoer{
			Provider: Name,
			BaseURL:  baseURL,
			Client:   hc,
			Hint:     provider.AlwaysExpired,
		},
	}
}

func (c *Client) Name() string { return Name }

func (c *Client) FetchSalesWindow(ctx context.Context, secret string, from, to time.Time, cursor string) (provider.Page, error) {
	tok := provider.ParseToken(secret)
	q := url.Values{}
	q.Set("from", from.UTC().Format(time.RFC3339))
	q.Set("to", to.UTC().Format(time.RFC3339))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var out salesPage
	err := c.doer.Do(ctx, provider.Call{
		Op:      "fetch_sales",
		Path:    "/sales",
		Query:   q,
		Bearer:  tok.AccessToken,
		Timeout: c.timeouts.Fetch,
	}, &out)
	if err != nil {
		return provider.Page{}, err
	}
	return provider.Page{Items: out.Sales, NextCursor: out.NextCursor}, nil
}

func (c *Client) RefreshCredential(ctx context.Context, secret string) (provider.Refreshed, error) {
	tok := provider.ParseToken(secret)
	var out tokenResponse
	err := c.doer.Do(ctx, provider.Call{
		Op:      "refresh",
		Method:  http.MethodPost,
		Path:    "/oauth/token",
		JSON:    map[string]string{"refresh_token": tok.RefreshToken},
		Timeout: c.timeouts.Refresh,
	}, &out)
	if err != nil {
		return provider.Refreshed{}, err
	}
	next := provider.Token{AccessToken: out.AccessToken, RefreshToken: out.RefreshToken, ExternalID: tok.ExternalID}
	return provider.Refreshed{NewSecret: next.Encode(), ExpiresIn: time.Duration(out.ExpiresIn) * time.Second}, nil
}

func (c *Client) Validate(ctx context.Context, secret string) (bool, error) {
	tok := provider.ParseToken(secret)
	err := c.doer.Do(ctx, provider.Call{
		Op:      "validate",
		Path:    "/whoami",
		Bearer:  tok.AccessToken,
		Timeout: c.timeouts.Validate,
	}, nil)
	return provider.ValidationOutcome(err)
}

type salesPage struct {
	Sales      []provider.Sale `json:"sales"`
	NextCursor string          `json:"next_cursor"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

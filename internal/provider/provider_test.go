package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/poscred/internal/poserr"
)

func TestClassify(t *testing.T) {
	never := func(*http.Response, []byte) (string, bool) { return "", false }
	cases := []struct {
		code int
		hint ExpiryHint
		want poserr.Kind
	}{
		{200, nil, poserr.KindNone},
		{204, nil, poserr.KindNone},
		{500, nil, poserr.KindProviderUnreachable},
		{503, nil, poserr.KindProviderUnreachable},
		{429, nil, poserr.KindProviderUnreachable},
		{401, never, poserr.KindZombieToken},
		{401, AlwaysExpired, poserr.KindExpiredToken},
		{401, nil, poserr.KindExpiredToken},
		{403, nil, poserr.KindPermissionDenied},
		{400, nil, poserr.KindProviderRejected},
		{404, nil, poserr.KindProviderRejected},
	}
	for _, tc := range cases {
		err := Classify("square", "fetch_sales", &http.Response{StatusCode: tc.code, Header: http.Header{}}, nil, tc.hint)
		assert.Equal(t, tc.want, poserr.KindOf(err), "status %d", tc.code)
	}
}

func TestHTTPDoer_TimeoutIsUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	d := &HTTPDoer{Provider: "square", BaseURL: srv.URL}
	err := d.Do(context.Background(), Call{Op: "validate", Path: "/whoami", Timeout: 20 * time.Millisecond}, nil)
	require.Error(t, err)
	assert.Equal(t, poserr.KindProviderUnreachable, poserr.KindOf(err))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestHTTPDoer_SendsBearerAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "/v1/ping", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	var out struct {
		OK bool `json:"ok"`
	}
	d := &HTTPDoer{Provider: "square", BaseURL: srv.URL + "/"}
	err := d.Do(context.Background(), Call{Op: "ping", Path: "/v1/ping", Bearer: "tok", Query: map[string][]string{"page": {"2"}}}, &out)
	require.NoError(t, err)
	assert.True(t, out.OK)
}

func TestValidationOutcome(t *testing.T) {
	ok, err := ValidationOutcome(nil)
	assert.True(t, ok)
	assert.NoError(t, err)

	ok, err = ValidationOutcome(&poserr.ZombieTokenError{Provider: "square"})
	assert.False(t, ok)
	assert.NoError(t, err)

	down := &poserr.UnreachableError{Provider: "square", Op: "validate", StatusCode: 503}
	ok, err = ValidationOutcome(down)
	assert.False(t, ok)
	assert.ErrorIs(t, err, down)
}

func TestParseToken(t *testing.T) {
	tok := Token{AccessToken: "a", RefreshToken: "r", ExternalID: "L1"}
	assert.Equal(t, tok, ParseToken(tok.Encode()))
	assert.Equal(t, Token{AccessToken: "raw", RefreshToken: "raw"}, ParseToken(" raw "))
}

type pagedClient struct {
	pages map[string]Page
	fail  map[string]error
	calls int
}

func (p *pagedClient) Name() string { return "paged" }

func (p *pagedClient) FetchSalesWindow(_ context.Context, _ string, _, _ time.Time, cursor string) (Page, error) {
	p.calls++
	if err := p.fail[cursor]; err != nil {
		return Page{}, err
	}
	return p.pages[cursor], nil
}

func (p *pagedClient) RefreshCredential(context.Context, string) (Refreshed, error) {
	return Refreshed{}, nil
}

func (p *pagedClient) Validate(context.Context, string) (bool, error) { return true, nil }

func sale(id string) Sale { return Sale{ExternalID: id, Total: decimal.NewFromInt(1)} }

func TestCollectSales_FollowsCursorsAndResumes(t *testing.T) {
	c := &pagedClient{
		pages: map[string]Page{
			"":   {Items: []Sale{sale("a"), sale("b")}, NextCursor: "c1"},
			"c1": {Items: []Sale{sale("c")}, NextCursor: "c2"},
			"c2": {Items: []Sale{sale("d")}},
		},
		fail: map[string]error{"c2": &poserr.UnreachableError{Provider: "paged", Op: "fetch_sales", StatusCode: 502}},
	}
	ctx := context.Background()
	got, resume, err := CollectSales(ctx, c, "s", time.Time{}, time.Time{}, "", 0)
	require.Error(t, err)
	assert.Equal(t, "c2", resume)
	assert.Len(t, got, 3)

	delete(c.fail, "c2")
	rest, resume, err := CollectSales(ctx, c, "s", time.Time{}, time.Time{}, resume, 0)
	require.NoError(t, err)
	assert.Empty(t, resume)
	require.Len(t, rest, 1)
	assert.Equal(t, "d", rest[0].ExternalID)
}

func TestCollectSales_PageLimit(t *testing.T) {
	loop := &pagedClient{pages: map[string]Page{
		"":  {Items: []Sale{sale("a")}, NextCursor: "x"},
		"x": {Items: []Sale{sale("b")}, NextCursor: "y"},
		"y": {Items: []Sale{sale("c")}, NextCursor: "x"},
	}}
	_, resume, err := CollectSales(context.Background(), loop, "s", time.Time{}, time.Time{}, "", 5)
	assert.ErrorIs(t, err, ErrTooManyPages)
	assert.NotEmpty(t, resume)
	assert.Equal(t, 5, loop.calls)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(&pagedClient{})
	c, err := r.Get("paged")
	require.NoError(t, err)
	assert.Equal(t, "paged", c.Name())
	_, err = r.Get("clover")
	assert.ErrorIs(t, err, ErrUnknownProvider)
	assert.Equal(t, []string{"paged"}, r.Names())
}

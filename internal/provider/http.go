package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/iliyamo/poscred/internal/poserr"
)

const maxBody = 1 << 20

// ExpiryHint inspects a 401 response and reports whether the provider said
// the token expired (as opposed to being wrong altogether), with the hint
// that said so.
type ExpiryHint func(resp *http.Response, body []byte) (hint string, expired bool)

// AlwaysExpired is the hint for providers that do not tell expired and
// invalid tokens apart: every 401 is worth one rotation.
func AlwaysExpired(*http.Response, []byte) (string, bool) { return "no provider hint", true }

// HTTPDoer performs provider calls and turns responses into the poserr
// taxonomy.
type HTTPDoer struct {
	Provider string
	BaseURL  string
	Client   *http.Client
	Hint     ExpiryHint
}

// Call describes one request.
type Call struct {
	Op      string
	Method  string
	Path    string // relative to BaseURL unless absolute
	Query   url.Values
	Bearer  string
	JSON    any
	Form    url.Values
	Header  http.Header
	Timeout time.Duration
}

// Do sends the call and decodes a 2xx JSON body into out (when non-nil).
func (d *HTTPDoer) Do(ctx context.Context, c Call, out any) error {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	req, err := d.newRequest(ctx, c)
	if err != nil {
		return err
	}
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return &poserr.UnreachableError{Provider: d.Provider, Op: c.Op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return &poserr.UnreachableError{Provider: d.Provider, Op: c.Op, StatusCode: resp.StatusCode, Err: err}
	}
	if err := Classify(d.Provider, c.Op, resp, body, d.Hint); err != nil {
		return err
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", d.Provider, c.Op, err)
	}
	return nil
}

func (d *HTTPDoer) newRequest(ctx context.Context, c Call) (*http.Request, error) {
	endpoint := c.Path
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = strings.TrimRight(d.BaseURL, "/") + "/" + strings.TrimLeft(c.Path, "/")
	}
	if len(c.Query) > 0 {
		endpoint += "?" + c.Query.Encode()
	}
	var (
		body        io.Reader
		contentType string
	)
	switch {
	case c.JSON != nil:
		b, err := json.Marshal(c.JSON)
		if err != nil {
			return nil, err
		}
		body, contentType = bytes.NewReader(b), "application/json"
	case c.Form != nil:
		body, contentType = strings.NewReader(c.Form.Encode()), "application/x-www-form-urlencoded"
	}
	method := c.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range c.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.Bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.Bearer)
	}
	return req, nil
}

// Classify maps a response to nil (2xx) or a taxonomy error:
// 5xx and 429 are unreachable, 401 is expired or zombie depending on hint,
// 403 is permission denied and any other 4xx is rejected.
func Classify(provider, op string, resp *http.Response, body []byte, hint ExpiryHint) error {
	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests || code >= 500:
		return &poserr.UnreachableError{Provider: provider, Op: op, StatusCode: code}
	case code == http.StatusUnauthorized:
		if hint == nil {
			hint = AlwaysExpired
		}
		if h, ok := hint(resp, body); ok {
			return &poserr.ExpiredTokenError{Provider: provider, Hint: h}
		}
		return &poserr.ZombieTokenError{Provider: provider}
	case code == http.StatusForbidden:
		return &poserr.PermissionDeniedError{Provider: provider, Op: op}
	}
	return &poserr.RejectedError{Provider: provider, Op: op, StatusCode: code, Body: snippet(body)}
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// ValidationOutcome maps the error of a whoami call to Validate's result:
// an auth or client error means the secret is not valid, anything else is
// a failure to find out.
func ValidationOutcome(err error) (bool, error) {
	switch poserr.KindOf(err) {
	case poserr.KindNone:
		return true, nil
	case poserr.KindZombieToken, poserr.KindExpiredToken, poserr.KindPermissionDenied, poserr.KindProviderRejected:
		return false, nil
	}
	return false, err
}

package simulator

import (
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/poscred/internal/provider"
)

// Options tune the simulated provider.
type Options struct {
	FailureRate float64       // share of requests answered with 503
	Latency     time.Duration // added to every request
	TokenTTL    time.Duration // lifetime of issued access tokens
	PageSize    int
	Seed        uint64
}

type grant struct {
	externalID string
	expiresAt  time.Time
}

// Server is an http.Handler emulating a POS provider.
type Server struct {
	mu       sync.Mutex
	opts     Options
	rnd      *rand.Rand
	access   map[string]grant  // access token -> grant
	refresh  map[string]string // refresh token -> external id
	sales    map[string][]provider.Sale
	down     bool
	mux      *http.ServeMux
	Now      func() time.Time
	refreshN atomic.Int64
	fetchN   atomic.Int64
}

// NewServer returns a simulated POS API.
func NewServer(opts Options) *Server {
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = time.Hour
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	s := &Server{
		opts:    opts,
		rnd:     rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)),
		access:  make(map[string]grant),
		refresh: make(map[string]string),
		sales:   make(map[string][]provider.Sale),
		Now:     time.Now,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/token", s.handleToken)
	mux.HandleFunc("GET /whoami", s.handleWhoami)
	mux.HandleFunc("GET /sales", s.handleSales)
	s.mux = mux
	return s
}

// Issue creates a fresh token pair for externalID and returns the bundle a
// credential would store.
func (s *Server) Issue(externalID string) provider.Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueLocked(externalID)
}

func (s *Server) issueLocked(externalID string) provider.Token {
	t := provider.Token{AccessToken: "at-" + uuid.NewString(), RefreshToken: "rt-" + uuid.NewString(), ExternalID: externalID}
	s.access[t.AccessToken] = grant{externalID: externalID, expiresAt: s.Now().Add(s.opts.TokenTTL)}
	s.refresh[t.RefreshToken] = externalID
	return t
}

// Expire makes an access token stale while keeping its refresh token usable.
func (s *Server) Expire(accessToken string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.access[accessToken]; ok {
		g.expiresAt = time.Time{}
		s.access[accessToken] = g
	}
}

// AddSales stores sales for externalID.
func (s *Server) AddSales(externalID string, sales ...provider.Sale) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sales[externalID] = append(s.sales[externalID], sales...)
	sort.SliceStable(s.sales[externalID], func(i, j int) bool {
		return s.sales[externalID][i].OccurredAt.Before(s.sales[externalID][j].OccurredAt)
	})
}

// SetDown makes every request fail with 503 while down is true.
func (s *Server) SetDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

// SetFailureRate changes the random 503 rate.
func (s *Server) SetFailureRate(rate float64) {
	s.mu.Lock()
	s.opts.FailureRate = rate
	s.mu.Unlock()
}

// Refreshes returns how many refresh requests succeeded.
func (s *Server) Refreshes() int64 { return s.refreshN.Load() }

// Fetches returns how many sales pages were served.
func (s *Server) Fetches() int64 { return s.fetchN.Load() }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.opts.Latency > 0 {
		select {
		case <-time.After(s.opts.Latency):
		case <-r.Context().Done():
			return
		}
	}
	s.mu.Lock()
	fail := s.down || (s.opts.FailureRate > 0 && s.rnd.Float64() < s.opts.FailureRate)
	s.mu.Unlock()
	if fail {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "unavailable"})
		return
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) authorize(r *http.Request) (string, bool) {
	tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.access[tok]
	if !ok || !s.Now().Before(g.expiresAt) {
		return "", false
	}
	return g.externalID, true
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var in struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	s.mu.Lock()
	ext, ok := s.refresh[in.RefreshToken]
	var t provider.Token
	if ok {
		delete(s.refresh, in.RefreshToken)
		t = s.issueLocked(ext)
	}
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
		return
	}
	s.refreshN.Add(1)
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		ExpiresIn:    int64(s.opts.TokenTTL / time.Second),
	})
}

func (s *Server) handleWhoami(w http.ResponseWriter, r *http.Request) {
	ext, ok := s.authorize(r)
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"external_id": ext})
}

func (s *Server) handleSales(w http.ResponseWriter, r *http.Request) {
	ext, ok := s.authorize(r)
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	q := r.URL.Query()
	from, err1 := time.Parse(time.RFC3339, q.Get("from"))
	to, err2 := time.Parse(time.RFC3339, q.Get("to"))
	if err1 != nil || err2 != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "from/to must be RFC3339"})
		return
	}
	offset := 0
	if c := q.Get("cursor"); c != "" {
		n, err := strconv.Atoi(c)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad cursor"})
			return
		}
		offset = n
	}

	s.mu.Lock()
	var window []provider.Sale
	for _, sale := range s.sales[ext] {
		if !sale.OccurredAt.Before(from) && sale.OccurredAt.Before(to) {
			window = append(window, sale)
		}
	}
	size := s.opts.PageSize
	s.mu.Unlock()

	page := salesPage{Sales: []provider.Sale{}}
	if offset < len(window) {
		end := offset + size
		if end > len(window) {
			end = len(window)
		}
		page.Sales = window[offset:end]
		if end < len(window) {
			page.NextCursor = strconv.Itoa(end)
		}
	}
	s.fetchN.Add(1)
	writeJSON(w, http.StatusOK, page)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

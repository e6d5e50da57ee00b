package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/poscred/internal/alert"
	"github.com/iliyamo/poscred/internal/breaker"
	"github.com/iliyamo/poscred/internal/database"
	"github.com/iliyamo/poscred/internal/interceptor"
	"github.com/iliyamo/poscred/internal/model"
	"github.com/iliyamo/poscred/internal/poserr"
	"github.com/iliyamo/poscred/internal/provider"
	"github.com/iliyamo/poscred/internal/repository"
	"github.com/iliyamo/poscred/internal/rotation"
	"github.com/iliyamo/poscred/internal/syncer"
	"github.com/iliyamo/poscred/internal/utils"
)

var now = time.Date(2026, 6, 10, 2, 0, 0, 0, time.UTC)

func newRepo(t *testing.T) *repository.CredentialRepo {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "svc.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	r := repository.NewCredentialRepo(db, database.SQLite)
	r.Now = func() time.Time { return now }
	return r
}

func seedN(t *testing.T, r *repository.CredentialRepo, n int, secretRef string) {
	t.Helper()
	for i := 0; i < n; i++ {
		c := model.Credential{
			TenantID:   "t1",
			LocationID: fmt.Sprintf("loc-%d", i),
			Provider:   "square",
			SecretRef:  secretRef,
			ExpiresAt:  now.Add(time.Duration(i+1) * time.Hour),
		}
		require.NoError(t, r.Create(context.Background(), &c))
	}
}

type scriptedRotator struct {
	mu    sync.Mutex
	errs  map[string]error
	noop  map[string]bool
	calls []string
}

func (r *scriptedRotator) Rotate(_ context.Context, req rotation.Request) (rotation.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, req.LocationID)
	res := rotation.Result{RotationID: req.RotationID, LocationID: req.LocationID, Provider: req.Provider}
	if err := r.errs[req.LocationID]; err != nil {
		res.Result = model.RotationFailed
		if poserr.KindOf(err) != poserr.KindUnknown {
			return res, &rotation.Error{RotationID: req.RotationID, Step: "refresh", Kind: poserr.KindOf(err), Err: err}
		}
		return res, err
	}
	res.Result = model.RotationRotated
	if r.noop[req.LocationID] {
		res.Result = model.RotationIdempotentNoop
	}
	return res, nil
}

func unreachable() error {
	return &poserr.UnreachableError{Provider: "square", Op: "refresh", StatusCode: 502}
}

func rejected() error {
	return &poserr.RejectedError{Provider: "square", Op: "refresh", StatusCode: 400}
}

type jobFixture struct {
	repo    *repository.CredentialRepo
	rotator *scriptedRotator
	breaker *breaker.Breaker
	clock   time.Time
	rec     *alert.Recorder
	job     *RotationJob
}

func newJobFixture(t *testing.T, candidates int) *jobFixture {
	t.Helper()
	f := &jobFixture{
		repo:    newRepo(t),
		rotator: &scriptedRotator{errs: map[string]error{}, noop: map[string]bool{}},
		clock:   now,
		rec:     &alert.Recorder{},
	}
	seedN(t, f.repo, candidates, "ref")
	f.breaker = breaker.New(breaker.NewMemoryStore(), breaker.Policy{Threshold: 2, Cooldown: time.Hour},
		breaker.WithClock(func() time.Time { return f.clock }))
	f.job = NewRotationJob(f.repo, f.rotator, f.breaker, RotationJobConfig{Providers: []string{"square"}}, WithEmitter(f.rec))
	return f
}

func TestRotationJob_RotatesLeasedCandidatesInOrder(t *testing.T) {
	f := newJobFixture(t, 3)
	f.rotator.noop["loc-1"] = true

	sum, err := f.job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, JobOK, sum.Status)
	assert.Equal(t, 3, sum.Leased)
	assert.Equal(t, 2, sum.Rotated)
	assert.Equal(t, 1, sum.Noop)
	assert.Equal(t, []string{"loc-0", "loc-1", "loc-2"}, f.rotator.calls)
	require.Len(t, sum.Providers, 1)
	assert.Len(t, sum.Providers[0].Results, 3)

	// leased rows are in cooldown for the next run
	sum, err = f.job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Leased)
}

func TestRotationJob_OpenBreakerSkipsWithoutLeasing(t *testing.T) {
	f := newJobFixture(t, 2)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := f.breaker.RecordFailure(ctx, breaker.Global("square"))
		require.NoError(t, err)
	}

	sum, err := f.job.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, JobSkipped, sum.Status)
	assert.Equal(t, model.SkipCircuitOpen, sum.Providers[0].Reason)
	assert.NotNil(t, sum.Providers[0].ResumeAt)
	assert.Empty(t, f.rotator.calls)

	// nothing was stamped, so the candidates are still leasable
	got, err := f.repo.LeaseCandidates(ctx, repository.LeaseOptions{})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestRotationJob_HalfOpenProcessesOneCandidate(t *testing.T) {
	f := newJobFixture(t, 3)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, _ = f.breaker.RecordFailure(ctx, breaker.Global("square"))
	}
	f.clock = f.clock.Add(time.Hour)

	sum, err := f.job.Run(ctx)
	require.NoError(t, err)
	assert.True(t, sum.Providers[0].TestMode)
	assert.Equal(t, 1, sum.Leased)
	assert.Equal(t, 1, sum.Rotated)
	assert.Equal(t, []string{"loc-0"}, f.rotator.calls)

	d, err := f.breaker.Check(ctx, breaker.Global("square"))
	require.NoError(t, err)
	assert.Equal(t, model.BreakerClosed, d.State)
}

func TestRotationJob_HaltsWhenBreakerOpensMidBatch(t *testing.T) {
	f := newJobFixture(t, 5)
	for i := 0; i < 5; i++ {
		f.rotator.errs[fmt.Sprintf("loc-%d", i)] = unreachable()
	}

	sum, err := f.job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, JobHalted, sum.Status)
	assert.Equal(t, 5, sum.Leased)
	assert.Equal(t, 2, sum.Failed)
	assert.Equal(t, 3, sum.Skipped)
	assert.Len(t, f.rotator.calls, 2)
	assert.Equal(t, 1, f.rec.Count(alert.TypeRotationJobHalted))
}

func TestRotationJob_RejectionsDoNotHalt(t *testing.T) {
	f := newJobFixture(t, 3)
	for i := 0; i < 3; i++ {
		f.rotator.errs[fmt.Sprintf("loc-%d", i)] = rejected()
	}

	sum, err := f.job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, JobOK, sum.Status)
	assert.Equal(t, 3, sum.Failed)
	assert.Equal(t, 0, sum.Skipped)

	d, err := f.breaker.Check(context.Background(), breaker.Global("square"))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRotationJob_StoreFaultIsReturned(t *testing.T) {
	f := newJobFixture(t, 2)
	f.rotator.errs["loc-0"] = errors.New("swap: database is closed")

	_, err := f.job.Run(context.Background())
	assert.ErrorContains(t, err, "database is closed")
}

func TestRotationJob_HalfOpenStoreFaultReturnsTrial(t *testing.T) {
	f := newJobFixture(t, 2)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, _ = f.breaker.RecordFailure(ctx, breaker.Global("square"))
	}
	f.clock = f.clock.Add(time.Hour)
	f.rotator.errs["loc-0"] = errors.New("swap: database is locked")

	_, err := f.job.Run(ctx)
	require.ErrorContains(t, err, "database is locked")

	d, err := f.breaker.Check(ctx, breaker.Global("square"))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.True(t, d.TestMode)
}

type cancellingLeaser struct {
	inner  Leaser
	cancel context.CancelFunc
}

func (l cancellingLeaser) LeaseCandidates(ctx context.Context, opts repository.LeaseOptions) ([]model.Credential, error) {
	creds, err := l.inner.LeaseCandidates(ctx, opts)
	l.cancel()
	return creds, err
}

func TestRotationJob_CancelledHalfOpenBatchReturnsTrial(t *testing.T) {
	f := newJobFixture(t, 2)
	for i := 0; i < 2; i++ {
		_, _ = f.breaker.RecordFailure(context.Background(), breaker.Global("square"))
	}
	f.clock = f.clock.Add(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	job := NewRotationJob(cancellingLeaser{inner: f.repo, cancel: cancel}, f.rotator, f.breaker,
		RotationJobConfig{Providers: []string{"square"}})
	sum, err := job.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, JobHalted, sum.Status)
	assert.Equal(t, 1, sum.Skipped)
	assert.Empty(t, f.rotator.calls)

	d, err := f.breaker.Check(context.Background(), breaker.Global("square"))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.True(t, d.TestMode)
}

type staticConns []model.Connection

func (c staticConns) ListConnected(context.Context) ([]model.Connection, error) { return c, nil }

type scriptedSyncer struct {
	outcomes map[string]syncer.Outcome
	errs     map[string]error
	running  atomic.Int32
	peak     atomic.Int32
	days     sync.Map
}

func (s *scriptedSyncer) SyncDay(_ context.Context, t interceptor.Target, day time.Time) (syncer.Outcome, error) {
	n := s.running.Add(1)
	defer s.running.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	s.days.Store(t.LocationID, day)
	out := s.outcomes[t.LocationID]
	out.LocationID = t.LocationID
	return out, s.errs[t.LocationID]
}

func TestDailySync_CountsOutcomes(t *testing.T) {
	var conns staticConns
	for i := 0; i < 6; i++ {
		conns = append(conns, model.Connection{TenantID: "t1", LocationID: fmt.Sprintf("loc-%d", i), Provider: "square"})
	}
	s := &scriptedSyncer{
		outcomes: map[string]syncer.Outcome{
			"loc-0": {Status: model.SyncOK},
			"loc-1": {Status: model.SyncOK},
			"loc-2": {Status: model.SyncSkipped, SkipReason: model.SkipBackoff},
			"loc-3": {Status: model.SyncSkipped, SkipReason: model.SkipInvalidCredentials},
			"loc-4": {Status: model.SyncError},
			"loc-5": {Status: model.SyncSkipped, SkipReason: model.SkipNoCredentials},
		},
		errs: map[string]error{},
	}
	ds := NewDailySync(conns, s, 2)

	sum, err := ds.Run(context.Background(), time.Date(2026, 6, 9, 17, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "2026-06-09", sum.Date)
	assert.Equal(t, 2, sum.OK)
	assert.Equal(t, 1, sum.Backoff)
	assert.Equal(t, 1, sum.Invalid)
	assert.Equal(t, 1, sum.Error)
	assert.Equal(t, 1, sum.Skipped)
	assert.Len(t, sum.Outcomes, 6)
	assert.LessOrEqual(t, s.peak.Load(), int32(2))

	d, ok := s.days.Load("loc-0")
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 6, 9, 0, 0, 0, 0, time.UTC), d)
}

func TestDailySync_ItemStoreFaultCountsAsError(t *testing.T) {
	conns := staticConns{{TenantID: "t1", LocationID: "loc-0", Provider: "square"}}
	s := &scriptedSyncer{
		outcomes: map[string]syncer.Outcome{"loc-0": {Status: model.SyncOK}},
		errs:     map[string]error{"loc-0": errors.New("upsert consumption: disk full")},
	}
	sum, err := NewDailySync(conns, s, 0).Run(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Error)
	assert.Equal(t, 0, sum.OK)
	assert.Contains(t, sum.Outcomes[0].Error, "disk full")
}

type storedRecords struct {
	stored map[string]bool
	fault  error
	dates  sync.Map
}

func (r *storedRecords) Count(_ context.Context, tenantID, locationID, provider, date string) (int, error) {
	r.dates.Store(locationID, tenantID+"/"+provider+"/"+date)
	if r.fault != nil && locationID == "loc-3" {
		return 0, r.fault
	}
	if r.stored[locationID] {
		return 1, nil
	}
	return 0, nil
}

func TestDailySync_ReportsRecordedLocations(t *testing.T) {
	var conns staticConns
	for i := 0; i < 4; i++ {
		conns = append(conns, model.Connection{TenantID: "t1", LocationID: fmt.Sprintf("loc-%d", i), Provider: "square"})
	}
	s := &scriptedSyncer{
		outcomes: map[string]syncer.Outcome{
			"loc-0": {Status: model.SyncOK},
			"loc-1": {Status: model.SyncOK},
			"loc-2": {Status: model.SyncSkipped, SkipReason: model.SkipBackoff},
			"loc-3": {Status: model.SyncOK},
		},
		errs: map[string]error{},
	}
	// loc-1 synced but stored nothing; loc-2 was stored by an earlier run.
	records := &storedRecords{
		stored: map[string]bool{"loc-0": true, "loc-2": true, "loc-3": true},
		fault:  errors.New("connection reset"),
	}

	sum, err := NewDailySync(conns, s, 2).WithRecords(records).Run(context.Background(), time.Date(2026, 6, 9, 17, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 3, sum.OK)
	assert.Equal(t, 2, sum.Recorded)

	key, ok := records.dates.Load("loc-0")
	require.True(t, ok)
	assert.Equal(t, "t1/square/2026-06-09", key)
}

func TestDailySync_WithoutRecordsLeavesRecordedZero(t *testing.T) {
	conns := staticConns{{TenantID: "t1", LocationID: "loc-0", Provider: "square"}}
	s := &scriptedSyncer{outcomes: map[string]syncer.Outcome{"loc-0": {Status: model.SyncOK}}, errs: map[string]error{}}
	sum, err := NewDailySync(conns, s, 1).Run(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.OK)
	assert.Zero(t, sum.Recorded)
}

func TestFailureMonitor_AlertsAtThreshold(t *testing.T) {
	repo := newRepo(t)
	seedN(t, repo, 2, "ref")
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := repo.RecordRotationFailure(ctx, repository.RotationFailure{
			RotationID: fmt.Sprintf("r-%d", i), LocationID: "loc-0", Provider: "square", StartedAt: now, Err: "timeout",
		})
		require.NoError(t, err)
	}
	_, err := repo.RecordRotationFailure(ctx, repository.RotationFailure{
		RotationID: "r-x", LocationID: "loc-1", Provider: "square", StartedAt: now, Err: "timeout",
	})
	require.NoError(t, err)

	rec := &alert.Recorder{}
	rep, err := NewFailureMonitor(repo, 3, WithEmitter(rec)).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Alerted)
	require.Len(t, rep.Credentials, 1)
	assert.Equal(t, "loc-0", rep.Credentials[0].LocationID)
	assert.Equal(t, 3, rep.Credentials[0].ConsecutiveFailures)
	assert.Equal(t, 1, rec.Count(alert.TypeCredentialFailing))
}

type stubClient struct {
	ok  bool
	err error
}

func (stubClient) Name() string { return "square" }

func (stubClient) FetchSalesWindow(context.Context, string, time.Time, time.Time, string) (provider.Page, error) {
	return provider.Page{}, nil
}

func (stubClient) RefreshCredential(context.Context, string) (provider.Refreshed, error) {
	return provider.Refreshed{}, errors.New("not used")
}

func (c stubClient) Validate(context.Context, string) (bool, error) { return c.ok, c.err }

func newVerifier(t *testing.T, client stubClient) (*CredentialVerifier, *repository.CredentialRepo, *alert.Recorder) {
	t.Helper()
	key, err := utils.NewRandomKey()
	require.NoError(t, err)
	keys, err := utils.NewKeyring(key)
	require.NoError(t, err)
	ref, err := keys.Seal("token")
	require.NoError(t, err)
	repo := newRepo(t)
	seedN(t, repo, 1, ref)
	rec := &alert.Recorder{}
	return NewCredentialVerifier(repo, keys, provider.NewRegistry(client), time.Second, WithEmitter(rec)), repo, rec
}

func TestVerify_Connected(t *testing.T) {
	v, repo, rec := newVerifier(t, stubClient{ok: true})
	out, err := v.Verify(context.Background(), "t1", "loc-0", "square")
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, out.Status)

	c, err := repo.Get(context.Background(), "loc-0", "square")
	require.NoError(t, err)
	assert.Equal(t, model.CredentialActive, c.Status)
	assert.NotNil(t, c.LastVerifiedAt)
	assert.Equal(t, 1, rec.Count(alert.TypeCredentialVerified))
}

func TestVerify_RejectedMarksInvalid(t *testing.T) {
	v, repo, rec := newVerifier(t, stubClient{ok: false})
	out, err := v.Verify(context.Background(), "t1", "loc-0", "square")
	require.NoError(t, err)
	assert.Equal(t, StatusInvalid, out.Status)

	c, err := repo.Get(context.Background(), "loc-0", "square")
	require.NoError(t, err)
	assert.Equal(t, model.CredentialInvalid, c.Status)
	assert.Equal(t, 1, rec.Count(alert.TypeCredentialInvalid))
}

func TestVerify_UnauthorizedMarksInvalid(t *testing.T) {
	v, _, _ := newVerifier(t, stubClient{err: &poserr.ZombieTokenError{Provider: "square"}})
	out, err := v.Verify(context.Background(), "t1", "loc-0", "square")
	require.NoError(t, err)
	assert.Equal(t, StatusInvalid, out.Status)
}

func TestVerify_OutageLeavesStatus(t *testing.T) {
	v, repo, _ := newVerifier(t, stubClient{err: &poserr.UnreachableError{Provider: "square", Op: "validate"}})
	_, err := v.Verify(context.Background(), "t1", "loc-0", "square")
	assert.Equal(t, poserr.KindProviderUnreachable, poserr.KindOf(err))

	c, err := repo.Get(context.Background(), "loc-0", "square")
	require.NoError(t, err)
	assert.Equal(t, model.CredentialActive, c.Status)
	assert.Nil(t, c.LastVerifiedAt)
}

func TestVerify_ForeignTenantForbidden(t *testing.T) {
	v, _, _ := newVerifier(t, stubClient{ok: true})
	_, err := v.Verify(context.Background(), "t2", "loc-0", "square")
	assert.ErrorIs(t, err, repository.ErrForbidden)
}

func TestVerify_UnknownCredential(t *testing.T) {
	v, _, _ := newVerifier(t, stubClient{ok: true})
	_, err := v.Verify(context.Background(), "t1", "loc-9", "square")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestConnect_ReplaceRevivesInvalidCredential(t *testing.T) {
	ctx := context.Background()
	key, err := utils.NewRandomKey()
	require.NoError(t, err)
	keys, err := utils.NewKeyring(key)
	require.NoError(t, err)
	dead, err := keys.Seal(provider.Token{AccessToken: "revoked"}.Encode())
	require.NoError(t, err)
	repo := newRepo(t)
	seedN(t, repo, 1, dead)
	require.NoError(t, repo.MarkInvalid(ctx, "loc-0", "square"))
	_, err = repo.RecordRotationFailure(ctx, repository.RotationFailure{LocationID: "loc-0", Provider: "square", Err: "401"})
	require.NoError(t, err)

	registry := provider.NewRegistry(stubClient{ok: true})
	conn := NewCredentialConnector(repo, keys, registry)
	conn.now = func() time.Time { return now }
	req := ConnectRequest{
		TenantID: "t1", LocationID: "loc-0", Provider: "square",
		Token: provider.Token{AccessToken: "fresh", RefreshToken: "rt"}, ExpiresIn: time.Hour,
	}

	_, err = conn.Connect(ctx, req)
	require.ErrorIs(t, err, repository.ErrConflict)

	req.Replace = true
	out, err := conn.Connect(ctx, req)
	require.NoError(t, err)
	assert.True(t, out.Replaced)
	assert.True(t, out.ExpiresAt.Equal(now.Add(time.Hour)))

	c, err := repo.Get(ctx, "loc-0", "square")
	require.NoError(t, err)
	assert.Equal(t, model.CredentialActive, c.Status)
	assert.Equal(t, 0, c.ConsecutiveFailures)
	plain, err := keys.Open(c.SecretRef)
	require.NoError(t, err)
	assert.Equal(t, "fresh", provider.ParseToken(plain).AccessToken)

	leased, err := repo.LeaseCandidates(ctx, repository.LeaseOptions{Provider: "square"})
	require.NoError(t, err)
	assert.Len(t, leased, 1)

	v, err := NewCredentialVerifier(repo, keys, registry, time.Second).Verify(ctx, "t1", "loc-0", "square")
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, v.Status)
}

func TestConnect_ReplaceForeignTenantForbidden(t *testing.T) {
	ctx := context.Background()
	key, err := utils.NewRandomKey()
	require.NoError(t, err)
	keys, err := utils.NewKeyring(key)
	require.NoError(t, err)
	repo := newRepo(t)
	seedN(t, repo, 1, "ref")

	conn := NewCredentialConnector(repo, keys, provider.NewRegistry(stubClient{ok: true}))
	_, err = conn.Connect(ctx, ConnectRequest{
		TenantID: "t2", LocationID: "loc-0", Provider: "square",
		Token: provider.Token{AccessToken: "x"}, ExpiresIn: time.Hour, Replace: true,
	})
	assert.ErrorIs(t, err, repository.ErrForbidden)

	c, err := repo.Get(ctx, "loc-0", "square")
	require.NoError(t, err)
	assert.Equal(t, "ref", c.SecretRef)
}

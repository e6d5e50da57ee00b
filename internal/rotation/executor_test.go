package rotation

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/poscred/internal/alert"
	"github.com/iliyamo/poscred/internal/database"
	"github.com/iliyamo/poscred/internal/model"
	"github.com/iliyamo/poscred/internal/poserr"
	"github.com/iliyamo/poscred/internal/provider"
	"github.com/iliyamo/poscred/internal/repository"
	"github.com/iliyamo/poscred/internal/utils"
)

var now = time.Date(2026, 6, 10, 8, 0, 0, 0, time.UTC)

type fakeProvider struct {
	mu          sync.Mutex
	refreshErr  error
	validateOK  bool
	validateErr error
	refreshes   int
	validations int
}

func (f *fakeProvider) Name() string { return "square" }

func (f *fakeProvider) FetchSalesWindow(context.Context, string, time.Time, time.Time, string) (provider.Page, error) {
	return provider.Page{}, nil
}

func (f *fakeProvider) RefreshCredential(_ context.Context, secret string) (provider.Refreshed, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	if f.refreshErr != nil {
		return provider.Refreshed{}, f.refreshErr
	}
	tok := provider.Token{AccessToken: fmt.Sprintf("at-%d", f.refreshes), RefreshToken: "rt", ExternalID: "L1"}
	return provider.Refreshed{NewSecret: tok.Encode(), ExpiresIn: 24 * time.Hour}, nil
}

func (f *fakeProvider) Validate(context.Context, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validations++
	return f.validateOK, f.validateErr
}

type fixture struct {
	repo *repository.CredentialRepo
	keys *utils.Keyring
	prov *fakeProvider
	rec  *alert.Recorder
	exec *Executor
	cred model.Credential
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "rotation.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	repo := repository.NewCredentialRepo(db, database.SQLite)
	repo.Now = func() time.Time { return now }

	key, err := utils.NewRandomKey()
	require.NoError(t, err)
	keys, err := utils.NewKeyring(key)
	require.NoError(t, err)
	sealed, err := keys.Seal(provider.Token{AccessToken: "at-0", RefreshToken: "rt", ExternalID: "L1"}.Encode())
	require.NoError(t, err)

	cred := model.Credential{TenantID: "t1", LocationID: "loc-1", Provider: "square", SecretRef: sealed, ExpiresAt: now.Add(time.Hour)}
	require.NoError(t, repo.Create(context.Background(), &cred))

	prov := &fakeProvider{validateOK: true}
	rec := &alert.Recorder{}
	exec := New(repo, provider.NewRegistry(prov), keys, WithEmitter(rec), WithClock(func() time.Time { return now }))
	return &fixture{repo: repo, keys: keys, prov: prov, rec: rec, exec: exec, cred: cred}
}

func (f *fixture) request(id string) Request {
	return Request{RotationID: id, LocationID: f.cred.LocationID, Provider: f.cred.Provider, SecretRef: f.cred.SecretRef}
}

func (f *fixture) stored(t *testing.T) model.Credential {
	t.Helper()
	c, err := f.repo.Get(context.Background(), f.cred.LocationID, f.cred.Provider)
	require.NoError(t, err)
	return c
}

func TestRotate_ThenReplayIsIdempotentNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.exec.Rotate(ctx, f.request("rot-1"))
	require.NoError(t, err)
	assert.Equal(t, model.RotationRotated, first.Result)
	assert.True(t, first.NewExpiresAt.Equal(now.Add(24*time.Hour)))
	after1 := f.stored(t)

	plain, err := f.keys.Open(after1.SecretRef)
	require.NoError(t, err)
	assert.Equal(t, "at-1", provider.ParseToken(plain).AccessToken)

	second, err := f.exec.Rotate(ctx, f.request("rot-1"))
	require.NoError(t, err)
	assert.Equal(t, model.RotationIdempotentNoop, second.Result)
	assert.True(t, second.NewExpiresAt.Equal(first.NewExpiresAt))

	after2 := f.stored(t)
	assert.Equal(t, after1.SecretRef, after2.SecretRef)
	assert.True(t, after1.ExpiresAt.Equal(after2.ExpiresAt))
	assert.Equal(t, 1, f.prov.refreshes, "replay must not call the provider")
	assert.Equal(t, 1, f.rec.Count(alert.TypeRotationSucceeded))
	assert.Equal(t, 1, f.rec.Count(alert.TypeRotationNoop))
}

func TestRotate_DerivesRotationIDFromVersion(t *testing.T) {
	f := newFixture(t)
	res, err := f.exec.Rotate(context.Background(), f.request(""))
	require.NoError(t, err)
	assert.Equal(t, VersionID(f.cred.LocationID, f.cred.Provider, f.cred.SecretRef), res.RotationID)
	assert.NotEqual(t, res.RotationID, VersionID(f.cred.LocationID, f.cred.Provider, f.stored(t).SecretRef))
	a, err := f.repo.FindRotation(context.Background(), res.RotationID)
	require.NoError(t, err)
	assert.Equal(t, model.RotationRotated, a.Result)
}

func TestRotate_DecryptErrorIsFatalAndAlerts(t *testing.T) {
	f := newFixture(t)
	req := f.request("rot-2")
	req.SecretRef = "sb1:not-a-box"

	res, err := f.exec.Rotate(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, model.RotationFailed, res.Result)
	assert.Equal(t, poserr.KindDecryptError, poserr.KindOf(err))
	assert.True(t, poserr.Fatal(err))
	assert.Equal(t, 0, f.prov.refreshes)
	assert.Equal(t, 1, f.rec.Count(alert.TypeDecryptError))
	assert.Equal(t, 1, f.stored(t).ConsecutiveFailures)
}

func TestRotate_RefreshFailures(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want poserr.Kind
	}{
		{"unreachable", &poserr.UnreachableError{Provider: "square", Op: "refresh", StatusCode: 503}, poserr.KindProviderUnreachable},
		{"rejected", &poserr.RejectedError{Provider: "square", Op: "refresh", StatusCode: 400}, poserr.KindProviderRejected},
		{"unauthorized", &poserr.ZombieTokenError{Provider: "square"}, poserr.KindProviderRejected},
		{"forbidden", &poserr.PermissionDeniedError{Provider: "square", Op: "refresh"}, poserr.KindProviderRejected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.prov.refreshErr = tc.err
			res, err := f.exec.Rotate(context.Background(), f.request("rot-"+tc.name))
			require.Error(t, err)
			assert.Equal(t, tc.want, poserr.KindOf(err))
			assert.Equal(t, model.RotationFailed, res.Result)

			var rerr *Error
			require.ErrorAs(t, err, &rerr)
			assert.Equal(t, "refresh", rerr.Step)
			assert.Equal(t, f.cred.SecretRef, f.stored(t).SecretRef)
			assert.Equal(t, 1, f.rec.Count(alert.TypeRotationFailed))
		})
	}
}

func TestRotate_ValidationFailureLeavesStoreUntouched(t *testing.T) {
	f := newFixture(t)
	f.prov.validateOK = false

	res, err := f.exec.Rotate(context.Background(), f.request("rot-3"))
	require.Error(t, err)
	assert.Equal(t, model.RotationFailed, res.Result)
	assert.Equal(t, poserr.KindValidationFailed, poserr.KindOf(err))
	assert.True(t, poserr.CountsAsBreakerFailure(err))

	c := f.stored(t)
	assert.Equal(t, f.cred.SecretRef, c.SecretRef)
	assert.True(t, c.ExpiresAt.Equal(f.cred.ExpiresAt))
	assert.Equal(t, 1, c.ConsecutiveFailures)

	a, err := f.repo.FindRotation(context.Background(), "rot-3")
	require.NoError(t, err)
	assert.Equal(t, model.RotationFailed, a.Result)

	// a retry of the same rotation id may still succeed
	f.prov.validateOK = true
	res, err = f.exec.Rotate(context.Background(), f.request("rot-3"))
	require.NoError(t, err)
	assert.Equal(t, model.RotationRotated, res.Result)
	assert.Equal(t, 0, f.stored(t).ConsecutiveFailures)
}

func TestRotate_UnknownProviderIsRejected(t *testing.T) {
	f := newFixture(t)
	req := f.request("rot-4")
	req.Provider = "clover"
	_, err := f.exec.Rotate(context.Background(), req)
	assert.Equal(t, poserr.KindProviderRejected, poserr.KindOf(err))
}

func TestRotate_ConcurrentSameRotationID(t *testing.T) {
	f := newFixture(t)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []model.RotationResult
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.exec.Rotate(context.Background(), f.request("rot-5"))
			assert.NoError(t, err)
			mu.Lock()
			results = append(results, res.Result)
			mu.Unlock()
		}()
	}
	wg.Wait()

	rotated := 0
	for _, r := range results {
		if r == model.RotationRotated {
			rotated++
		} else {
			assert.Equal(t, model.RotationIdempotentNoop, r)
		}
	}
	assert.Equal(t, 1, rotated)
}

func TestRotate_StaleVersionFromAnotherProcessIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other := New(f.repo, provider.NewRegistry(f.prov), f.keys, WithClock(func() time.Time { return now }))

	first, err := f.exec.Rotate(ctx, f.request(""))
	require.NoError(t, err)
	assert.Equal(t, model.RotationRotated, first.Result)
	fresh := f.stored(t).SecretRef

	// the second process still holds the secret it loaded before the swap
	second, err := other.Rotate(ctx, f.request(""))
	require.NoError(t, err)
	assert.Equal(t, model.RotationIdempotentNoop, second.Result)
	assert.Equal(t, first.RotationID, second.RotationID)
	assert.Equal(t, 1, f.prov.refreshes)
	assert.Equal(t, fresh, f.stored(t).SecretRef)
}

func TestRotate_SwapFromReplacedSecretIsSuperseded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.exec.Rotate(ctx, f.request("rot-a"))
	require.NoError(t, err)
	fresh := f.stored(t)

	// another id started from the old secret: the refresh happens but the
	// swap must not overwrite the token stored by rot-a
	res, err := f.exec.Rotate(ctx, f.request("rot-b"))
	require.NoError(t, err)
	assert.Equal(t, model.RotationIdempotentNoop, res.Result)
	assert.True(t, res.NewExpiresAt.Equal(fresh.ExpiresAt))
	assert.Equal(t, 2, f.prov.refreshes)

	c := f.stored(t)
	assert.Equal(t, fresh.SecretRef, c.SecretRef)
	plain, err := f.keys.Open(c.SecretRef)
	require.NoError(t, err)
	assert.Equal(t, "at-1", provider.ParseToken(plain).AccessToken)
}

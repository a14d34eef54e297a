package activation

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stephnangue/tenantauth/credential"
	"github.com/stephnangue/tenantauth/idp"
	"github.com/stephnangue/tenantauth/idp/memidp"
	"github.com/stephnangue/tenantauth/logical"
	"github.com/stephnangue/tenantauth/profile"
	"github.com/stephnangue/tenantauth/storage"
	"github.com/stephnangue/tenantauth/tenant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	credentials *storage.InmemCredentialStore
	tenants     *storage.InmemTenantDirectory
	profiles    *storage.InmemProfileStore
	provider    *memidp.Provider
}

func newFixture(t *testing.T, autoProvision bool) *fixture {
	t.Helper()
	return &fixture{
		credentials: storage.NewInmemCredentialStore(),
		tenants:     storage.NewInmemTenantDirectory(),
		profiles:    storage.NewInmemProfileStore(),
		provider:    memidp.New(memidp.Options{AutoProvisionUsers: autoProvision}),
	}
}

func (f *fixture) deps(provider idp.Adapter) Dependencies {
	if provider == nil {
		provider = f.provider
	}
	return Dependencies{
		Credentials: f.credentials,
		Tenants:     f.tenants,
		Profiles:    f.profiles,
		Provider:    provider,
	}
}

// requested creates a REQUESTED tenant with its platform credential
func (f *fixture) requested(t *testing.T, admin string) tenant.Record {
	t.Helper()
	ctx := context.Background()
	rec, err := f.tenants.Create(ctx, tenant.Record{
		ParentID:      1,
		Name:          "acme",
		AdminUsername: admin,
		AdminEmail:    admin + "@acme.test",
		BaseURL:       "https://acme.test",
		RedirectURIs:  []string{"https://acme.test/callback"},
	})
	require.NoError(t, err)
	require.NoError(t, f.credentials.Put(ctx, credential.Record{
		ID:      platformID(rec.ID),
		Secret:  "s3cret",
		OwnerID: rec.ID,
		Type:    credential.TypePlatform,
	}))
	return *rec
}

func platformID(tenantID int64) string {
	return fmt.Sprintf("platform-%d", tenantID)
}

type outcome struct {
	record tenant.Record
	err    error
}

func capture() (Callback[tenant.Record], <-chan outcome) {
	ch := make(chan outcome, 1)
	return CallbackFuncs[tenant.Record]{
		Completed: func(r tenant.Record) { ch <- outcome{record: r} },
		Failed:    func(err error) { ch <- outcome{err: err} },
	}, ch
}

func wait(t *testing.T, ch <-chan outcome) outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("activation did not complete")
		return outcome{}
	}
}

func TestOrchestrator_ActivatesTenant(t *testing.T) {
	f := newFixture(t, true)
	o := NewOrchestrator(f.deps(nil), Config{Workers: 2}, nil)
	defer o.Stop()

	rec := f.requested(t, "Alice")
	cb, ch := capture()
	o.Trigger(rec, "root-admin", false, cb)

	res := wait(t, ch)
	require.NoError(t, res.err)
	assert.Equal(t, tenant.StatusActive, res.record.Status)

	ctx := context.Background()
	stored, err := f.tenants.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, tenant.StatusActive, stored.Status)

	iam, err := f.credentials.LookupByOwnerAndType(ctx, rec.ID, credential.TypeIAM)
	require.NoError(t, err)
	assert.Equal(t, platformID(rec.ID), iam.ID)

	p, err := f.profiles.Get(ctx, rec.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Username)

	history, err := f.tenants.StatusHistory(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "root-admin", history[0].UpdatedBy)
}

func TestOrchestrator_FailureCancelsTenant(t *testing.T) {
	f := newFixture(t, false) // admin user does not exist in the realm
	o := NewOrchestrator(f.deps(nil), Config{}, nil)
	defer o.Stop()

	rec := f.requested(t, "ghost")
	cb, ch := capture()
	o.Trigger(rec, "root-admin", false, cb)

	res := wait(t, ch)
	require.Error(t, res.err)
	assert.ErrorIs(t, res.err, idp.ErrUserNotFound)

	var stepErr *StepError
	require.ErrorAs(t, res.err, &stepErr)
	assert.Equal(t, "resolve_admin_user", stepErr.Step)

	ctx := context.Background()
	stored, err := f.tenants.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, tenant.StatusCancelled, stored.Status)

	_, err = f.profiles.Get(ctx, rec.ID, "ghost")
	assert.ErrorIs(t, err, profile.ErrNotFound)

	history, err := f.tenants.StatusHistory(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, tenant.ActorSystem, history[0].UpdatedBy)
}

func TestOrchestrator_MissingAdminUsername(t *testing.T) {
	f := newFixture(t, true)
	o := NewOrchestrator(f.deps(nil), Config{}, nil)
	defer o.Stop()

	rec := f.requested(t, "")
	cb, ch := capture()
	o.Trigger(rec, "root-admin", false, cb)

	res := wait(t, ch)
	require.Error(t, res.err)
	stored, err := f.tenants.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, tenant.StatusCancelled, stored.Status)
}

// gatedProvider counts realm client calls and holds them until release is
// closed
type gatedProvider struct {
	idp.Adapter
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedProvider(inner idp.Adapter) *gatedProvider {
	return &gatedProvider{
		Adapter: inner,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (p *gatedProvider) EnsureRealmClient(ctx context.Context, tenantID int64, clientID, baseURL string, redirectURIs []string) (*idp.ProviderClientInfo, error) {
	p.calls.Add(1)
	p.once.Do(func() { close(p.entered) })
	select {
	case <-p.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return p.Adapter.EnsureRealmClient(ctx, tenantID, clientID, baseURL, redirectURIs)
}

func (p *gatedProvider) waitEntered(t *testing.T) {
	t.Helper()
	select {
	case <-p.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("activation never reached the identity provider")
	}
}

func TestOrchestrator_ConcurrentTriggersShareOneRun(t *testing.T) {
	f := newFixture(t, true)
	gated := newGatedProvider(f.provider)
	o := NewOrchestrator(f.deps(gated), Config{Workers: 8}, nil)
	defer o.Stop()

	rec := f.requested(t, "alice")

	const n = 5
	channels := make([]<-chan outcome, n)
	cb, ch := capture()
	channels[0] = ch
	o.Trigger(rec, "first-admin", false, cb)
	gated.waitEntered(t)

	for i := 1; i < n; i++ {
		cb, ch := capture()
		channels[i] = ch
		o.Trigger(rec, fmt.Sprintf("admin-%d", i), true, cb)
	}
	// every trigger has been handed to a worker and is waiting on the run
	require.Eventually(t, func() bool {
		return o.jobManager.GetPendingJobCount() == 0
	}, 5*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(gated.release)

	for _, ch := range channels {
		res := wait(t, ch)
		require.NoError(t, res.err)
		assert.Equal(t, tenant.StatusActive, res.record.Status)
	}
	assert.Equal(t, int32(1), gated.calls.Load())

	// the joined triggers took the first run's requester
	history, err := f.tenants.StatusHistory(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "first-admin", history[0].UpdatedBy)
}

func TestOrchestrator_StatusChangedDuringRunIsKept(t *testing.T) {
	f := newFixture(t, true)
	gated := newGatedProvider(f.provider)
	o := NewOrchestrator(f.deps(gated), Config{}, nil)
	defer o.Stop()

	rec := f.requested(t, "alice")
	cb, ch := capture()
	o.Trigger(rec, "root-admin", false, cb)
	gated.waitEntered(t)

	ctx := context.Background()
	_, err := f.tenants.UpdateStatus(ctx, rec.ID, tenant.StatusDeactivated, "other-admin")
	require.NoError(t, err)
	close(gated.release)

	res := wait(t, ch)
	require.Error(t, res.err)
	assert.ErrorIs(t, res.err, tenant.ErrStatusChanged)

	stored, err := f.tenants.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, tenant.StatusDeactivated, stored.Status)
}

// lateDirectory delays the ACTIVE write past the step deadline and ignores
// the context while doing so
type lateDirectory struct {
	*storage.InmemTenantDirectory
	delay time.Duration
}

func (d lateDirectory) TransitionStatus(ctx context.Context, id int64, from []tenant.Status, to tenant.Status, updatedBy string) (*tenant.Record, error) {
	if to == tenant.StatusActive {
		time.Sleep(d.delay)
	}
	return d.InmemTenantDirectory.TransitionStatus(ctx, id, from, to, updatedBy)
}

func TestOrchestrator_LateActiveWriteDoesNotOverrideCancel(t *testing.T) {
	f := newFixture(t, true)
	deps := f.deps(nil)
	deps.Tenants = lateDirectory{InmemTenantDirectory: f.tenants, delay: 150 * time.Millisecond}
	o := NewOrchestrator(deps, Config{StepTimeout: 30 * time.Millisecond}, nil)
	defer o.Stop()

	rec := f.requested(t, "alice")
	cb, ch := capture()
	o.Trigger(rec, "root-admin", false, cb)

	res := wait(t, ch)
	require.Error(t, res.err)
	assert.ErrorIs(t, res.err, context.DeadlineExceeded)

	// nothing from the timed out step lands after the cancel
	time.Sleep(200 * time.Millisecond)
	ctx := context.Background()
	stored, err := f.tenants.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, tenant.StatusCancelled, stored.Status)

	history, err := f.tenants.StatusHistory(ctx, rec.ID)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.Equal(t, tenant.StatusCancelled, history[len(history)-1].To)
}

// stallingProvider blocks token issuance until the step deadline passes
type stallingProvider struct {
	idp.Adapter
}

func (p stallingProvider) ServiceAccountToken(ctx context.Context, _, _ string, _ int64) (*idp.AccessToken, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestOrchestrator_StepTimeoutCompensates(t *testing.T) {
	f := newFixture(t, true)
	o := NewOrchestrator(f.deps(stallingProvider{f.provider}), Config{StepTimeout: 50 * time.Millisecond}, nil)
	defer o.Stop()

	rec := f.requested(t, "alice")
	cb, ch := capture()
	o.Trigger(rec, "root-admin", false, cb)

	res := wait(t, ch)
	require.Error(t, res.err)
	assert.ErrorIs(t, res.err, context.DeadlineExceeded)

	stored, err := f.tenants.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, tenant.StatusCancelled, stored.Status)
}

func TestOrchestrator_FailedCompensationIsInconsistency(t *testing.T) {
	f := newFixture(t, true)
	o := NewOrchestrator(f.deps(nil), Config{}, nil)
	defer o.Stop()

	rec := f.requested(t, "alice")
	f.tenants.FailStatusWrites(true)

	cb, ch := capture()
	o.Trigger(rec, "root-admin", false, cb)

	res := wait(t, ch)
	require.Error(t, res.err)
	assert.ErrorIs(t, res.err, logical.ErrInternalInconsistency)
	assert.ErrorIs(t, res.err, storage.ErrInjected)
	assert.Equal(t, logical.KindInternalInconsistency, logical.KindOf(res.err))

	f.tenants.FailStatusWrites(false)
	stored, err := f.tenants.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, tenant.StatusRequested, stored.Status)
}

func TestOrchestrator_ReactivationIsIdempotent(t *testing.T) {
	f := newFixture(t, true)
	o := NewOrchestrator(f.deps(nil), Config{}, nil)
	defer o.Stop()

	rec := f.requested(t, "alice")
	cb, ch := capture()
	o.Trigger(rec, "root-admin", false, cb)
	require.NoError(t, wait(t, ch).err)

	deactivated, err := f.tenants.UpdateStatus(context.Background(), rec.ID, tenant.StatusDeactivated, "root-admin")
	require.NoError(t, err)

	cb, ch = capture()
	o.Trigger(*deactivated, "root-admin", true, cb)
	res := wait(t, ch)
	require.NoError(t, res.err)
	assert.Equal(t, tenant.StatusActive, res.record.Status)
	assert.Equal(t, 1, f.provider.RealmCreations())
}

func TestOrchestrator_TriggerAfterStop(t *testing.T) {
	f := newFixture(t, true)
	o := NewOrchestrator(f.deps(nil), Config{}, nil)
	o.Stop()
	o.Stop()

	cb, ch := capture()
	o.Trigger(f.requested(t, "alice"), "root-admin", false, cb)

	res := wait(t, ch)
	assert.ErrorIs(t, res.err, ErrOrchestratorStopped)
	assert.Zero(t, f.provider.RealmCreations())
}

func TestOrchestrator_StopDrainsQueuedActivations(t *testing.T) {
	f := newFixture(t, true)
	o := NewOrchestrator(f.deps(nil), Config{Workers: 1}, nil)

	var mu sync.Mutex
	done := 0
	cb := CallbackFuncs[tenant.Record]{
		Completed: func(tenant.Record) { mu.Lock(); done++; mu.Unlock() },
		Failed:    func(error) { mu.Lock(); done++; mu.Unlock() },
	}

	for i := 0; i < 5; i++ {
		rec := f.requested(t, "alice")
		o.Trigger(rec, "root-admin", false, cb)
	}
	o.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 5, done)
}

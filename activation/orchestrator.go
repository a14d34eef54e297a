// Package activation provisions a tenant's identity provider resources and
// moves the tenant to ACTIVE, or to CANCELLED when provisioning fails.
// Activations run on a background worker pool, at most one per tenant at a
// time.
package activation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	metrics "github.com/hashicorp/go-metrics/compat"
	"github.com/hashicorp/go-multierror"
	"github.com/openbao/openbao/helper/fairshare"
	"github.com/stephnangue/tenantauth/credential"
	"github.com/stephnangue/tenantauth/idp"
	"github.com/stephnangue/tenantauth/logger"
	"github.com/stephnangue/tenantauth/logical"
	"github.com/stephnangue/tenantauth/profile"
	"github.com/stephnangue/tenantauth/tenant"
	"golang.org/x/sync/singleflight"
)

// DefaultWorkers is the size of the activation worker pool
const DefaultWorkers = 8

// ErrOrchestratorStopped is reported to callbacks of triggers made after Stop
var ErrOrchestratorStopped = errors.New("activation orchestrator is stopped")

// Dependencies are the collaborators an activation touches
type Dependencies struct {
	Credentials credential.Store
	Tenants     tenant.Directory
	Profiles    profile.Store
	Provider    idp.Adapter
}

type Config struct {
	Workers     int
	StepTimeout time.Duration
}

// Request is everything an activation needs, captured when it is triggered
type Request struct {
	Tenant       tenant.Record
	RequestedBy  string
	Reactivation bool
}

// state flows through the chain
type state struct {
	req Request

	iam     credential.Record
	token   *idp.AccessToken
	admin   *idp.UserRepresentation
	profile profile.UserProfile
	result  tenant.Record
}

// Orchestrator runs activation chains
type Orchestrator struct {
	deps   Dependencies
	chain  *Chain[state]
	config Config
	logger *logger.GatedLogger

	jobManager *fairshare.JobManager
	group      singleflight.Group

	mu       sync.RWMutex
	stopped  bool
	inflight sync.WaitGroup

	quitCtx    context.Context
	quitCancel context.CancelFunc
}

func NewOrchestrator(deps Dependencies, config Config, log *logger.GatedLogger) *Orchestrator {
	if log == nil {
		log = logger.NewDiscardLogger()
	}
	if config.Workers <= 0 {
		config.Workers = DefaultWorkers
	}
	if config.StepTimeout <= 0 {
		config.StepTimeout = DefaultStepTimeout
	}
	log = log.WithSubsystem("activation")

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		deps:       deps,
		config:     config,
		logger:     log,
		quitCtx:    ctx,
		quitCancel: cancel,
	}
	o.chain = NewChain(o.steps(),
		WithStepTimeout[state](config.StepTimeout),
		WithLogger[state](log.WithSubsystem("chain")))

	hclogLogger := logger.NewHCLogAdapter(log.WithSubsystem("pool"))
	o.jobManager = fairshare.NewJobManager("activation", config.Workers, hclogLogger, nil)
	o.jobManager.Start()

	log.Info("activation orchestrator started",
		logger.Int("workers", config.Workers),
		logger.Duration("step_timeout", config.StepTimeout))
	return o
}

func (o *Orchestrator) steps() []Step[state] {
	return []Step[state]{
		NewStep("ensure_realm_client", o.ensureRealmClient),
		NewStep("service_account_token", o.serviceAccountToken),
		NewStep("resolve_admin_user", o.resolveAdminUser),
		NewStep("upsert_admin_profile", o.upsertAdminProfile),
		NewStep("mark_active", o.markActive),
	}
}

// Trigger schedules an activation of t and returns immediately. cb receives
// the ACTIVE record, or the error after the tenant was moved to CANCELLED.
//
// t must be the record as currently stored: the final ACTIVE write only
// happens if the tenant still has t.Status by then.
//
// Concurrent triggers for one tenant share a single run and its outcome. A
// trigger that joins a run in flight gets that run's result, and its own
// requestedBy and reactivation are not used.
func (o *Orchestrator) Trigger(t tenant.Record, requestedBy string, reactivation bool, cb Callback[tenant.Record]) {
	if cb == nil {
		cb = CallbackFuncs[tenant.Record]{}
	}

	o.mu.RLock()
	defer o.mu.RUnlock()

	if o.stopped {
		cb.OnError(ErrOrchestratorStopped)
		return
	}

	t.RedirectURIs = slices.Clone(t.RedirectURIs)
	job := &activationJob{
		orchestrator: o,
		req:          Request{Tenant: t, RequestedBy: requestedBy, Reactivation: reactivation},
		callback:     cb,
	}
	o.inflight.Add(1)
	o.jobManager.AddJob(job, strconv.FormatInt(t.ID, 10))

	o.logger.Debug("activation queued",
		logger.TenantID(t.ID),
		logger.String("requested_by", requestedBy),
		logger.Bool("reactivation", reactivation))
}

// Stop refuses new triggers, waits for queued and running activations to
// finish, then shuts the worker pool down.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	o.mu.Unlock()

	o.inflight.Wait()
	o.jobManager.Stop()
	o.quitCancel()

	o.logger.Info("activation orchestrator stopped")
}

// activate runs the chain once per tenant at a time. Compensation happens
// inside the shared call so joined triggers never write CANCELLED twice.
func (o *Orchestrator) activate(req Request) (tenant.Record, error) {
	key := strconv.FormatInt(req.Tenant.ID, 10)
	v, err, shared := o.group.Do(key, func() (any, error) {
		rec, err := o.run(req)
		return runResult{record: rec, req: req}, err
	})
	res := v.(runResult)
	if shared && (res.req.RequestedBy != req.RequestedBy || res.req.Reactivation != req.Reactivation) {
		o.logger.Debug("activation joined a run in flight, request details discarded",
			logger.TenantID(req.Tenant.ID),
			logger.String("requested_by", res.req.RequestedBy),
			logger.Bool("reactivation", res.req.Reactivation),
			logger.String("discarded_requested_by", req.RequestedBy),
			logger.Bool("discarded_reactivation", req.Reactivation))
	}
	if err != nil {
		return tenant.Record{}, err
	}
	return res.record, nil
}

// runResult carries the request that actually ran to the triggers that
// joined it
type runResult struct {
	record tenant.Record
	req    Request
}

func (o *Orchestrator) run(req Request) (tenant.Record, error) {
	id := req.Tenant.ID
	start := time.Now()
	metrics.IncrCounter([]string{"activation", "started"}, 1)
	defer metrics.MeasureSince([]string{"activation", "duration"}, start)

	log := o.logger.WithFields(logger.TenantID(id))
	log.Info("activation started",
		logger.String("requested_by", req.RequestedBy),
		logger.Bool("reactivation", req.Reactivation))

	final, err := o.chain.Run(o.quitCtx, state{req: req}, nil)
	if err == nil {
		metrics.IncrCounter([]string{"activation", "completed"}, 1)
		log.Info("tenant activated", logger.Duration("elapsed", time.Since(start)))
		return final.result, nil
	}

	metrics.IncrCounter([]string{"activation", "failed"}, 1)
	log.Error("activation failed, cancelling tenant", logger.Err(err))
	return tenant.Record{}, o.compensate(req.Tenant, err)
}

// compensate moves the tenant to CANCELLED, from the status it was triggered
// in or from ACTIVE. A tenant an administrator moved elsewhere meanwhile is
// left alone. A failed write is an inconsistency that needs an operator; it is
// not retried.
func (o *Orchestrator) compensate(t tenant.Record, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), o.config.StepTimeout)
	defer cancel()

	id := t.ID
	from := []tenant.Status{t.Status, tenant.StatusActive}
	_, err := o.deps.Tenants.TransitionStatus(ctx, id, from, tenant.StatusCancelled, tenant.ActorSystem)
	if errors.Is(err, tenant.ErrStatusChanged) {
		o.logger.Warn("tenant status changed during activation, not cancelling",
			logger.TenantID(id), logger.Err(err))
		return cause
	}
	if err != nil {
		inconsistency := logical.InternalInconsistency(
			fmt.Sprintf("tenant %d could not be cancelled after a failed activation", id), err)
		o.logger.Error("compensation failed, tenant left in an inconsistent state",
			logger.TenantID(id),
			logger.String("cause", cause.Error()),
			logger.Err(err))
		metrics.IncrCounter([]string{"activation", "inconsistent"}, 1)
		return multierror.Append(cause, inconsistency)
	}
	return cause
}

func (o *Orchestrator) ensureRealmClient(ctx context.Context, s state) (state, error) {
	t := s.req.Tenant
	platform, err := o.deps.Credentials.LookupByOwnerAndType(ctx, t.ID, credential.TypePlatform)
	if err != nil {
		return s, fmt.Errorf("failed to find platform credential: %w", err)
	}

	info, err := o.deps.Provider.EnsureRealmClient(ctx, t.ID, platform.ID, t.BaseURL, t.RedirectURIs)
	if err != nil {
		return s, err
	}

	s.iam = credential.Record{
		ID:              info.ClientID,
		Secret:          info.ClientSecret,
		OwnerID:         t.ID,
		Type:            credential.TypeIAM,
		IssuedAt:        info.IssuedAt,
		SecretExpiresAt: info.SecretExpiresAt,
	}
	if err := o.deps.Credentials.Put(ctx, s.iam); err != nil {
		return s, fmt.Errorf("failed to store IAM credential: %w", err)
	}
	return s, nil
}

func (o *Orchestrator) serviceAccountToken(ctx context.Context, s state) (state, error) {
	token, err := o.deps.Provider.ServiceAccountToken(ctx, s.iam.ID, s.iam.Secret, s.req.Tenant.ID)
	if err != nil {
		return s, err
	}
	if token == nil || token.Token == "" {
		return s, errors.New("identity provider returned an empty service account token")
	}
	s.token = token
	return s, nil
}

func (o *Orchestrator) resolveAdminUser(ctx context.Context, s state) (state, error) {
	username := s.req.Tenant.AdminUsername
	if username == "" {
		return s, errors.New("tenant has no admin username")
	}
	user, err := o.deps.Provider.UserByUsername(ctx, s.token.Token, s.req.Tenant.ID, username)
	if err != nil {
		return s, err
	}
	s.admin = user
	return s, nil
}

func (o *Orchestrator) upsertAdminProfile(ctx context.Context, s state) (state, error) {
	s.profile = profile.FromRepresentation(s.req.Tenant.ID, s.admin)
	if err := profile.Upsert(ctx, o.deps.Profiles, s.profile); err != nil {
		return s, fmt.Errorf("failed to store admin profile: %w", err)
	}
	return s, nil
}

// markActive is the only ACTIVE write of an activation
func (o *Orchestrator) markActive(ctx context.Context, s state) (state, error) {
	from := []tenant.Status{s.req.Tenant.Status}
	rec, err := o.deps.Tenants.TransitionStatus(ctx, s.req.Tenant.ID, from, tenant.StatusActive, s.req.RequestedBy)
	if err != nil {
		return s, err
	}
	s.result = *rec
	return s, nil
}

// activationJob adapts one trigger to the fairshare worker pool
type activationJob struct {
	orchestrator *Orchestrator
	req          Request
	callback     Callback[tenant.Record]
}

func (j *activationJob) Execute() error {
	defer j.orchestrator.inflight.Done()

	rec, err := j.orchestrator.activate(j.req)
	if err != nil {
		j.callback.OnError(err)
		return err
	}
	j.callback.OnCompleted(rec)
	return nil
}

func (j *activationJob) OnFailure(err error) {
	j.orchestrator.logger.Debug("activation job reported failure",
		logger.TenantID(j.req.Tenant.ID), logger.Err(err))
}

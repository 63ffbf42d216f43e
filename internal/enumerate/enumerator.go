package enumerate

import (
	"context"
	"fmt"
	"time"

	"github.com/dwdcheck/dwdcheck/internal/credentials"
	"github.com/dwdcheck/dwdcheck/internal/delegation"
	"github.com/dwdcheck/dwdcheck/internal/faults"
	"github.com/dwdcheck/dwdcheck/internal/iamscan"
	"github.com/dwdcheck/dwdcheck/internal/metrics"
	"github.com/dwdcheck/dwdcheck/internal/report"
	"github.com/dwdcheck/dwdcheck/internal/scopes"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	// maxWorkers caps account-level parallelism; the key quota and the
	// token endpoint rate limit make anything wider harmful.
	maxWorkers = 5

	// cleanupGrace bounds best-effort key deletion after the run context
	// is gone. Cancellation never revokes keys by itself.
	cleanupGrace = 10 * time.Second
)

type Scanner interface {
	Scan(ctx context.Context, projectID string) (*iamscan.Result, error)
}

type Minter interface {
	Create(ctx context.Context, account *iamscan.Account) (*credentials.Key, error)
	Delete(ctx context.Context, key *credentials.Key) error
}

type Exchanger interface {
	Exchange(ctx context.Context, req delegation.Request) (*delegation.Token, error)
}

// Enumerator drives the pipeline: scan, then per eligible account mint a
// key, probe the wordlist scopes against the domain allowlist, and clean
// the key up again. Accounts are processed by a bounded pool; one account
// is never touched by two workers.
type Enumerator struct {
	scanner   Scanner
	minter    Minter
	exchanger Exchanger
	metrics   *metrics.Metrics
	log       logrus.FieldLogger

	probes   []scopes.ProbeScope
	workers  int
	saveKeys bool
	keysDir  string
}

type OptFunc func(*Enumerator)

func WithProbes(probes []scopes.ProbeScope) OptFunc {
	return func(e *Enumerator) {
		e.probes = probes
	}
}

func WithWorkers(workers int) OptFunc {
	return func(e *Enumerator) {
		e.workers = workers
	}
}

// WithKeyExport keeps minted keys, written to dir instead of deleted.
func WithKeyExport(dir string) OptFunc {
	return func(e *Enumerator) {
		e.saveKeys = true
		e.keysDir = dir
	}
}

func New(scanner Scanner, minter Minter, exchanger Exchanger, m *metrics.Metrics, log logrus.FieldLogger, opts ...OptFunc) *Enumerator {
	e := &Enumerator{
		scanner:   scanner,
		minter:    minter,
		exchanger: exchanger,
		metrics:   m,
		log:       log,
		probes:    scopes.DefaultProbes(),
		workers:   1,
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.workers < 1 {
		e.workers = 1
	}
	if e.workers > maxWorkers {
		e.workers = maxWorkers
	}

	return e
}

// Run performs one enumeration. When no target users are given, the domain
// users discovered during the scan are probed, one per distinct domain. Only
// an operator-level failure aborts the run; everything else lands in the
// report.
func (e *Enumerator) Run(ctx context.Context, projectID string, targetUsers []string) (*report.Run, error) {
	run := report.NewRun(projectID)
	defer run.Finish()

	result, err := e.scanner.Scan(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("scan service accounts: %w", err)
	}

	for _, skip := range result.Skipped {
		run.SkippedProjects = append(run.SkippedProjects, report.SkippedProject{
			ProjectID: skip.ProjectID,
			Reason:    skip.Err.Error(),
		})
	}

	if len(targetUsers) == 0 {
		targetUsers = result.TargetUsers()
	}

	records := make([]*report.AccountRecord, len(result.Accounts))
	wg, groupCtx := errgroup.WithContext(ctx)
	wg.SetLimit(e.workers)

	for i, account := range result.Accounts {
		if groupCtx.Err() != nil {
			break
		}

		wg.Go(func() error {
			e.metrics.AccountScanned(groupCtx)
			records[i] = e.assess(groupCtx, account, targetUsers)
			return nil
		})
	}

	if err := wg.Wait(); err != nil {
		return nil, err
	}

	for _, record := range records {
		if record != nil {
			run.Accounts = append(run.Accounts, record)
		}
	}

	if ctx.Err() != nil {
		return run, ctx.Err()
	}

	return run, nil
}

// RunKey probes an operator-supplied key directly, skipping the scan and
// mint steps. A key signs for a single subject per run, so exactly one
// target user is accepted. The key is operator-owned and never deleted.
func (e *Enumerator) RunKey(ctx context.Context, key *credentials.Key, targetUser string) (*report.Run, error) {
	if key == nil {
		return nil, fmt.Errorf("probing requires a key")
	}

	if targetUser == "" {
		return nil, fmt.Errorf("probing a key requires a target user")
	}

	run := report.NewRun(key.ProjectID)
	defer run.Finish()

	e.metrics.AccountScanned(ctx)

	// possession of the key settles the key plane; the probes settle the
	// delegation plane
	record := &report.AccountRecord{
		Account:          key.Email,
		ProjectID:        key.ProjectID,
		KeyCreateGranted: true,
	}

	e.probe(ctx, key, targetUser, record)

	record.DelegationEnabled = len(record.GrantedScopes) > 0
	record.DWDEligible = record.DelegationEnabled

	run.Accounts = append(run.Accounts, record)

	if ctx.Err() != nil {
		return run, ctx.Err()
	}

	return run, nil
}

// assess probes one account. Ineligible accounts short-circuit before any
// key is minted. A fresh key is minted per target user and signs for that
// user only.
func (e *Enumerator) assess(ctx context.Context, account *iamscan.Account, targetUsers []string) *report.AccountRecord {
	record := &report.AccountRecord{
		Account:           account.Email,
		ProjectID:         account.ProjectID,
		Roles:             account.Roles,
		KeyCreateGranted:  account.KeyCreateGranted,
		DelegationEnabled: account.DelegationEnabled,
		DWDEligible:       account.DWDEligible(),
		Error:             account.Error,
	}

	if !account.DWDEligible() {
		return record
	}

	if len(targetUsers) == 0 {
		record.Error = "no target user available for delegation probing"
		return record
	}

	log := e.log.WithField("service_account", account.Email)

	for _, user := range targetUsers {
		if ctx.Err() != nil {
			return record
		}

		key, err := e.minter.Create(ctx, account)
		if err != nil {
			e.metrics.APIError(ctx, faults.KindOf(err).String())
			record.Error = err.Error()
			log.WithError(err).Warnf("unable to mint service account key")
			return record
		}
		e.metrics.KeyMinted(ctx)

		e.probe(ctx, key, user, record)
		e.cleanup(ctx, key, log)
	}

	return record
}

// probe requests one scope per exchange; the domain allowlist is per-scope,
// so batching would let one denied scope poison the rest.
func (e *Enumerator) probe(ctx context.Context, key *credentials.Key, user string, record *report.AccountRecord) {
	for _, probe := range e.probes {
		if ctx.Err() != nil {
			return
		}

		_, err := e.exchanger.Exchange(ctx, delegation.Request{
			Key:     key,
			Subject: user,
			Scopes:  []string{probe.Scope},
		})
		if err == nil {
			e.metrics.ExchangeOutcome(ctx, "granted")
			record.GrantedScopes = append(record.GrantedScopes, report.ScopeResult{
				Scope:       probe.Scope,
				Description: probe.Description,
				Subject:     user,
			})
			continue
		}

		kind := faults.KindOf(err)
		if kind == faults.InvalidGrant {
			e.metrics.ExchangeOutcome(ctx, "invalid_grant")
		} else {
			e.metrics.ExchangeOutcome(ctx, "error")
		}

		record.DeniedScopes = append(record.DeniedScopes, report.ScopeResult{
			Scope:       probe.Scope,
			Description: probe.Description,
			Subject:     user,
			Reason:      reason(kind, err),
		})
	}
}

// cleanup deletes the minted key, or exports it when the operator opted in.
// After cancellation a short grace context keeps the deletion best-effort.
func (e *Enumerator) cleanup(ctx context.Context, key *credentials.Key, log logrus.FieldLogger) {
	if e.saveKeys {
		path, err := key.Export(e.keysDir)
		if err != nil {
			log.WithError(err).Errorf("unable to export key")
			return
		}

		log.WithField("path", path).Infof("exported service account key")
		return
	}

	if ctx.Err() != nil {
		graceCtx, cancel := context.WithTimeout(context.Background(), cleanupGrace)
		defer cancel()
		ctx = graceCtx
	}

	if err := e.minter.Delete(ctx, key); err != nil {
		log.WithError(err).Warnf("unable to delete minted key, remove it manually")
	}
}

func reason(kind faults.Kind, err error) string {
	if kind != "" {
		return kind.String()
	}

	return err.Error()
}

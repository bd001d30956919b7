package tasks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ferndale/cratesync/internal/models"
	"github.com/ferndale/cratesync/internal/repositories"
	"github.com/ferndale/cratesync/internal/services"
	"github.com/ferndale/cratesync/internal/shared"
	"golang.org/x/time/rate"
)

// staleLockAge is how old an advisory run lock must be before a new run may
// break it. Covers processes that died without releasing.
const staleLockAge = 2 * time.Hour

// ExecuteOpts contains configuration for plan execution.
type ExecuteOpts struct {
	DryRun    bool          // Report the plan without touching anything
	Workers   int           // Concurrent workers (default 4, capped at 8)
	RateLimit float64       // Download requests per second
	Timeout   time.Duration // Per-action collaborator timeout
	MaxErrors int           // Error messages retained on the run record
}

func (o *ExecuteOpts) applyDefaults(cfg *shared.Config) {
	if o.Workers <= 0 {
		o.Workers = cfg.Sync.Workers
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.Workers > 8 {
		o.Workers = 8
	}
	if o.RateLimit <= 0 {
		o.RateLimit = cfg.Sync.RateLimit
	}
	if o.RateLimit <= 0 {
		o.RateLimit = 2.0
	}
	if o.Timeout <= 0 {
		o.Timeout = time.Duration(cfg.Sync.TimeoutSeconds) * time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 2 * time.Minute
	}
	if o.MaxErrors <= 0 {
		o.MaxErrors = cfg.Sync.MaxErrors
	}
	if o.MaxErrors <= 0 {
		o.MaxErrors = 25
	}
}

type actionResult struct {
	action  models.SyncAction
	outcome models.ActionOutcome
	err     error
}

// Execute runs a plan under a fresh run record and the advisory run lock.
// A second invocation while another run holds the lock fails fast with
// [shared.ErrRunActive].
func (e *SyncEngine) Execute(ctx context.Context, progress chan<- ProgressUpdate, plan *SyncPlan, opts ExecuteOpts) (*models.SyncRun, error) {
	opts.applyDefaults(e.cfg)

	run, err := e.runs.Begin(time.Now().UTC())
	if err != nil {
		return nil, err
	}

	if err := e.lock.Acquire(run.ID, staleLockAge); err != nil {
		run.Errors = append(run.Errors, err.Error())
		_ = e.runs.Complete(run, time.Now().UTC())
		return nil, err
	}
	defer func() {
		if err := e.lock.Release(run.ID); err != nil {
			e.logger.Warn("failed to release run lock", "error", err)
		}
	}()

	e.executePlan(ctx, progress, run, plan, opts)

	if err := e.runs.Complete(run, time.Now().UTC()); err != nil {
		return run, err
	}
	return run, nil
}

// executePlan works through the plan with a bounded worker pool. Actions
// touching the same track are grouped into one job so they never race;
// distinct tracks execute concurrently.
func (e *SyncEngine) executePlan(ctx context.Context, progress chan<- ProgressUpdate, run *models.SyncRun, plan *SyncPlan, opts ExecuteOpts) {
	run.Planned = len(plan.Actions)
	for _, a := range plan.Actions {
		run.CountsByKind[string(a.Kind)]++
	}

	if opts.DryRun {
		run.Skipped = len(plan.Actions)
		e.logger.Info("dry run, no actions executed", "planned", run.Planned)
		return
	}

	groups := groupActionsByTrack(plan.Actions)
	jobs := make(chan []models.SyncAction, len(groups))
	results := make(chan actionResult, len(plan.Actions))
	limiter := rate.NewLimiter(rate.Limit(opts.RateLimit), 1)

	var wg sync.WaitGroup
	for i := 0; i < opts.Workers; i++ {
		wg.Add(1)
		go e.actionWorker(ctx, &wg, jobs, results, limiter, opts)
	}

	for _, group := range groups {
		jobs <- group
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(results)
	}()

	completed := 0
	for res := range results {
		completed++
		switch res.outcome {
		case models.OutcomeSucceeded:
			run.Succeeded++
		case models.OutcomeSkipped:
			run.Skipped++
		default:
			run.Failed++
			if len(run.Errors) < opts.MaxErrors {
				run.Errors = append(run.Errors, fmt.Sprintf("%s %s: %v", res.action.Kind, res.action.TrackID, res.err))
			}
		}
		e.sendProgress(progress, actionDoneUpdate(completed, run.Planned, res.action, res.outcome, res.err))
	}

	e.stampReconciled(plan)

	e.logger.Info("execution complete",
		"planned", run.Planned,
		"succeeded", run.Succeeded,
		"failed", run.Failed,
		"skipped", run.Skipped,
	)
}

func (e *SyncEngine) actionWorker(ctx context.Context, wg *sync.WaitGroup, jobs <-chan []models.SyncAction, results chan<- actionResult, limiter *rate.Limiter, opts ExecuteOpts) {
	defer wg.Done()

	for group := range jobs {
		for _, action := range group {
			select {
			case <-ctx.Done():
				results <- actionResult{action: action, outcome: models.OutcomeSkipped, err: ctx.Err()}
				continue
			default:
			}

			outcome, err := e.executeAction(ctx, action, limiter, opts)
			results <- actionResult{action: action, outcome: outcome, err: err}
		}
	}
}

func (e *SyncEngine) executeAction(ctx context.Context, a models.SyncAction, limiter *rate.Limiter, opts ExecuteOpts) (models.ActionOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	switch a.Kind {
	case models.ActionDownloadTrack:
		return e.runDownload(ctx, a, limiter)
	case models.ActionCreateLink:
		return e.runCreateLink(a)
	case models.ActionMoveFile:
		return e.runMoveFile(a)
	case models.ActionRemoveFile:
		return e.runRemoveFile(a)
	default:
		return models.OutcomeSkipped, fmt.Errorf("%w: unhandled action kind %s", shared.ErrNotImplemented, a.Kind)
	}
}

func (e *SyncEngine) runDownload(ctx context.Context, a models.SyncAction, limiter *rate.Limiter) (models.ActionOutcome, error) {
	now := time.Now().UTC()

	track, err := e.tracks.Get(a.TrackID)
	if err != nil {
		return models.OutcomeFailed, err
	}
	if track.RemoteID == "" {
		return models.OutcomeSkipped, fmt.Errorf("%w: track %s has no remote identity", shared.ErrTrackNotFound, a.TrackID)
	}

	if err := e.tracks.MarkDownloading(nil, track.ID, now); err != nil {
		return models.OutcomeFailed, err
	}

	dest := e.absPath(a.TargetPath)
	var result *services.DownloadResult
	err = e.withRetry(ctx, func() error {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		var fetchErr error
		result, fetchErr = e.downloader.Fetch(ctx, track.RemoteID, dest, e.cfg.Remote.Quality)
		return fetchErr
	})
	if err != nil {
		if markErr := e.tracks.MarkDownloadError(nil, track.ID, err.Error(), time.Now().UTC()); markErr != nil {
			e.logger.Warn("failed to record download error", "track", track.ID, "error", markErr)
		}
		return models.OutcomeFailed, err
	}

	hash, err := shared.HashFile(dest)
	if err != nil {
		return models.OutcomeFailed, err
	}

	done := time.Now().UTC()
	err = repositories.WithTx(e.db, func(tx *sql.Tx) error {
		if err := e.tracks.MarkDownloaded(tx, track.ID, a.TargetPath, hash, result.BytesWritten, result.Format, done); err != nil {
			return err
		}
		if err := e.memberships.SetPrimary(tx, a.MembershipID, true, done); err != nil {
			return err
		}
		return e.memberships.SetPresence(tx, a.PlaylistID, track.ID, models.SourceLocal, true, done)
	})
	if err != nil {
		// Bytes are on disk but the store missed it; the next scan reconciles.
		return models.OutcomeFailed, err
	}
	return models.OutcomeSucceeded, nil
}

func (e *SyncEngine) runCreateLink(a models.SyncAction) (models.ActionOutcome, error) {
	src := e.absPath(a.SourcePath)
	dst := e.absPath(a.TargetPath)
	now := time.Now().UTC()

	if _, err := os.Stat(src); err != nil {
		return models.OutcomeSkipped, fmt.Errorf("%w: link source missing: %s", shared.ErrStaleAction, a.SourcePath)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return models.OutcomeFailed, err
	}
	if _, err := os.Lstat(dst); err == nil {
		if err := os.Remove(dst); err != nil {
			return models.OutcomeFailed, err
		}
	}
	if err := os.Symlink(src, dst); err != nil {
		return models.OutcomeFailed, err
	}

	err := repositories.WithTx(e.db, func(tx *sql.Tx) error {
		if err := e.memberships.SetLink(tx, a.MembershipID, a.TargetPath, true, now); err != nil {
			return err
		}
		return e.memberships.SetPresence(tx, a.PlaylistID, a.TrackID, models.SourceLocal, true, now)
	})
	if err != nil {
		return models.OutcomeFailed, err
	}
	return models.OutcomeSucceeded, nil
}

func (e *SyncEngine) runMoveFile(a models.SyncAction) (models.ActionOutcome, error) {
	now := time.Now().UTC()

	track, err := e.tracks.Get(a.TrackID)
	if err != nil {
		return models.OutcomeFailed, err
	}
	if track.PrimaryPath != a.SourcePath {
		return models.OutcomeSkipped, fmt.Errorf("%w: primary moved since planning", shared.ErrStaleAction)
	}

	// Demotion targets are loaded ahead of the transaction.
	siblings, err := e.memberships.ListByTrack(track.ID)
	if err != nil {
		return models.OutcomeFailed, err
	}

	src := e.absPath(a.SourcePath)
	dst := e.absPath(a.TargetPath)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return models.OutcomeFailed, err
	}
	if err := os.Rename(src, dst); err != nil {
		return models.OutcomeFailed, err
	}

	err = repositories.WithTx(e.db, func(tx *sql.Tx) error {
		if err := e.tracks.SetPrimaryPath(tx, track.ID, a.TargetPath, now); err != nil {
			return err
		}
		for _, m := range siblings {
			if m.ID == a.MembershipID {
				continue
			}
			if m.IsPrimary {
				if err := e.memberships.SetPrimary(tx, m.ID, false, now); err != nil {
					return err
				}
			}
			if err := e.memberships.SetPresence(tx, m.PlaylistID, track.ID, models.SourceLocal, false, now); err != nil {
				return err
			}
		}
		if err := e.memberships.SetPrimary(tx, a.MembershipID, true, now); err != nil {
			return err
		}
		return e.memberships.SetPresence(tx, a.PlaylistID, track.ID, models.SourceLocal, true, now)
	})
	if err != nil {
		return models.OutcomeFailed, err
	}
	return models.OutcomeSucceeded, nil
}

// runRemoveFile deletes a link file after re-checking that the state still
// calls for removal. The plan may be stale: the membership can have been
// re-declared, or the path can have become the track's primary, between
// planning and execution.
func (e *SyncEngine) runRemoveFile(a models.SyncAction) (models.ActionOutcome, error) {
	now := time.Now().UTC()

	m, err := e.memberships.Get(a.MembershipID)
	if err != nil {
		return models.OutcomeFailed, err
	}
	if m.DeclaredRemote {
		return models.OutcomeSkipped, fmt.Errorf("%w: membership re-declared since planning", shared.ErrStaleAction)
	}

	track, err := e.tracks.Get(a.TrackID)
	if err != nil {
		return models.OutcomeFailed, err
	}
	if track.PrimaryPath == a.SourcePath {
		return models.OutcomeSkipped, fmt.Errorf("%w: path became the primary copy", shared.ErrStaleAction)
	}

	if err := os.Remove(e.absPath(a.SourcePath)); err != nil && !os.IsNotExist(err) {
		return models.OutcomeFailed, err
	}

	err = repositories.WithTx(e.db, func(tx *sql.Tx) error {
		if err := e.memberships.SetLink(tx, m.ID, "", false, now); err != nil {
			return err
		}
		return e.memberships.SetPresence(tx, m.PlaylistID, a.TrackID, models.SourceLocal, false, now)
	})
	if err != nil {
		return models.OutcomeFailed, err
	}
	return models.OutcomeSucceeded, nil
}

// withRetry retries transient failures with bounded backoff. Structural,
// integrity, and configuration failures return immediately.
func (e *SyncEngine) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(1<<attempt) * time.Second):
			}
		}
		if err = fn(); err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if shared.Classify(err) != shared.SeverityTransient {
			return err
		}
	}
	return err
}

func (e *SyncEngine) stampReconciled(plan *SyncPlan) {
	now := time.Now().UTC()
	err := repositories.WithTx(e.db, func(tx *sql.Tx) error {
		for id := range plan.Statuses {
			if err := e.playlists.MarkReconciled(tx, id, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		e.logger.Warn("failed to stamp reconciliation time", "error", err)
	}
}

// groupActionsByTrack partitions the ordered plan into per-track jobs,
// preserving priority order within each job and across jobs.
func groupActionsByTrack(actions []models.SyncAction) [][]models.SyncAction {
	byTrack := make(map[string][]models.SyncAction)
	var order []string

	for _, a := range actions {
		if _, ok := byTrack[a.TrackID]; !ok {
			order = append(order, a.TrackID)
		}
		byTrack[a.TrackID] = append(byTrack[a.TrackID], a)
	}

	groups := make([][]models.SyncAction, 0, len(order))
	for _, id := range order {
		groups = append(groups, byTrack[id])
	}
	return groups
}

// SyncReport aggregates the outcome of one full pipeline run.
type SyncReport struct {
	Fetch   *RemoteFetchResult `json:"fetch"`
	Scan    *ScanResult        `json:"scan"`
	Resolve *ResolveResult     `json:"resolve"`
	Plan    *SyncPlan          `json:"plan"`
	Run     *models.SyncRun    `json:"run"`
}

// Sync executes the full pipeline: remote ingest, local scan, primary
// election, planning, and execution, strictly in order under one run lock.
func (e *SyncEngine) Sync(ctx context.Context, progress chan<- ProgressUpdate, opts ExecuteOpts) (*SyncReport, error) {
	opts.applyDefaults(e.cfg)

	run, err := e.runs.Begin(time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if err := e.lock.Acquire(run.ID, staleLockAge); err != nil {
		run.Errors = append(run.Errors, err.Error())
		_ = e.runs.Complete(run, time.Now().UTC())
		return nil, err
	}
	defer func() {
		if err := e.lock.Release(run.ID); err != nil {
			e.logger.Warn("failed to release run lock", "error", err)
		}
	}()

	report := &SyncReport{Run: run}

	if report.Fetch, err = e.FetchRemote(ctx, progress); err != nil {
		_ = e.runs.Complete(run, time.Now().UTC())
		return report, err
	}
	if report.Scan, err = e.ScanLocal(ctx, progress); err != nil {
		_ = e.runs.Complete(run, time.Now().UTC())
		return report, err
	}
	if report.Resolve, err = e.ResolvePrimaries(ctx, progress); err != nil {
		_ = e.runs.Complete(run, time.Now().UTC())
		return report, err
	}
	if report.Plan, err = e.Plan(ctx, progress); err != nil {
		_ = e.runs.Complete(run, time.Now().UTC())
		return report, err
	}

	e.executePlan(ctx, progress, run, report.Plan, opts)

	if err := e.runs.Complete(run, time.Now().UTC()); err != nil {
		return report, err
	}
	return report, nil
}

package cosmigrate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Migrator copies every container of a source account into a target account.
type Migrator struct {
	source      AccountClient
	target      AccountClient
	checkpoints CheckpointStore

	governor *Governor
	mapper   *TopologyMapper
	writer   *Writer
	metrics  *metrics
	observer Observer

	runID             string
	parallelism       int
	pageSize          int
	maxPageBytes      int
	itemFailurePolicy ItemFailurePolicy
	verify            bool
	strict            bool
	sourceAccount     string
	targetAccount     string
}

// NewMigrator creates a new migrator between source and target.
// checkpoints persists per-unit progress so that an interrupted run can be resumed.
func NewMigrator(source, target AccountClient, checkpoints CheckpointStore, options ...Option) (*Migrator, error) {
	if source == nil || target == nil {
		return nil, errors.New("source and target account clients are required")
	}
	if checkpoints == nil {
		return nil, errors.New("checkpoint store is required")
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano

	c := defaultConfig()
	for _, o := range options {
		o.Apply(c)
	}
	zerolog.SetGlobalLevel(c.logLevel)

	if c.parallelism < 1 {
		return nil, fmt.Errorf("parallelism must be at least 1, got %d", c.parallelism)
	}
	if c.runID == "" {
		c.runID = uuid.NewString()
	}

	m := &Migrator{
		source:            source,
		target:            target,
		checkpoints:       checkpoints,
		metrics:           newMetrics(c.registerer),
		observer:          c.observer,
		runID:             c.runID,
		parallelism:       c.parallelism,
		pageSize:          c.pageSize,
		maxPageBytes:      c.maxPageBytes,
		itemFailurePolicy: c.itemFailurePolicy,
		verify:            c.verify,
		strict:            c.strict,
		sourceAccount:     c.sourceAccount,
		targetAccount:     c.targetAccount,
	}

	m.governor = NewGovernor(c.retry, m.onAttempt)
	m.governor.metrics = m.metrics
	m.mapper = NewTopologyMapper(source, target, m.governor, c.throughputPolicy, c.filter)

	var limiter *rate.Limiter
	if c.writeRateLimit > 0 {
		burst := int(c.writeRateLimit)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(c.writeRateLimit), burst)
	}
	m.writer = NewWriter(target, m.governor, c.transform, limiter, c.maxItemBytes)
	m.writer.metrics = m.metrics

	return m, nil
}

// RunID returns the identifier of the run.
func (m *Migrator) RunID() string {
	return m.runID
}

// Run discovers the source topology and migrates every container, at most
// parallelism units at a time. It blocks until all units reached a terminal
// state or the context is canceled.
//
// The returned summary is never nil. The error is non-nil only for run-level
// failures: unreachable accounts, failed discovery, an account-wide fatal
// error, or cancellation. Unit failures are reported in the summary only.
func (m *Migrator) Run(ctx context.Context) (*Summary, error) {
	summary := &Summary{
		RunID:         m.runID,
		SourceAccount: m.sourceAccount,
		TargetAccount: m.targetAccount,
		StartedAt:     time.Now(),
		Strict:        m.strict,
	}
	log.Info().Str("run_id", m.runID).Int("parallelism", m.parallelism).Msg("starting migration")

	fail := func(err error) (*Summary, error) {
		summary.Error = err.Error()
		summary.FinishedAt = time.Now()
		return summary, err
	}

	if err := m.probe(ctx); err != nil {
		return fail(err)
	}

	units, err := m.mapper.Discover(ctx)
	if err != nil {
		return fail(fmt.Errorf("failed to discover topology: %w", err))
	}
	for _, u := range units {
		m.metrics.transition("", StatePending)
		m.emit(u)
	}
	log.Info().Int("units", len(units)).Msg("discovered migration units")

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(m.parallelism)
	for _, u := range units {
		if egCtx.Err() != nil {
			break
		}
		eg.Go(func() error {
			return m.runUnit(egCtx, u)
		})
	}
	runErr := eg.Wait()

	for _, u := range units {
		if u.State() == StatePending {
			u.setErr(context.Cause(egCtx))
			m.transition(u, StateInterrupted)
		}
		summary.Units = append(summary.Units, u.Snapshot())
	}
	summary.FinishedAt = time.Now()

	if runErr == nil {
		runErr = ctx.Err()
	}
	if runErr != nil {
		summary.Error = runErr.Error()
	}

	totals := summary.Totals()
	log.Info().
		Str("run_id", m.runID).
		Int64("inserted", totals.Inserted).
		Int64("already_present", totals.AlreadyPresent).
		Int64("rejected", totals.Rejected).
		Dur("duration", summary.Duration()).
		Int("exit_code", summary.ExitCode()).
		Msg("migration finished")
	return summary, runErr
}

// probe checks that both accounts are reachable and authorized before any work is scheduled.
func (m *Migrator) probe(ctx context.Context) error {
	for _, side := range []struct {
		name   string
		client AccountClient
	}{
		{"source", m.source},
		{"target", m.target},
	} {
		if _, err := WithRetry(ctx, m.governor, "probe "+side.name+" account", side.client.ListDatabases); err != nil {
			return fmt.Errorf("failed to connect to %s account: %w", side.name, err)
		}
	}
	log.Debug().Msg("source and target accounts reachable")
	return nil
}

// runUnit drives u through its lifecycle. It returns an error only when the
// failure affects the whole account, which cancels the remaining units.
func (m *Migrator) runUnit(ctx context.Context, u *MigrationUnit) error {
	if u.discoveryErr != nil {
		return m.fail(ctx, u, u.discoveryErr)
	}

	m.transition(u, StateProvisioning)
	if err := m.mapper.Provision(ctx, u); err != nil {
		return m.fail(ctx, u, err)
	}

	m.transition(u, StateValidating)
	if err := ValidatePartitionKey(u.Key(), u.SourceProps, u.TargetProps); err != nil {
		return m.fail(ctx, u, err)
	}

	cp, err := m.checkpoints.Get(ctx, u.Key())
	if err != nil {
		return m.fail(ctx, u, fmt.Errorf("failed to load checkpoint: %w", err))
	}
	var counts Counts
	var token string
	if cp != nil && cp.ContinuationToken == "" {
		// left behind by a finished unit whose cleanup failed.
		log.Warn().Str("unit", u.Key()).Msg("ignoring checkpoint without continuation token")
		cp = nil
	}
	if cp != nil {
		counts = cp.Counts()
		token = cp.ContinuationToken
		u.setResumed()
		u.setCounts(counts)
		log.Info().
			Str("unit", u.Key()).
			Int64("items_copied", cp.ItemsCopied()).
			Int64("items_skipped", cp.ItemsSkipped()).
			Msg("resuming from checkpoint")
	}

	m.transition(u, StateCopying)
	cursor := NewCursor(m.source, m.governor, u.Source, token, m.pageSize, m.maxPageBytes)
	cursor.metrics = m.metrics
	pkPath := u.TargetProps.PartitionKeyPath

	for {
		page, err := cursor.Next(ctx)
		if errors.Is(err, ErrEndOfContainer) {
			break
		}
		if err != nil {
			return m.fail(ctx, u, fmt.Errorf("failed to read page: %w", err))
		}

		for _, raw := range page.Items {
			outcome, err := m.writer.WriteItem(ctx, u.Target, pkPath, raw)
			if err == nil {
				counts.Add(outcome)
				continue
			}
			if isCanceled(err) || IsAccountWide(err) {
				u.setCounts(counts)
				return m.fail(ctx, u, err)
			}
			counts.Add(OutcomeRejected)
			if !errors.Is(err, ErrItemRejected) {
				m.metrics.observeItem(OutcomeRejected)
			}
			log.Warn().Str("unit", u.Key()).Err(err).Msg("item not written")
			if m.itemFailurePolicy == AbortUnitItemFailurePolicy {
				u.setCounts(counts)
				return m.fail(ctx, u, fmt.Errorf("aborting unit on item failure: %w", err))
			}
		}

		// the page is fully flushed, persist even if the run is being canceled.
		// The last page has no continuation token and is never checkpointed:
		// a token-less checkpoint would restart the container on resume.
		if !cursor.Done() {
			if err := m.checkpoints.Set(context.WithoutCancel(ctx), u.Key(), Checkpoint{
				ContinuationToken: cursor.Token(),
				Inserted:          counts.Inserted,
				AlreadyPresent:    counts.AlreadyPresent,
				Rejected:          counts.Rejected,
				UpdatedAt:         time.Now(),
			}); err != nil {
				return m.fail(ctx, u, fmt.Errorf("failed to save checkpoint: %w", err))
			}
		}
		u.setCounts(counts)
		m.notify(Event{Kind: EventPageFlushed, Unit: u.Snapshot(), PageItems: len(page.Items)})

		log.Debug().
			Str("unit", u.Key()).
			Int("items", len(page.Items)).
			Int64("inserted", counts.Inserted).
			Int64("already_present", counts.AlreadyPresent).
			Int64("rejected", counts.Rejected).
			Msg("page flushed")
	}

	u.setCounts(counts)
	if err := m.checkpoints.Delete(context.WithoutCancel(ctx), u.Key()); err != nil {
		log.Warn().Str("unit", u.Key()).Err(err).Msg("failed to delete checkpoint of completed unit")
	}
	if m.verify {
		v, err := verifyUnit(ctx, m.governor, m.source, m.target, u, counts.Rejected)
		if err != nil {
			log.Warn().Str("unit", u.Key()).Err(err).Msg("failed to verify item counts")
		} else {
			u.setVerification(v)
		}
	}
	m.transition(u, StateCompleted)

	log.Info().
		Str("unit", u.Key()).
		Int64("inserted", counts.Inserted).
		Int64("already_present", counts.AlreadyPresent).
		Int64("rejected", counts.Rejected).
		Msg("unit completed")
	return nil
}

// fail moves u to its terminal state for err. Cancellation interrupts the unit;
// everything else fails it. Only account-wide errors are returned.
func (m *Migrator) fail(ctx context.Context, u *MigrationUnit, err error) error {
	u.setErr(err)
	if ctx.Err() != nil && isCanceled(err) {
		m.transition(u, StateInterrupted)
		log.Warn().Str("unit", u.Key()).Err(err).Msg("unit interrupted")
		return nil
	}
	m.transition(u, StateFailed)
	log.Error().Str("unit", u.Key()).Err(err).Msg("unit failed")
	if IsAccountWide(err) {
		return fmt.Errorf("account-wide failure in %s: %w", u.Key(), err)
	}
	return nil
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (m *Migrator) transition(u *MigrationUnit, s State) {
	prev := u.setState(s)
	m.metrics.transition(prev, s)
	if s.Terminal() {
		m.metrics.observeUnitDuration(s, u.Snapshot().Duration)
	}
	log.Debug().Str("unit", u.Key()).Str("state", string(s)).Msg("unit state changed")
	m.emit(u)
}

func (m *Migrator) emit(u *MigrationUnit) {
	m.notify(Event{Kind: EventUnitState, Unit: u.Snapshot()})
}

// onAttempt forwards failed attempts to the observer; successful first attempts are too frequent to report.
func (m *Migrator) onAttempt(ev AttemptEvent) {
	if ev.Err == nil {
		return
	}
	m.notify(Event{Kind: EventAttempt, Attempt: &ev})
}

func (m *Migrator) notify(ev Event) {
	if m.observer != nil {
		m.observer.Observe(ev)
	}
}

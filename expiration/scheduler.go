/*
scheduler.go - Quarterly expiration scheduler

PURPOSE:
  Enacts the quarterly reset. Every buyer with a positive balance is zeroed
  through the ledger's Expire path; every company's current balance is
  restored to its original baseline.

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - On each tick, closes the most recently ended quarter unless a run for
    it already completed without errors, or MaxCycleAttempts passes for it
    have already ended with errors (those need an operator)
  - Only points held before the quarter boundary expire, so a pass that
    runs late never touches points earned in the new quarter
  - Processes one subject per ledger call, never one global transaction,
    so ordinary Earn/Spend traffic is not starved
  - Restartable: the engine keeps a per-buyer and per-company cycle
    marker, so re-running an interrupted pass never double-expires
  - Records every pass as an ExpirationRun for audit

USAGE:
  s := expiration.NewScheduler(engine, store, store, expiration.Config{...})
  s.Start()
  // ... later
  s.Stop()
*/
package expiration

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/warp/points-ledger/ledger"
	"go.uber.org/zap"
)

// ErrRunInProgress is returned when a pass is requested while one is running.
var ErrRunInProgress = errors.New("expiration run already in progress")

// Expirer is the slice of the ledger engine the scheduler drives.
type Expirer interface {
	ExpireBuyer(ctx context.Context, buyer ledger.BuyerID, cycle ledger.Cycle) (ledger.ExpireOutcome, error)
	ResetCompany(ctx context.Context, company ledger.CompanyID, cycle ledger.Cycle) (ledger.CompanyBalance, bool, error)
}

type Config struct {
	Enabled       bool
	CheckInterval time.Duration
	// BatchSize is the number of subjects listed per page.
	BatchSize int
	// SubjectAttempts bounds how often one buyer or company is retried
	// after a transient failure within a pass.
	SubjectAttempts int
	RetryInterval   time.Duration
	// MaxCycleAttempts bounds how many automatic passes the ticker starts
	// for one cycle. Manual runs are not limited.
	MaxCycleAttempts int
}

func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		CheckInterval:   time.Hour,
		BatchSize:       500,
		SubjectAttempts: 3,
		RetryInterval:    100 * time.Millisecond,
		MaxCycleAttempts: 3,
	}
}

// Scheduler handles automated quarterly expiration.
type Scheduler struct {
	engine  Expirer
	reader  ledger.Reader
	runs    ledger.RunStore
	cfg     Config
	logger  *zap.Logger
	metrics *Metrics
	clock   func() time.Time

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	running sync.Mutex
}

type Option func(*Scheduler)

func WithLogger(l *zap.Logger) Option { return func(s *Scheduler) { s.logger = l } }

func WithMetrics(m *Metrics) Option { return func(s *Scheduler) { s.metrics = m } }

func WithClock(clock func() time.Time) Option { return func(s *Scheduler) { s.clock = clock } }

func NewScheduler(engine Expirer, reader ledger.Reader, runs ledger.RunStore, cfg Config, opts ...Option) *Scheduler {
	d := DefaultConfig()
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = d.CheckInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = d.BatchSize
	}
	if cfg.SubjectAttempts <= 0 {
		cfg.SubjectAttempts = d.SubjectAttempts
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = d.RetryInterval
	}
	if cfg.MaxCycleAttempts <= 0 {
		cfg.MaxCycleAttempts = d.MaxCycleAttempts
	}
	s := &Scheduler{
		engine: engine,
		reader: reader,
		runs:   runs,
		cfg:    cfg,
		logger: zap.NewNop(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins the scheduler.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.cfg.Enabled {
		s.logger.Info("expiration scheduler disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.cfg.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.loop()

	s.logger.Info("expiration scheduler started", zap.Duration("check_interval", s.cfg.CheckInterval))
}

// Stop stops the scheduler and waits for an in-flight pass to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.logger.Info("expiration scheduler stopped")
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stop
		cancel()
	}()

	// Run immediately on start
	s.checkAndProcess(ctx)

	for {
		select {
		case <-s.ticker.C:
			s.checkAndProcess(ctx)
		case <-s.stop:
			return
		}
	}
}

func (s *Scheduler) checkAndProcess(ctx context.Context) {
	now := s.clock()
	cycle := ledger.ClosingCycle(now)

	done, err := s.runs.CycleCompleted(ctx, cycle.String())
	if err != nil {
		s.logger.Error("checking expiration status", zap.String("cycle", cycle.String()), zap.Error(err))
		return
	}
	if done {
		s.logger.Debug("cycle already expired", zap.String("cycle", cycle.String()))
		return
	}

	attempts, err := s.attempts(ctx, cycle)
	if err != nil {
		s.logger.Error("listing expiration runs", zap.String("cycle", cycle.String()), zap.Error(err))
		return
	}
	if attempts >= s.cfg.MaxCycleAttempts {
		s.logger.Warn("cycle not retried automatically",
			zap.String("cycle", cycle.String()),
			zap.Int("attempts", attempts))
		return
	}

	if _, err := s.Run(ctx, now); err != nil && !errors.Is(err, ErrRunInProgress) {
		s.logger.Error("expiration run failed", zap.String("cycle", cycle.String()), zap.Error(err))
	}
}

// attempts counts recorded passes for cycle among the most recent runs.
func (s *Scheduler) attempts(ctx context.Context, cycle ledger.Cycle) (int, error) {
	runs, err := s.runs.ExpirationRuns(ctx, s.cfg.MaxCycleAttempts)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range runs {
		if r.Cycle == cycle.String() {
			n++
		}
	}
	return n, nil
}

// RunNow runs one pass against the current time.
func (s *Scheduler) RunNow(ctx context.Context) (ledger.ExpirationRun, error) {
	return s.Run(ctx, s.clock())
}

// Run expires the quarter that ended at or before cutoff. Per-subject
// failures are logged and counted; the pass continues with the next
// subject and the run ends as completed_with_errors.
func (s *Scheduler) Run(ctx context.Context, cutoff time.Time) (ledger.ExpirationRun, error) {
	if !s.running.TryLock() {
		return ledger.ExpirationRun{}, ErrRunInProgress
	}
	defer s.running.Unlock()

	cycle := ledger.ClosingCycle(cutoff)
	run := ledger.ExpirationRun{
		ID:        uuid.NewString(),
		Cycle:     cycle.String(),
		Cutoff:    cutoff.UTC(),
		Status:    ledger.RunRunning,
		StartedAt: s.clock().UTC(),
	}
	if err := s.runs.SaveExpirationRun(ctx, run); err != nil {
		return run, err
	}

	log := s.logger.With(zap.String("run_id", run.ID), zap.String("cycle", run.Cycle))
	log.Info("expiration run started", zap.Time("cutoff", run.Cutoff))

	err := s.expireBuyers(ctx, cycle, &run, log)
	if err == nil {
		err = s.resetCompanies(ctx, cycle, &run, log)
	}

	completed := s.clock().UTC()
	run.CompletedAt = &completed
	switch {
	case err != nil:
		run.Status = ledger.RunFailed
		run.Error = err.Error()
	case run.Failures > 0:
		run.Status = ledger.RunCompletedWithErrors
	default:
		run.Status = ledger.RunCompleted
	}

	// Record the outcome even if ctx was cancelled mid-pass.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if serr := s.runs.SaveExpirationRun(saveCtx, run); serr != nil {
		log.Error("saving expiration run", zap.Error(serr))
	}

	s.metrics.observeRun(run, completed.Sub(run.StartedAt))
	log.Info("expiration run finished",
		zap.String("status", string(run.Status)),
		zap.Int("buyers_expired", run.BuyersExpired),
		zap.Int("buyers_skipped", run.BuyersSkipped),
		zap.Int64("points_expired", run.PointsExpired),
		zap.Int("companies_reset", run.CompaniesReset),
		zap.Int("failures", run.Failures))
	return run, err
}

func (s *Scheduler) expireBuyers(ctx context.Context, cycle ledger.Cycle, run *ledger.ExpirationRun, log *zap.Logger) error {
	page := ledger.Page{Limit: s.cfg.BatchSize, PositiveOnly: true}
	for {
		buyers, err := s.reader.ListBuyers(ctx, page)
		if err != nil {
			return err
		}
		if len(buyers) == 0 {
			return nil
		}

		for _, b := range buyers {
			if err := ctx.Err(); err != nil {
				return err
			}
			var out ledger.ExpireOutcome
			err := s.retry(ctx, func() error {
				var err error
				out, err = s.engine.ExpireBuyer(ctx, b.BuyerID, cycle)
				return err
			})
			switch {
			case err != nil:
				run.Failures++
				log.Warn("buyer expiration failed", zap.String("buyer_id", string(b.BuyerID)), zap.Error(err))
			case out.Skipped || out.Expired == 0:
				run.BuyersSkipped++
			default:
				run.BuyersExpired++
				run.PointsExpired += out.Expired
			}
		}
		page.After = string(buyers[len(buyers)-1].BuyerID)
	}
}

func (s *Scheduler) resetCompanies(ctx context.Context, cycle ledger.Cycle, run *ledger.ExpirationRun, log *zap.Logger) error {
	page := ledger.Page{Limit: s.cfg.BatchSize}
	for {
		companies, err := s.reader.ListCompanies(ctx, page)
		if err != nil {
			return err
		}
		if len(companies) == 0 {
			return nil
		}

		for _, c := range companies {
			if err := ctx.Err(); err != nil {
				return err
			}
			var applied bool
			err := s.retry(ctx, func() error {
				var err error
				_, applied, err = s.engine.ResetCompany(ctx, c.CompanyID, cycle)
				return err
			})
			if err != nil {
				run.Failures++
				log.Warn("company reset failed", zap.String("company_id", string(c.CompanyID)), zap.Error(err))
				continue
			}
			if applied {
				run.CompaniesReset++
			}
		}
		page.After = string(companies[len(companies)-1].CompanyID)
	}
}

// retry re-attempts one subject after transient failures. Domain errors
// (e.g. a frozen balance) are not retried.
func (s *Scheduler) retry(ctx context.Context, fn func() error) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = s.cfg.RetryInterval
	exp.MaxInterval = 10 * s.cfg.RetryInterval
	b := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(s.cfg.SubjectAttempts-1)), ctx)
	return backoff.Retry(func() error {
		err := fn()
		if err != nil && !ledger.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

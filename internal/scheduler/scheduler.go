package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sessionlane/paylane/internal/clock"
	appconfig "github.com/sessionlane/paylane/internal/config"
	obsmetrics "github.com/sessionlane/paylane/internal/observability/metrics"
	payoutdomain "github.com/sessionlane/paylane/internal/payout/domain"
	webhookdomain "github.com/sessionlane/paylane/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("scheduler_invalid_config")

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	Clock       clock.Clock
	AppCfg      appconfig.Config
	PayoutSvc   payoutdomain.Service
	WebhookRepo webhookdomain.Repository
	Config      Config `optional:"true"`
}

// Scheduler drives the periodic jobs: the payout sweep and the event
// ledger purge. It is single-process; concurrent sweeps from multiple
// replicas are tolerated because every mutation is a guarded CAS.
type Scheduler struct {
	db          *gorm.DB
	log         *zap.Logger
	cfg         Config
	clock       clock.Clock
	retention   time.Duration
	payoutSvc   payoutdomain.Service
	webhookRepo webhookdomain.Repository
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.PayoutSvc == nil || p.WebhookRepo == nil {
		return nil, ErrInvalidConfig
	}
	retention := p.AppCfg.LedgerRetention
	if retention <= 0 {
		retention = 72 * time.Hour
	}
	return &Scheduler{
		db:          p.DB,
		log:         p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:         p.Config.withDefaults(),
		clock:       p.Clock,
		retention:   retention,
		payoutSvc:   p.PayoutSvc,
		webhookRepo: p.WebhookRepo,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		schedMetrics.IncJobTimeout(name)
		s.log.Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	schedMetrics.IncJobError(name)
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name    string
		Timeout time.Duration
		Run     func(context.Context) error
	}{
		{"attempt_due_payouts", s.cfg.SweepTimeout, s.AttemptDuePayoutsJob},
		{"purge_event_ledger", s.cfg.PurgeTimeout, s.PurgeEventLedgerJob},
	}

	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, job.Timeout, job.Run))
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

func (s *Scheduler) AttemptDuePayoutsJob(ctx context.Context) error {
	return s.payoutSvc.AttemptDuePayouts(ctx)
}

func (s *Scheduler) PurgeEventLedgerJob(ctx context.Context) error {
	cutoff := s.clock.Now().Add(-s.retention)
	purged, err := s.webhookRepo.PurgeOlderThan(ctx, s.db, cutoff)
	if err != nil {
		return err
	}
	if purged > 0 {
		s.log.Info("event ledger purged",
			zap.Int64("rows", purged),
			zap.Time("cutoff", cutoff),
		)
	}
	return nil
}

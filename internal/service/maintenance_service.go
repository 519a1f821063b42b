package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/devrev/lakelink/internal/metrics"
	"github.com/devrev/lakelink/internal/model"
	"github.com/devrev/lakelink/internal/util/workerpool"
)

// TableOptimizer is the part of the backend the maintenance scheduler drives
type TableOptimizer interface {
	ListTables(ctx context.Context) ([]model.TableInfo, error)
	OptimizeTable(ctx context.Context, id model.TableIdentity, mode string) error
}

// MaintenanceConfig holds maintenance scheduler configuration
type MaintenanceConfig struct {
	Schedule  string
	Mode      string
	Workers   int
	QueueSize int
	// RateLimit bounds optimize runs started per second; zero is unlimited
	RateLimit float64
}

// MaintenanceService periodically optimizes every table on a bounded worker pool
type MaintenanceService struct {
	config    *MaintenanceConfig
	optimizer TableOptimizer
	cron      *cron.Cron
	pool      *workerpool.WorkerPool
	limiter   *rate.Limiter
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewMaintenanceService creates the scheduler. Nothing runs until Start.
func NewMaintenanceService(cfg *MaintenanceConfig, optimizer TableOptimizer, m *metrics.Metrics, logger *zap.Logger) (*MaintenanceService, error) {
	if _, ok := model.ParseOptimizeMode(cfg.Mode); !ok {
		return nil, fmt.Errorf("unknown optimize mode %q", cfg.Mode)
	}

	cronLogger := cron.PrintfLogger(zap.NewStdLog(logger.Named("cron")))
	s := &MaintenanceService{
		config:    cfg,
		optimizer: optimizer,
		cron: cron.New(
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.SkipIfStillRunning(cronLogger)),
		),
		limiter: rate.NewLimiter(rate.Inf, 1),
		metrics: m,
		logger:  logger,
	}
	if cfg.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}

	s.pool = workerpool.NewWorkerPool(workerpool.Config{
		Name:      "maintenance",
		Workers:   cfg.Workers,
		QueueSize: cfg.QueueSize,
		Logger:    logger,
		OnDone: func(_ string, err error, d time.Duration) {
			if s.metrics != nil {
				s.metrics.RecordMaintenanceRun(s.config.Mode, err, d.Seconds())
			}
		},
	})

	if _, err := s.cron.AddFunc(cfg.Schedule, s.scheduled); err != nil {
		s.pool.Stop(time.Second)
		return nil, fmt.Errorf("invalid maintenance schedule %q: %w", cfg.Schedule, err)
	}
	return s, nil
}

// Start starts the schedule
func (s *MaintenanceService) Start() {
	s.cron.Start()
	s.logger.Info("Maintenance scheduler started",
		zap.String("schedule", s.config.Schedule),
		zap.String("mode", s.config.Mode))
}

// Stop stops the schedule and waits for queued optimize runs up to timeout
func (s *MaintenanceService) Stop(timeout time.Duration) error {
	<-s.cron.Stop().Done()
	return s.pool.Stop(timeout)
}

func (s *MaintenanceService) scheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	queued, err := s.RunOnce(ctx)
	if err != nil {
		s.logger.Error("Maintenance run failed", zap.Error(err))
		return
	}
	s.logger.Debug("Maintenance run queued", zap.Int("tables", queued))
}

// RunOnce queues an optimize run for every table not already being
// optimized and returns how many were queued.
func (s *MaintenanceService) RunOnce(ctx context.Context) (int, error) {
	tables, err := s.optimizer.ListTables(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tables: %w", err)
	}

	queued := 0
	for _, table := range tables {
		id := table.Identity
		err := s.pool.Submit(workerpool.Task{
			Key: id.String(),
			Fn: func(ctx context.Context) error {
				if err := s.limiter.Wait(ctx); err != nil {
					return err
				}
				return s.optimizer.OptimizeTable(ctx, id, s.config.Mode)
			},
		})
		switch {
		case err == nil:
			queued++
		case stderrors.Is(err, workerpool.ErrStopped):
			return queued, err
		default:
			if s.metrics != nil {
				s.metrics.RecordMaintenanceRejected()
			}
			s.logger.Debug("Optimize run skipped",
				zap.Uint32("database_id", id.DatabaseID),
				zap.Uint32("table_id", id.TableID),
				zap.Error(err))
		}
	}
	return queued, nil
}

// Stats returns worker pool statistics
func (s *MaintenanceService) Stats() workerpool.Stats {
	return s.pool.Stats()
}

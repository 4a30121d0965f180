// Package app assembles the skillflow components from a Config.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"skillflow/internal/api"
	"skillflow/internal/config"
	"skillflow/internal/domain"
	"skillflow/internal/event"
	httpskill "skillflow/internal/handlers/http"
	"skillflow/internal/handlers/shell"
	"skillflow/internal/license"
	"skillflow/internal/monitor"
	"skillflow/internal/orchestrator"
	"skillflow/internal/queue"
	"skillflow/internal/scheduler"
	"skillflow/internal/skill"
	"skillflow/internal/storage"
)

type App struct {
	cfg *config.Config

	DB           *sql.DB
	Bus          *event.Bus
	Skills       *skill.Registry
	Queues       *queue.Manager
	Licenses     *license.Validator
	Orchestrator *orchestrator.Orchestrator
	Scheduler    *scheduler.Scheduler
	Monitor      *monitor.Monitor

	redis  redis.UniversalClient
	cancel context.CancelFunc
}

// New opens storage and builds every component. Queue engines start as
// they are created; the scheduler and monitor loops wait for Start.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	db, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}
	a := &App{cfg: cfg, DB: db, Bus: event.NewBus(), Skills: skill.NewRegistry()}

	snapshots, err := a.snapshotStore(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}

	var licenses orchestrator.LicenseChecker
	if !cfg.License.Disabled {
		store := license.NewSQLiteStore(db)
		for _, seed := range cfg.License.Seed {
			l := license.License{
				Key:           seed.Key,
				Tier:          seed.Tier,
				Active:        true,
				Quota:         seed.Quota,
				RateLimit:     seed.RateLimit,
				RateBurst:     seed.RateBurst,
				AllowedSkills: seed.AllowedSkills,
				BlockedSkills: seed.BlockedSkills,
				ExpiresAt:     seed.ExpiresAt,
			}
			if err := store.Put(ctx, l); err != nil {
				a.closeStorage()
				return nil, fmt.Errorf("seed license %s: %w", seed.Key, err)
			}
		}
		a.Licenses = license.NewValidator(store)
		licenses = a.Licenses
	}

	a.registerSkills()

	qopts := queue.DefaultOptions()
	qopts.Concurrency = cfg.Queue.Concurrency
	qopts.DefaultMaxAttempts = cfg.Queue.MaxAttempts
	qopts.DefaultBackoff = cfg.Queue.Backoff
	qopts.Backoff = queue.BackoffByName(cfg.Queue.BackoffStrategy, cfg.Queue.MaxBackoff)
	qopts.JobTimeout = cfg.Queue.JobTimeout
	qopts.RemoveOnComplete = !cfg.Queue.KeepCompleted
	if cfg.Queue.SnapshotInterval > 0 {
		qopts.SnapshotInterval = cfg.Queue.SnapshotInterval
	}
	a.Queues = queue.NewManager(qopts, snapshots, a.Bus)

	oc := cfg.Orchestrator
	a.Orchestrator = orchestrator.New(a.Queues, a.Skills, licenses, a.Bus, orchestrator.Config{
		WaitTimeout:         oc.WaitTimeout,
		TaskTimeout:         oc.TaskTimeout,
		HistorySize:         oc.HistorySize,
		WorkflowRetention:   oc.WorkflowRetention,
		SkillConcurrency:    oc.SkillConcurrency,
		WorkflowConcurrency: oc.WorkflowConcurrency,
		Failover:            oc.Failover,
	})

	a.Scheduler = scheduler.New(a.Orchestrator, scheduler.NewSQLiteStore(db), a.Bus, scheduler.Config{
		TickInterval: cfg.Scheduler.TickInterval,
		FireTimeout:  cfg.Scheduler.FireTimeout,
		Calculator:   scheduler.CalculatorByName(cfg.Scheduler.CronEngine),
	})

	mc := monitor.DefaultConfig()
	mc.UpdateInterval = cfg.Monitor.UpdateInterval
	mc.AlertErrorRate = cfg.Monitor.AlertErrorRate
	mc.AlertMinSamples = cfg.Monitor.AlertMinSamples
	mc.AlertCooldown = cfg.Monitor.AlertCooldown
	a.Monitor = monitor.New(a.Bus, mc)

	a.Bus.Alerts.Subscribe(func(al domain.Alert) {
		log.Warn().Str("kind", string(al.Kind)).Str("scope", al.Scope).Msg(al.Message)
	})
	return a, nil
}

func (a *App) snapshotStore(ctx context.Context) (queue.SnapshotStore, error) {
	sc := a.cfg.Snapshot
	switch sc.Driver {
	case "file":
		return queue.NewFileStore(sc.Dir)
	case "redis":
		a.redis = redis.NewClient(&redis.Options{Addr: sc.Redis.Addr, Password: sc.Redis.Password, DB: sc.Redis.DB})
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := a.redis.Ping(pctx).Err(); err != nil {
			a.redis.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		return queue.NewRedisStore(a.redis, sc.Redis.Prefix), nil
	case "none":
		return nil, nil
	}
	return queue.NewSQLiteStore(a.DB), nil
}

func (a *App) registerSkills() {
	a.Skills.MustRegister(httpskill.HTTP{Client: &http.Client{Timeout: a.cfg.Skills.HTTPTimeout}})
	if len(a.cfg.Skills.ShellAllowed) > 0 {
		a.Skills.MustRegister(shell.Shell{Allowed: a.cfg.Skills.ShellAllowed})
	}
}

// Handler returns the HTTP surface.
func (a *App) Handler(debug bool) http.Handler {
	return api.NewServerWithDebug(api.Deps{
		Orchestrator: a.Orchestrator,
		Scheduler:    a.Scheduler,
		Monitor:      a.Monitor,
		Queues:       a.Queues,
		Skills:       a.Skills,
	}, debug)
}

// Start restores schedules and begins the monitor and scheduler loops.
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)
	a.Monitor.Start(ctx)
	if err := a.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	log.Info().Strs("skills", skillIDs(a.Skills)).Strs("queues", a.Queues.Names()).Msg("skillflow started")
	return nil
}

// Close stops the scheduler first so nothing new is queued, then drains
// the queues and closes storage.
func (a *App) Close(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	a.Scheduler.Stop()
	err := a.Queues.CloseAll(ctx)
	a.Monitor.Close()
	return errors.Join(err, a.closeStorage())
}

func (a *App) closeStorage() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	errs = append(errs, a.DB.Close())
	return errors.Join(errs...)
}

func skillIDs(r *skill.Registry) []string {
	var out []string
	for _, info := range r.List() {
		out = append(out, info.ID)
	}
	return out
}

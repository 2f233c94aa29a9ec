// Package orchestrator builds warden's object graph and exposes the operator
// actions shared by the HTTP API and the CLI.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alekspetrov/warden/internal/approval"
	"github.com/alekspetrov/warden/internal/config"
	"github.com/alekspetrov/warden/internal/events"
	"github.com/alekspetrov/warden/internal/executor"
	"github.com/alekspetrov/warden/internal/gateway"
	"github.com/alekspetrov/warden/internal/health"
	"github.com/alekspetrov/warden/internal/jobs"
	"github.com/alekspetrov/warden/internal/logging"
	"github.com/alekspetrov/warden/internal/metrics"
	"github.com/alekspetrov/warden/internal/notify"
	"github.com/alekspetrov/warden/internal/pipelines"
	"github.com/alekspetrov/warden/internal/prompts"
	"github.com/alekspetrov/warden/internal/scheduler"
	"github.com/alekspetrov/warden/internal/store"
)

// Orchestrator owns every long-lived component of a warden process.
type Orchestrator struct {
	config    *config.Config
	store     *store.Store
	monitor   *health.Monitor
	registry  *executor.Registry
	runner    *executor.Runner
	prompts   *prompts.Provider
	notifier  notify.Notifier
	approval  *approval.Service
	rules     *approval.RuleEvaluator
	jobs      *jobs.Client
	scheduler *scheduler.Scheduler
	hub       *gateway.Hub
	gateway   *gateway.Server
	now       func() time.Time
	log       *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option is a functional option for configuring the orchestrator.
type Option func(*Orchestrator)

// WithNotifier replaces the notifier built from config.
func WithNotifier(n notify.Notifier) Option {
	return func(o *Orchestrator) {
		o.notifier = n
	}
}

// WithRegistry replaces the backends built from config.
func WithRegistry(r *executor.Registry) Option {
	return func(o *Orchestrator) {
		o.registry = r
	}
}

// WithClock overrides the clock used for decisions, schedules and routines.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// New validates cfg, opens the store and wires every component. The
// pipeline file, when configured, is synced before New returns.
func New(cfg *config.Config, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	o := &Orchestrator{
		config: cfg,
		now:    time.Now,
		log:    logging.WithComponent("orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}

	st, err := store.Open(cfg.Storage.Driver, cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	st.SetClock(o.now)
	o.store = st

	o.hub = gateway.NewHub()

	states := make([]string, 0, len(health.AllStates()))
	for _, s := range health.AllStates() {
		states = append(states, string(s))
	}
	o.monitor = health.NewMonitor(st, health.Config{
		FailureThreshold: cfg.Health.FailureThreshold,
		Cooldown:         cfg.Health.Cooldown,
		Now:              o.now,
		OnStateChange: func(from, to health.State) {
			metrics.SetHealthState(string(to), states)
			o.hub.Publish(events.Event{Type: events.HealthChanged, At: o.now(),
				Data: map[string]any{"from": string(from), "to": string(to)}})
		},
	})
	if snap, err := o.monitor.Snapshot(); err == nil {
		metrics.SetHealthState(string(snap.State), states)
	}

	if o.registry == nil {
		o.registry = executor.NewRegistryFromConfig(cfg)
	}
	promptDir := config.DefaultConfig().Agents.PromptDir
	if cfg.Agents != nil && cfg.Agents.PromptDir != "" {
		promptDir = cfg.Agents.PromptDir
	}
	o.prompts = prompts.NewProvider(promptDir)
	o.runner = executor.NewRunner(st, o.registry, o.monitor)
	o.runner.SetPromptProvider(o.prompts)
	o.runner.SetEventSink(o.hub)
	o.runner.SetClock(o.now)

	if o.notifier == nil {
		o.notifier = notify.New(cfg.Notify)
	}
	o.approval = approval.NewService(st, o.notifier, o.hub, approval.Config{
		Pepper:        cfg.Approval.Pepper,
		TTLHours:      cfg.Approval.TTLHours,
		PublicBaseURL: cfg.Gateway.PublicBaseURL,
		ApproverEmail: cfg.Approval.ApproverEmail,
		Now:           o.now,
	})
	o.rules = approval.NewRuleEvaluator(approval.KeywordRules(cfg.CriticalKeywords()))
	o.jobs = jobs.NewClient(cfg.Jobs)

	o.scheduler = scheduler.New(scheduler.Deps{
		Store:         st,
		Runner:        o.runner,
		Health:        o.monitor,
		Approver:      o.approval,
		Jobs:          o.jobs,
		Notifier:      o.notifier,
		Sink:          o.hub,
		Config:        cfg.Scheduler,
		Routines:      cfg.Routines,
		ApproverEmail: cfg.Approval.ApproverEmail,
		RemoteAPIKey:  remoteKey(cfg),
	})
	o.scheduler.SetClock(o.now)

	o.gateway = gateway.NewServer(cfg.Gateway, gateway.Deps{
		Operator:  o,
		Reader:    st,
		Decisions: o.approval,
		Health:    o.monitor,
		Hub:       o.hub,
	})

	if cfg.Pipelines != nil && cfg.Pipelines.File != "" {
		if err := pipelines.SyncFile(st, cfg.Pipelines.File); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("failed to sync pipelines: %w", err)
		}
	}
	return o, nil
}

// Start runs the scheduler, the gateway and, when enabled, the pipeline
// file watcher until ctx is cancelled or Stop is called.
func (o *Orchestrator) Start(ctx context.Context) error {
	ctx, o.cancel = context.WithCancel(ctx)
	o.log.Info("Starting warden")

	if err := o.scheduler.Start(ctx); err != nil {
		o.cancel()
		return err
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.gateway.Start(ctx); err != nil {
			o.log.Error("Gateway error", slog.Any("error", err))
		}
	}()

	if p := o.config.Pipelines; p != nil && p.Watch && p.File != "" {
		w, err := pipelines.NewWatcher(o.store, p.File)
		if err != nil {
			o.log.Warn("Pipeline watcher disabled", slog.Any("error", err))
		} else {
			o.wg.Add(1)
			go func() {
				defer o.wg.Done()
				w.Run(ctx)
			}()
		}
	}

	o.log.Info("warden started",
		slog.String("host", o.config.Gateway.Host),
		slog.Int("port", o.config.Gateway.Port))
	return nil
}

// Stop shuts everything down and closes the store.
func (o *Orchestrator) Stop() error {
	o.log.Info("Stopping warden")
	if o.cancel != nil {
		o.cancel()
	}
	o.scheduler.Stop()
	_ = o.gateway.Shutdown()
	o.wg.Wait()
	err := o.store.Close()
	o.log.Info("warden stopped")
	return err
}

// Close releases the store without starting anything. CLI commands that
// only read or make a single change use it instead of Stop.
func (o *Orchestrator) Close() error {
	return o.store.Close()
}

// Wait waits for the gateway and watcher to return.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Store returns the store.
func (o *Orchestrator) Store() *store.Store { return o.store }

// Monitor returns the CLI health monitor.
func (o *Orchestrator) Monitor() *health.Monitor { return o.monitor }

// Approval returns the decision service.
func (o *Orchestrator) Approval() *approval.Service { return o.approval }

// Scheduler returns the scheduler.
func (o *Orchestrator) Scheduler() *scheduler.Scheduler { return o.scheduler }

// Runner returns the pipeline runner.
func (o *Orchestrator) Runner() *executor.Runner { return o.runner }

// Gateway returns the HTTP gateway.
func (o *Orchestrator) Gateway() *gateway.Server { return o.gateway }

// Prompts returns the agent prompt provider.
func (o *Orchestrator) Prompts() *prompts.Provider { return o.prompts }

func remoteKey(cfg *config.Config) string {
	if cfg.Remote == nil {
		return ""
	}
	return cfg.Remote.APIKey
}

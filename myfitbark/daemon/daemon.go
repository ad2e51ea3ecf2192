package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/kardianos/service"

	"github.com/asnowfix/myfitbark/hlog"
	"github.com/asnowfix/myfitbark/internal/global"
	"github.com/asnowfix/myfitbark/internal/myfitbark"
	"github.com/asnowfix/myfitbark/myfitbark/app"
	myhttp "github.com/asnowfix/myfitbark/myfitbark/http"
	"github.com/asnowfix/myfitbark/myfitbark/options"
	"github.com/asnowfix/myfitbark/myfitbark/scheduler"
)

type daemon struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan error
}

func load(ctx context.Context) (service.Service, service.Logger, error) {
	log, err := logr.FromContext(ctx)
	if err != nil {
		return nil, nil, err
	}

	config := service.Config{
		Name:        "myfitbark",
		DisplayName: "MyFitBark",
		Description: "MyFitBark Daemon, mirroring FitBark dogs activity to the home automation hub",
		Arguments:   []string{"daemon", "run"},
	}
	if options.Flags.Config != "" {
		config.Arguments = append(config.Arguments, "--config", options.Flags.Config)
	}

	s, err := service.New(NewDaemon(ctx), &config)
	if err != nil {
		log.Error(err, "Failed to create (background) service")
		return nil, nil, err
	}
	logger, err := s.Logger(nil)
	if err != nil {
		log.Error(err, "Failed to create (background) service")
		return nil, nil, err
	}
	return s, logger, nil
}

func NewDaemon(ctx context.Context) *daemon {
	ctx, cancel := context.WithCancel(ctx)
	return &daemon{
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan error, 1),
	}
}

func (d *daemon) Start(s service.Service) error {
	// Start should not block. Do the actual work async.
	go func() {
		d.done <- d.Run()
	}()
	return nil
}

func (d *daemon) Stop(s service.Service) error {
	d.cancel()
	select {
	case err := <-d.done:
		return err
	case <-time.After(10 * time.Second):
		return fmt.Errorf("daemon did not stop in time")
	}
}

func (d *daemon) Run() error {
	log := logr.FromContextOrDiscard(d.ctx).WithName("daemon")
	// Whatever the reason Run returns, the service is done
	defer d.cancel()

	cfg, err := options.Load(options.ViperConfig)
	if err != nil {
		log.Error(err, "Invalid configuration")
		return err
	}
	log.Info("Starting MyFitBark daemon", "version", global.Version(d.ctx), "poll_interval", cfg.PollInterval.String(), "callback_url", cfg.CallbackURL)

	a, err := app.New(d.ctx, log, cfg, options.Flags.MqttTimeout)
	if err != nil {
		log.Error(err, "Failed to initialize")
		return err
	}
	defer a.Close()

	server := myhttp.NewServer(log, a.Flow, a.Devices, a.Discovery)
	if err := myhttp.Start(d.ctx, log.WithName("http"), cfg.HttpPort, server); err != nil {
		log.Error(err, "Failed to start HTTP server", "port", cfg.HttpPort)
		return err
	}
	if cfg.MdnsPublish {
		if err := myhttp.Advertise(d.ctx, log.WithName("mdns"), "", cfg.HttpPort, global.Version(d.ctx)); err != nil {
			log.Error(err, "Continuing without mDNS advertisement")
		}
	} else {
		log.Info("mDNS advertisement disabled")
	}

	sched := scheduler.New(d.ctx, log)
	defer sched.Stop()

	sched.Once("initial-sync", time.Now(), job(log, "initial sync", a.Sync.SyncAll))
	sched.Every("poll", cfg.PollInterval.Duration(), job(log, "poll", a.Sync.PollAll))
	sched.Daily("goals", cfg.GoalRefreshAt, job(log, "goal refresh", a.Sync.RefreshGoalsAll))
	sched.Daily("stats", cfg.StatsRefreshAt, job(log, "peer stats refresh", a.Sync.RefreshStatsAll))
	log.Info("Running", "goal_refresh_at", cfg.GoalRefreshAt.String(), "stats_refresh_at", cfg.StatsRefreshAt.String())

	<-d.ctx.Done()
	log.Info("Shutting down")
	return nil
}

// job adapts an engine operation to the scheduler. Nothing is polled until the account
// is authorized.
func job(log logr.Logger, what string, fn func(context.Context) error) scheduler.Job {
	return func(ctx context.Context) {
		err := fn(ctx)
		switch {
		case err == nil:
			log.V(1).Info("Job done", "job", what)
		case errors.Is(err, myfitbark.ErrUnauthorized):
			log.V(1).Info("Not authorized, skipping", "job", what)
		default:
			hlog.ErrorIfNotCanceled(log, err, "Job failed", "job", what)
		}
	}
}

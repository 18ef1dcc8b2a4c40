package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"taskd/internal/api"
	"taskd/internal/config"
	"taskd/internal/eventbus"
	"taskd/internal/monitor"
	"taskd/internal/ops"
	"taskd/internal/runtime/supervisor"
	"taskd/internal/scheduler"
	"taskd/internal/storage"
	logx "taskd/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./taskd.yaml", "path to config file (yaml or json)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	defer logSvc.Close()
	mgr.SetLogger(log.With(logx.String("component", "config")))

	storeCfg, err := storageConfig(cfg)
	if err != nil {
		return err
	}
	store, err := storage.Open(storeCfg, log.With(logx.String("component", "storage")))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	monCfg, err := monitorConfig(cfg)
	if err != nil {
		return err
	}
	mon := monitor.New(monCfg, monitor.NewHostSampler(), log.With(logx.String("component", "monitor")))

	reg := scheduler.NewRegistry()
	if err := ops.RegisterBuiltin(reg); err != nil {
		return err
	}

	schedCfg, err := schedulerConfig(cfg)
	if err != nil {
		return err
	}
	bus := eventbus.New()
	sched := scheduler.New(schedCfg, store, mon, bus, reg, log)

	specs, err := scheduleSpecs(cfg)
	if err != nil {
		return err
	}
	for _, spec := range specs {
		if err := sched.AddSchedule(spec); err != nil {
			return err
		}
	}

	if err := sched.Start(ctx); err != nil {
		return err
	}

	sup := supervisor.New(ctx, supervisor.WithLogger(log))
	sup.GoRestart("config.watch", mgr.Watch)
	sup.Go0("config.apply", func(ctx context.Context) {
		applyLoop(ctx, mgr, logSvc, mon, sched, log)
	})

	events := eventbus.NewRecorder(bus, 0)
	sup.GoRestart("events.record", events.Run)

	if cfg.API.Enabled {
		apiCfg, err := apiConfig(cfg)
		if err != nil {
			return err
		}
		srv := api.NewServer(apiCfg, sched, events, log)
		sup.GoRestart("api.serve", srv.Run)
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	log.Info("taskd ready", logx.String("config", cfgPath))

	<-ctx.Done()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	shctx, shcancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shcancel()
	if err := sched.Stop(shctx); err != nil {
		log.Warn("scheduler stop", logx.Err(err))
	}
	if err := sup.Stop(shctx); err != nil {
		log.Warn("shutdown", logx.Err(err))
	}
	return nil
}

// applyLoop pushes validated config updates into the running components.
func applyLoop(ctx context.Context, mgr *config.Manager, logSvc *logx.Service, mon *monitor.Monitor, sched *scheduler.Scheduler, log logx.Logger) {
	updates := mgr.Subscribe(4)
	defer mgr.Unsubscribe(updates)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-updates:
			if !ok {
				return
			}
			logSvc.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			if monCfg, err := monitorConfig(cfg); err == nil {
				mon.Apply(monCfg)
			}
			if schedCfg, err := schedulerConfig(cfg); err == nil {
				sched.Apply(schedCfg)
			}
			if specs, err := scheduleSpecs(cfg); err == nil {
				if err := sched.ReplaceSchedules(specs); err != nil {
					log.Warn("schedule reload", logx.Err(err))
				}
			}
			// Storage and API changes need a restart; validation already
			// warned if they changed.
		}
	}
}

func storageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, nil
}

func monitorConfig(cfg *config.Config) (monitor.Config, error) {
	interval, err := config.ParseDurationField("monitor.sample_interval", cfg.Monitor.SampleInterval)
	if err != nil {
		return monitor.Config{}, err
	}
	return monitor.Config{
		SampleInterval:  interval,
		CPUThresholdPct: cfg.Monitor.CPUThresholdPct,
		MemThresholdPct: cfg.Monitor.MemThresholdPct,
	}, nil
}

func schedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	timeout, err := config.ParseDurationField("scheduler.default_timeout", cfg.Scheduler.DefaultTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		MinWorkers:        cfg.Scheduler.MinWorkers,
		MaxWorkers:        cfg.Scheduler.MaxWorkers,
		BacklogFactor:     cfg.Scheduler.BacklogFactor,
		DefaultTimeout:    timeout,
		DefaultMaxRetries: cfg.Scheduler.DefaultMaxRetries,
		IdleDownTicks:     cfg.Scheduler.IdleDownTicks,
		SnapshotEvery:     cfg.Scheduler.SnapshotEvery,
	}, nil
}

func apiConfig(cfg *config.Config) (api.Config, error) {
	read, err := config.ParseDurationField("api.read_timeout", cfg.API.ReadTimeout)
	if err != nil {
		return api.Config{}, err
	}
	write, err := config.ParseDurationField("api.write_timeout", cfg.API.WriteTimeout)
	if err != nil {
		return api.Config{}, err
	}
	idle, err := config.ParseDurationField("api.idle_timeout", cfg.API.IdleTimeout)
	if err != nil {
		return api.Config{}, err
	}
	return api.Config{
		Addr:             cfg.API.Addr,
		Token:            cfg.API.Token,
		SubmitRatePerSec: cfg.API.SubmitRatePerSec,
		SubmitBurst:      cfg.API.SubmitBurst,
		ReadTimeout:      read,
		WriteTimeout:     write,
		IdleTimeout:      idle,
	}, nil
}

func scheduleSpecs(cfg *config.Config) ([]scheduler.ScheduleSpec, error) {
	specs := make([]scheduler.ScheduleSpec, 0, len(cfg.Schedules))
	for _, sc := range cfg.Schedules {
		timeout, err := config.ParseDurationField("schedules."+sc.Name+".timeout", sc.Timeout)
		if err != nil {
			return nil, err
		}
		specs = append(specs, scheduler.ScheduleSpec{
			Name:       sc.Name,
			Cron:       sc.Cron,
			Operation:  sc.Operation,
			Args:       sc.Args,
			Priority:   sc.Priority,
			Timeout:    timeout,
			MaxRetries: sc.MaxRetries,
		})
	}
	return specs, nil
}

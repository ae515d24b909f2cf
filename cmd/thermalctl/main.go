package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codeberg.org/mutker/thermalctl/internal/alert"
	"codeberg.org/mutker/thermalctl/internal/api"
	"codeberg.org/mutker/thermalctl/internal/config"
	"codeberg.org/mutker/thermalctl/internal/control"
	"codeberg.org/mutker/thermalctl/internal/fan"
	"codeberg.org/mutker/thermalctl/internal/gpu"
	"codeberg.org/mutker/thermalctl/internal/logger"
	"codeberg.org/mutker/thermalctl/internal/metrics"
	"codeberg.org/mutker/thermalctl/internal/monitor"
	"codeberg.org/mutker/thermalctl/internal/notify"
	"codeberg.org/mutker/thermalctl/internal/pidfile"
	"codeberg.org/mutker/thermalctl/internal/telemetry"
	"github.com/nats-io/nats.go"
)

const shutdownTimeout = 10 * time.Second

var (
	cfg *config.Config
	log logger.Logger
)

type app struct {
	source   telemetry.Source
	fans     *fan.Engine
	control  *control.Supervisor
	alerts   *alert.Engine
	monitor  *monitor.Supervisor
	recorder metrics.Recorder
	server   *api.Server
	nc       *nats.Conn
}

func init() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.LogLevel, logger.IsService()); err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	log = logger.Default()
	log.Debug().Str("file", cfg.ConfigFile()).Msg("Config loaded")
}

func main() {
	pidPath := pidfile.DefaultPath()
	if err := pidfile.Write(pidPath); err != nil {
		logger.Fatal().Err(err).Msg("failed to write PID file")
	}
	defer func() {
		if err := pidfile.Remove(pidPath); err != nil {
			log.Error().Err(err).Msg("failed to remove PID file")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	a, err := build(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize")
		return
	}
	defer a.cleanup()

	if err := a.run(ctx); err != nil {
		log.Error().Err(err).Msg("error in main loop")
	}
}

func build(ctx context.Context) (*app, error) {
	a := &app{}

	if cfg.Simulate {
		log.Info().Msg("Using simulated telemetry source")
		a.source = telemetry.NewSimulator(telemetry.DefaultSimulatorConfig())
	} else {
		src, err := gpu.New(log, gpu.DefaultNominalRPM)
		if err != nil {
			return nil, err
		}
		a.source = src
	}

	poll := time.Duration(cfg.Fans.PollIntervalSeconds) * time.Second
	a.fans = fan.NewEngine(a.source,
		fan.WithLogger(log),
		fan.WithSettleDelay(time.Duration(cfg.Fans.SettleDelayMs)*time.Millisecond),
		fan.WithHistoryCap(fan.HistoryCapFor(cfg.DataRetention(), poll)),
	)

	if src, ok := a.source.(*gpu.Source); ok {
		n, err := a.fans.ConfigureLimits(ctx, func(id string) (float64, float64, error) {
			l, err := src.FanSpeedLimits(id)
			return float64(l.Min), float64(l.Max), err
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to apply driver fan speed limits")
		} else {
			log.Debug().Int("fans", n).Msg("Driver fan speed limits applied")
		}
	}

	var err error
	a.control, err = control.NewSupervisor(a.source, a.fans, control.SettingsFromConfig(cfg.Control),
		control.WithLogger(log),
		control.WithPerformanceInterval(time.Duration(cfg.Control.PerformanceIntervalSeconds)*time.Second),
	)
	if err != nil {
		_ = a.source.Close()
		return nil, err
	}

	dispatcher := notify.NewDispatcher(notify.WithLogger(log))
	dispatcher.Register(alert.ChannelWebhook,
		notify.NewWebhookSender(time.Duration(cfg.Alerts.WebhookTimeoutSeconds)*time.Second))
	if cfg.Alerts.NATSURL != "" {
		nc, err := notify.Connect(cfg.Alerts.NATSURL, log)
		if err != nil {
			log.Warn().Err(err).Msg("Chat notifications disabled")
		} else {
			a.nc = nc
			dispatcher.Register(alert.ChannelChat, notify.NewChatSender(nc))
		}
	}

	a.alerts = alert.NewEngine(
		alert.WithLogger(log),
		alert.WithNotifier(dispatcher),
		alert.WithMaxHistory(cfg.Alerts.MaxHistory),
		alert.WithRetention(cfg.AlertRetention()),
		alert.WithIntervals(
			time.Duration(cfg.Alerts.CheckIntervalSeconds)*time.Second,
			time.Duration(cfg.Alerts.CleanupIntervalSeconds)*time.Second,
		),
	)
	if cfg.Alerts.DefaultRules {
		n := a.alerts.InstallDefaultRules()
		log.Debug().Int("rules", n).Msg("Default alert rules installed")
	}

	a.recorder, err = metrics.NewService(metrics.Config{
		DBPath:       cfg.Metrics.DBPath,
		Enabled:      cfg.Metrics.Enabled,
		BatchSize:    cfg.Metrics.BatchSize,
		BatchTimeout: time.Duration(cfg.Metrics.BatchTimeout) * time.Second,
	}, log)
	if err != nil {
		a.cleanup()
		return nil, err
	}

	a.monitor = monitor.NewSupervisor(a.source, a.fans,
		monitor.WithLogger(log),
		monitor.WithIntervals(monitor.IntervalsFromConfig(cfg.Monitoring)),
		monitor.WithRetention(cfg.DataRetention()),
		monitor.WithAlerts(a.alerts),
		monitor.WithControl(a.control),
		monitor.WithRecorder(a.recorder),
	)

	a.server = api.NewServer(ctx, cfg.API.Addr, api.Deps{
		Fans:     a.fans,
		Control:  a.control,
		Alerts:   a.alerts,
		Monitor:  a.monitor,
		Recorder: a.recorder,
	}, log)

	return a, nil
}

func (a *app) run(ctx context.Context) error {
	if err := a.alerts.Start(ctx); err != nil {
		return err
	}
	if err := a.monitor.Start(ctx); err != nil {
		return err
	}
	if err := a.monitor.TriggerDataCollection(ctx); err != nil {
		log.Warn().Err(err).Msg("Initial data collection incomplete")
	}
	if err := a.control.StartAutoControl(ctx); err != nil {
		return err
	}

	if cfg.ConfigFile() != "" {
		if err := cfg.Watch(ctx, a.reload, func(err error) {
			log.Warn().Err(err).Msg("Ignoring invalid configuration change")
		}); err != nil {
			log.Warn().Err(err).Msg("Config watch disabled")
		}
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- a.server.Start()
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return a.server.Shutdown(shutdownCtx)
}

// reload applies a changed configuration file to the running engines.
func (a *app) reload(next *config.Config) {
	if lvl, err := logger.ParseLevel(next.LogLevel); err == nil {
		logger.SetLogLevel(lvl)
	}

	if err := a.control.UpdateSettings(control.SettingsFromConfig(next.Control)); err != nil {
		log.Error().Err(err).Msg("failed to apply control settings")
	}

	intervals := monitor.IntervalsFromConfig(next.Monitoring)
	if err := a.monitor.RestartMonitoringTasks(&intervals); err != nil {
		log.Error().Err(err).Msg("failed to restart monitoring tasks")
	}

	log.Info().Msg("Configuration reloaded")
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	log.Info().Msg("Received termination signal.")
	cancel()
}

// cleanup stops the engines in reverse start order and hands fan control
// back to the hardware.
func (a *app) cleanup() {
	if a.monitor != nil {
		a.monitor.Stop()
	}
	if a.alerts != nil {
		a.alerts.Stop()
	}
	if a.control != nil {
		a.control.Shutdown()
	}
	if a.recorder != nil {
		if err := a.recorder.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close metrics recorder")
		}
	}
	if a.nc != nil {
		a.nc.Close()
	}
	if a.source != nil {
		if err := a.source.Close(); err != nil {
			log.Error().Err(err).Msg("failed to release telemetry source")
		}
	}
	log.Info().Msg("Exiting...")
}

// Overseer - multi-server RCON administration daemon.
//
// Overseer connects to every configured game server over its remote
// console, tails the server logs, turns both into game events and routes
// them through the command and plugin pipeline. The process runs inside
// a restart loop: a restart request stops every component, reloads the
// configuration and builds everything again.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/overseer-project/overseer/internal/api"
	"github.com/overseer-project/overseer/internal/cli"
	"github.com/overseer-project/overseer/internal/commands"
	"github.com/overseer-project/overseer/internal/config"
	"github.com/overseer-project/overseer/internal/connector"
	"github.com/overseer-project/overseer/internal/db"
	"github.com/overseer-project/overseer/internal/events"
	"github.com/overseer-project/overseer/internal/plugins"
	"github.com/overseer-project/overseer/internal/scheduler"
	"github.com/overseer-project/overseer/internal/server"
	"github.com/overseer-project/overseer/internal/telemetry"
	"github.com/overseer-project/overseer/internal/util"
)

const (
	AppName    = "Overseer"
	AppVersion = "1.0.0"
	Banner     = `
   ___
  / _ \__   _____ _ __ ___  ___  ___ _ __
 | | | \ \ / / _ \ '__/ __|/ _ \/ _ \ '__|
 | |_| |\ V /  __/ |  \__ \  __/  __/ |
  \___/  \_/ \___|_|  |___/\___|\___|_|   v%s
 Multi-server RCON administration
`
)

// taskWait bounds how long the auxiliary tasks get to stop.
const taskWait = 10 * time.Second

func main() {
	configDir := flag.String("config", config.DefaultConfigDir, "configuration directory")
	setup := flag.Bool("setup", false, "run the setup wizard before starting")
	flag.Parse()

	fmt.Printf(Banner, AppVersion)
	fmt.Println()

	closer, err := util.InitLogger(util.DefaultLogConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting Overseer")

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	rootCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// The console outlives restarts; it always talks to the current manager.
	active := &activeManager{}
	consoleStarted := false
	runSetup := *setup

	for {
		cfg, err := loadConfig(*configDir, runSetup)
		runSetup = false
		if err != nil {
			log.Error().Err(err).Msg("configuration rejected")
			closer.Close()
			os.Exit(1)
		}

		closer = reconfigureLogger(cfg, closer)

		if cfg.Console.Enabled && !consoleStarted {
			consoleStarted = true
			go func() {
				console := cli.NewConsole(active, os.Stdin, os.Stdout)
				if err := console.Run(rootCtx); err != nil {
					log.Warn().Err(err).Msg("console stopped")
				}
			}()
		}

		restart, err := runOnce(rootCtx, cfg, active)
		if err != nil {
			log.Error().Err(err).Msg("overseer failed")
			closer.Close()
			os.Exit(1)
		}
		if !restart || rootCtx.Err() != nil {
			break
		}
		log.Info().Msg("restarting with a fresh configuration")
	}

	log.Info().Msg("Overseer stopped")
	closer.Close()
}

// loadConfig loads and validates the configuration, launching the setup
// wizard on first run or when asked to.
func loadConfig(dir string, forceSetup bool) (*config.Config, error) {
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, err
	}

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if validation.IsValid() && !forceSetup {
		return cfg, nil
	}

	for _, e := range validation.Errors {
		log.Error().Str("field", e.Field).Msg(e.Message)
	}
	if forceSetup || cfg.IsFirstRun() {
		log.Info().Msg("launching setup wizard")
		if err := config.RunSetupWizard(cfg, os.Stdin, os.Stdout); err != nil {
			return nil, fmt.Errorf("setup wizard: %w", err)
		}
		return cfg, nil
	}
	return nil, validation.Err()
}

func reconfigureLogger(cfg *config.Config, previous io.Closer) io.Closer {
	closer, err := util.InitLogger(util.LogConfig{
		Level:      cfg.Logging.Level,
		Directory:  cfg.Logging.Directory,
		MaxBackups: cfg.Logging.MaxBackups,
		Console:    true,
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, keeping the current one")
		return previous
	}
	previous.Close()
	return closer
}

// runOnce builds every component from cfg, runs until a shutdown or restart
// is requested, and tears everything down. It reports whether a restart
// was requested.
func runOnce(rootCtx context.Context, cfg *config.Config, active *activeManager) (bool, error) {
	store, err := db.OpenStore(cfg.Database.Path)
	if err != nil {
		return false, err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close database")
		}
	}()

	mgr := server.NewManager(cfg)

	var hub *api.Hub
	if cfg.API.Enabled {
		hub = api.NewHub()
	}

	var mqttHandler *telemetry.MQTTHandler
	if cfg.MQTT.Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(cfg.MQTT, AppVersion)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
			mqttHandler = nil
		}
	}

	handlers := []events.Handler{
		plugins.NewEnforcer(store),
		commands.NewDefaultRegistry(cfg.Console.CommandPrefix, commands.Deps{
			Store:   store,
			Control: mgr,
		}),
	}
	if hub != nil {
		handlers = append(handlers, hub)
	}
	if mqttHandler != nil {
		handlers = append(handlers, mqttHandler)
	}
	for _, h := range handlers {
		if err := mgr.Register(h); err != nil {
			return false, err
		}
	}

	ctx, cancel := context.WithCancel(rootCtx)
	defer cancel()

	if err := mgr.Start(ctx); err != nil {
		return false, fmt.Errorf("start manager: %w", err)
	}
	active.set(mgr)
	defer active.set(nil)

	var wg sync.WaitGroup

	if cfg.Master.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := connector.NewVersionClient(cfg.Master.URL,
				time.Duration(cfg.Master.TimeoutSec)*time.Second, AppVersion)
			client.Check(ctx)
		}()
	}

	sweep := time.Duration(cfg.Maintenance.PenaltySweepMin) * time.Minute
	jobs := []scheduler.Job{scheduler.PenaltySweep(store, sweep)}

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg.API, mgr, hub, AppVersion)
		jobs = append(jobs, apiServer.PruneJob(time.Minute))
	}

	sched := scheduler.NewScheduler(jobs...)
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Msg("starting task scheduler")
		sched.Start(ctx)
	}()

	if apiServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Str("listen", cfg.API.Listen).Msg("starting REST API server")
			if err := apiServer.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("API server stopped (non-fatal)")
			}
		}()
	}

	if mqttHandler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting MQTT telemetry")
			if err := mqttHandler.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		}()
	}

	select {
	case <-rootCtx.Done():
		log.Info().Msg("received shutdown signal")
	case <-mgr.Done():
		log.Info().Bool("restart", mgr.RestartRequested()).Msg("shutdown requested")
	}

	// Stop the manager first so queued events still reach the handlers.
	if err := mgr.Stop(); err != nil && !errors.Is(err, server.ErrNotRunning) {
		log.Warn().Err(err).Msg("manager stop failed")
	}
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(taskWait):
		log.Warn().Dur("wait", taskWait).Msg("tasks did not stop in time, continuing")
	}

	return mgr.RestartRequested(), nil
}

// activeManager routes console commands to whichever manager is running.
type activeManager struct {
	mgr atomic.Pointer[server.Manager]
}

func (a *activeManager) set(m *server.Manager) { a.mgr.Store(m) }

func (a *activeManager) Execute(ctx context.Context, serverID, line string) (*events.GameEvent, error) {
	m := a.mgr.Load()
	if m == nil {
		return nil, server.ErrNotRunning
	}
	return m.Execute(ctx, serverID, line)
}

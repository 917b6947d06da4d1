package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/barkeep-io/barkeep/internal/authz"
	"github.com/barkeep-io/barkeep/internal/config"
	"github.com/barkeep-io/barkeep/internal/db"
	"github.com/barkeep-io/barkeep/internal/events"
	"github.com/barkeep-io/barkeep/internal/index"
	"github.com/barkeep-io/barkeep/internal/indexer"
	"github.com/barkeep-io/barkeep/internal/jobs"
	"github.com/barkeep-io/barkeep/internal/metrics"
	"github.com/barkeep-io/barkeep/internal/monitor"
	"github.com/barkeep-io/barkeep/internal/pairing"
	"github.com/barkeep-io/barkeep/internal/persistence"
	"github.com/barkeep-io/barkeep/internal/runner"
	"github.com/barkeep-io/barkeep/internal/scheduler"
	"github.com/barkeep-io/barkeep/internal/server"
	"github.com/barkeep-io/barkeep/internal/slaves"
	"github.com/barkeep-io/barkeep/internal/storage"
	"github.com/barkeep-io/barkeep/internal/trigger"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type flags struct {
	configFile string
	mode       string
	port       int
	tlsPort    int
	jobsDir    string
	indexDSN   string
	secretKey  string
	logLevel   string
	batch      bool
	password   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &flags{}

	root := &cobra.Command{
		Use:   "barkeepd",
		Short: "barkeep server — backup archiver daemon",
		Long: `barkeep server is the long-running daemon of the barkeep backup system.
It accepts client connections, executes backup and restore jobs (locally
or on paired slave servers), enforces retention policies, and maintains
the archive index.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), f)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&f.configFile, "config", envOrDefault("BARKEEP_CONFIG", "./barkeep.yaml"), "Global config file")
	root.PersistentFlags().StringVar(&f.mode, "mode", envOrDefault("BARKEEP_MODE", ""), "Server mode (master or slave); overrides the config file")
	root.PersistentFlags().IntVar(&f.port, "port", 0, "Protocol listen port; overrides the config file")
	root.PersistentFlags().IntVar(&f.tlsPort, "tls-port", 0, "TLS protocol listen port; overrides the config file")
	root.PersistentFlags().StringVar(&f.jobsDir, "jobs-directory", "", "Jobs directory; overrides the config file")
	root.PersistentFlags().StringVar(&f.indexDSN, "index-database", "", "Index database file; overrides the config file")
	root.PersistentFlags().StringVar(&f.secretKey, "secret-key", envOrDefault("BARKEEP_SECRET_KEY", ""), "Key for encrypting secrets in the config file (required)")
	root.PersistentFlags().StringVar(&f.logLevel, "log-level", envOrDefault("BARKEEP_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&f.batch, "batch", false, "Serve one batch session on stdio instead of listening")
	root.PersistentFlags().StringVar(&f.password, "password", envOrDefault("BARKEEP_PASSWORD", ""), "Set the server password hash in the config file and exit")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("barkeepd %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, f *flags) error {
	logger, err := buildLogger(f.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if f.secretKey == "" {
		return fmt.Errorf("secret key is required — set --secret-key or BARKEEP_SECRET_KEY")
	}
	keyBytes := make([]byte, 32)
	copy(keyBytes, []byte(f.secretKey))
	if err := config.InitEncryption(keyBytes); err != nil {
		return fmt.Errorf("failed to initialize encryption: %w", err)
	}

	// --- Global config ---
	cfg, err := config.Load(f.configFile)
	if err != nil {
		return err
	}
	applyFlags(cfg, f)
	if err := ensureIdentity(cfg); err != nil {
		return err
	}

	if f.password != "" {
		hash, err := authz.HashPassword(f.password)
		if err != nil {
			return fmt.Errorf("failed to hash password: %w", err)
		}
		cfg.Update(func(o *config.Options) { o.PasswordHash = hash })
		if err := cfg.Flush(); err != nil {
			return err
		}
		logger.Info("server password updated", zap.String("config", f.configFile))
		return nil
	}

	opts := cfg.Get()
	logger.Info("starting barkeep server",
		zap.String("version", version),
		zap.String("mode", string(opts.Mode)),
		zap.Int("port", opts.Port),
		zap.String("jobs_directory", opts.JobsDirectory),
	)

	// --- Signal handling + quit flag ---
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	quit := &trigger.QuitFlag{}
	clock := clockwork.NewRealClock()

	// --- Index database ---
	var ix *index.Index
	if opts.IndexDSN != "" {
		gormDB, err := db.New(db.Config{
			DSN:      opts.IndexDSN,
			Logger:   logger,
			LogLevel: gormLogLevel(f.logLevel),
		})
		if err != nil {
			return fmt.Errorf("failed to open index database: %w", err)
		}
		sqlDB, err := gormDB.DB()
		if err != nil {
			return fmt.Errorf("failed to get sql.DB: %w", err)
		}
		defer sqlDB.Close()
		ix = index.New(gormDB, logger)
	} else {
		logger.Warn("no index database configured — index commands disabled")
	}

	// --- Core state ---
	list := jobs.NewList()
	store := config.NewStore(opts.JobsDirectory, logger)
	pause := &jobs.PauseFlags{}
	agg := index.NewAggregateCache()
	promReg := prometheus.NewRegistry()
	met := metrics.New(promReg)
	hub := events.NewHub()
	go hub.Run(ctx.Done())

	reg := storage.NewRegistry()
	archiver := &storage.TarArchiver{Registry: reg}

	// Initial job load.
	if list.Lock(jobs.LockTimeout) {
		if err := store.Rescan(list); err != nil {
			logger.Error("initial jobs scan failed", zap.Error(err))
		}
		list.Unlock()
	}

	// --- Components ---
	authReg := authz.New(clock, logger)
	sched := scheduler.New(list, store, nil, clock, logger)
	slaveReg := slaves.NewRegistry(list, cfg, logger)
	persist := persistence.New(list, ix, reg, storage.ExecMounter{}, nil, hub, met, clock, logger)
	updateWorker := indexer.NewUpdateWorker(list, cfg, ix, reg, archiver, pause, met, clock, logger)
	autoWorker := indexer.NewAutoWorker(list, cfg, ix, reg, pause, clock, logger)

	jobRunner := runner.New(runner.Deps{
		List:     list,
		Store:    store,
		Config:   cfg,
		Index:    ix,
		Agg:      agg,
		Archiver: archiver,
		Slaves:   slaveReg,
		Pause:    pause,
		Hub:      hub,
		Metrics:  met,
		Clock:     clock,
		Logger:    logger,
		ExpireNow: persist.RequestImmediate,
	})

	srv, err := server.New(server.Deps{
		Config:    cfg,
		List:      list,
		Store:     store,
		Authz:     authReg,
		Scheduler: sched,
		Slaves:    slaveReg,
		Persist:   persist,
		Index:     ix,
		Agg:       agg,
		Registry:  reg,
		Archiver:  archiver,
		Pause:     pause,
		Hub:       hub,
		Metrics:   met,
		Clock:     clock,
		Logger:    logger,
		Quit:      quit,
		RequestQuit: func() {
			cancel()
		},
		IndexUpdateTrigger: updateWorker.Trigger,
	})
	if err != nil {
		return err
	}

	pair := pairing.New(cfg, srv, clock, logger)
	srv.Pairing = pair

	// --- Background threads ---
	var wg sync.WaitGroup
	start := func(name string, fn func(*trigger.QuitFlag)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(quit)
		}()
		logger.Debug("thread started", zap.String("thread", name))
	}

	start("runner", jobRunner.Run)
	start("scheduler", sched.Run)
	start("persistence", persist.Run)
	start("indexUpdate", updateWorker.Run)
	start("autoIndex", autoWorker.Run)
	if opts.Mode == config.ModeMaster {
		start("slaves", slaveReg.Run)
	} else {
		start("pairing", pair.Run)
	}

	// --- Monitoring listener ---
	if opts.MonitorAddr != "" {
		mon := monitor.New(hub, promReg, logger)
		go func() {
			if err := mon.ListenAndServe(ctx, opts.MonitorAddr); err != nil {
				logger.Error("monitor listener error", zap.Error(err))
			}
		}()
	}

	// --- Serve ---
	if f.batch {
		srv.RunBatch(stdio{})
		cancel()
	} else {
		go func() {
			if err := srv.ListenAndServe(); err != nil {
				logger.Error("listener error", zap.Error(err))
				cancel()
			}
		}()
		<-ctx.Done()
	}

	logger.Info("shutting down barkeep server")
	quit.Set()
	// Wake every sleeper so loops observe the quit flag promptly.
	sched.Trigger.Signal()
	slaveReg.Trigger.Signal()
	persist.Trigger.Signal()
	updateWorker.Trigger.Signal()
	autoWorker.Trigger.Signal()
	pair.Trigger.Signal()
	if list.Lock(jobs.LockTimeout) {
		list.NotifyModified()
		list.Unlock()
	}

	wg.Wait()

	// Flush modified jobs on the way out.
	if list.Lock(jobs.LockTimeout) {
		store.FlushModified(list)
		list.Unlock()
	}

	logger.Info("barkeep server stopped")
	return nil
}

// applyFlags overlays command-line flags onto the loaded config.
func applyFlags(cfg *config.Config, f *flags) {
	cfg.Update(func(o *config.Options) {
		if f.mode != "" {
			o.Mode = config.ServerMode(f.mode)
		}
		if f.port != 0 {
			o.Port = f.port
		}
		if f.tlsPort != 0 {
			o.TLSPort = f.tlsPort
		}
		if f.jobsDir != "" {
			o.JobsDirectory = f.jobsDir
		}
		if f.indexDSN != "" {
			o.IndexDSN = f.indexDSN
		}
	})
}

// ensureIdentity generates the persistent server identity on first start.
func ensureIdentity(cfg *config.Config) error {
	changed := false
	cfg.Update(func(o *config.Options) {
		if o.MasterUUID == "" {
			o.MasterUUID = uuid.NewString()
			changed = true
		}
		if o.MachineID == "" {
			o.MachineID = uuid.NewString()
			changed = true
		}
	})
	if changed {
		return cfg.Flush()
	}
	return nil
}

// stdio adapts the process stdio to an io.ReadWriter for batch mode.
type stdio struct{}

func (stdio) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdio) Write(p []byte) (int, error) { return os.Stdout.Write(p) }

func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config
	if level == "debug" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

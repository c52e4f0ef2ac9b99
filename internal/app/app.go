package app

import (
	"os"
	"path/filepath"
	"time"
	_ "time/tzdata"

	"github.com/asaskevich/EventBus"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
	"gorm.io/gorm"

	"github.com/talkincode/wapair/config"
	"github.com/talkincode/wapair/internal/authstore"
	"github.com/talkincode/wapair/internal/metrics"
	"github.com/talkincode/wapair/internal/pairing"
	"github.com/talkincode/wapair/internal/render"
	"github.com/talkincode/wapair/internal/whatsapp"
)

type Application struct {
	appConfig *config.AppConfig
	gormDB    *gorm.DB
	sched     *cron.Cron
	bus       EventBus.Bus
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	history   *HistoryRecorder
	files     *authstore.Store
	pairing   *pairing.Coordinator

	connector pairing.Connector
	timings   *pairing.Timings
}

// Ensure Application implements all interfaces
var (
	_ DBProvider        = (*Application)(nil)
	_ ConfigProvider    = (*Application)(nil)
	_ SchedulerProvider = (*Application)(nil)
	_ PairingProvider   = (*Application)(nil)
	_ MetricsProvider   = (*Application)(nil)
	_ AppContext        = (*Application)(nil)
)

func NewApplication(appConfig *config.AppConfig) *Application {
	return &Application{appConfig: appConfig}
}

func (a *Application) Config() *config.AppConfig {
	return a.appConfig
}

// DB returns the history database, nil when none is configured.
func (a *Application) DB() *gorm.DB {
	return a.gormDB
}

// OverrideDB replaces the application's database handle (used in tests).
func (a *Application) OverrideDB(db *gorm.DB) {
	a.gormDB = db
}

// OverrideConnector replaces the whatsmeow connector. Must be called before Init.
func (a *Application) OverrideConnector(c pairing.Connector) {
	a.connector = c
}

// OverrideTimings replaces the pairing delays. Must be called before Init.
func (a *Application) OverrideTimings(t pairing.Timings) {
	a.timings = &t
}

func (a *Application) Pairing() *pairing.Coordinator {
	return a.pairing
}

func (a *Application) Bus() EventBus.Bus {
	return a.bus
}

func (a *Application) Files() *authstore.Store {
	return a.files
}

func (a *Application) MetricsRegistry() *prometheus.Registry {
	return a.registry
}

func (a *Application) Scheduler() *cron.Cron {
	return a.sched
}

func initLogger(cfg *config.AppConfig) {
	var zapConfig zap.Config
	if cfg.Logger.Mode == "production" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapConfig.OutputPaths = []string{"stdout"}

	var logger *zap.Logger
	if cfg.Logger.FileEnable {
		filename := cfg.Logger.Filename
		if filename == "" {
			filename = filepath.Join(cfg.GetLogDir(), "wapair.log")
		}
		lumberJackLogger := &lumberjack.Logger{
			Filename:   filename,
			MaxSize:    64,
			MaxBackups: 7,
			MaxAge:     7,
			Compress:   false,
		}
		core := zapcore.NewTee(
			zapcore.NewCore(
				zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
				zapcore.AddSync(lumberJackLogger),
				zapConfig.Level,
			),
			zapcore.NewCore(
				zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
				zapcore.AddSync(os.Stdout),
				zapConfig.Level,
			),
		)
		logger = zap.New(core, zap.AddCaller())
	} else {
		var err error
		logger, err = zapConfig.Build(zap.AddCaller())
		if err != nil {
			panic(err)
		}
	}
	zap.ReplaceGlobals(logger)
}

func (a *Application) Init(cfg *config.AppConfig) error {
	a.appConfig = cfg
	loc, err := time.LoadLocation(cfg.System.Location)
	if err != nil {
		zap.S().Error("timezone config error")
	} else {
		time.Local = loc
	}

	initLogger(cfg)

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.bus = EventBus.New()

	if cfg.HistoryEnabled() && a.gormDB == nil {
		db, err := getDatabase(cfg.Database)
		if err != nil {
			// history is optional, pairing keeps working without it
			zap.L().Error("history database unavailable", zap.Error(err))
		} else {
			a.gormDB = db
			zap.S().Infof("Database connection successful, type: %s", cfg.Database.Type)
		}
	}
	if a.gormDB != nil {
		if err := a.MigrateDB(false); err != nil {
			zap.S().Errorf("database migration failed: %v", err)
		}
		a.history = NewHistoryRecorder(a.gormDB)
		if err := a.bus.SubscribeAsync(pairing.TopicStatus, a.history.Record, true); err != nil {
			return errors.Wrap(err, "subscribe history recorder")
		}
	}

	a.files, err = authstore.New(cfg.GetSessionsDir())
	if err != nil {
		return err
	}
	if a.connector == nil {
		a.connector = whatsapp.NewConnector(a.files, cfg.Pairing.DisplayName)
	}
	engine, err := render.New()
	if err != nil {
		return err
	}
	timings := pairing.DefaultTimings()
	if cfg.Pairing.BoundedWait > 0 {
		timings.BoundedWait = cfg.Pairing.BoundedWait
	}
	if cfg.Pairing.Freshness > 0 {
		timings.Freshness = cfg.Pairing.Freshness
	}
	if cfg.Pairing.Horizon > 0 {
		timings.Horizon = cfg.Pairing.Horizon
	}
	if a.timings != nil {
		timings = *a.timings
	}
	a.pairing, err = pairing.New(pairing.Options{
		Connector: a.connector,
		Store:     a.files,
		Engine:    engine,
		Timings:   timings,
		Workers:   cfg.Pairing.Workers,
		NodeID:    cfg.Pairing.NodeID,
		Publisher: a.bus,
	})
	if err != nil {
		return err
	}

	a.metrics = metrics.New(a.registry, a.pairing.Len)
	if err := a.bus.Subscribe(pairing.TopicStatus, a.metrics.Observe); err != nil {
		return errors.Wrap(err, "subscribe metrics")
	}

	a.initJob()
	zap.L().Info("wapair initialized",
		zap.String("sessions_dir", a.files.Root()),
		zap.Bool("history", a.gormDB != nil))
	return nil
}

// Release releases application resources
func (a *Application) Release() {
	if a.sched != nil {
		<-a.sched.Stop().Done()
	}
	if a.pairing != nil {
		a.pairing.Close()
	}
	if a.bus != nil {
		a.bus.WaitAsync()
	}
	if a.gormDB != nil {
		if sqlDB, err := a.gormDB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	_ = zap.L().Sync()
}

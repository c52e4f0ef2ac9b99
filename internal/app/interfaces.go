package app

import (
	"github.com/asaskevich/EventBus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"github.com/talkincode/wapair/config"
	"github.com/talkincode/wapair/internal/authstore"
	"github.com/talkincode/wapair/internal/pairing"
)

// DBProvider provides database access
type DBProvider interface {
	DB() *gorm.DB
}

// ConfigProvider provides application configuration
type ConfigProvider interface {
	Config() *config.AppConfig
}

// SchedulerProvider provides task scheduling capability
type SchedulerProvider interface {
	Scheduler() *cron.Cron
}

// PairingProvider provides the pairing coordinator and its session files
type PairingProvider interface {
	Pairing() *pairing.Coordinator
	Files() *authstore.Store
	Bus() EventBus.Bus
}

// MetricsProvider provides the prometheus registry served on /metrics
type MetricsProvider interface {
	MetricsRegistry() *prometheus.Registry
}

// AppContext combines all provider interfaces for full application context
// Handlers should depend on specific providers or this combined interface
type AppContext interface {
	DBProvider
	ConfigProvider
	SchedulerProvider
	PairingProvider
	MetricsProvider

	MigrateDB(track bool) error
}

package app

import (
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/talkincode/wapair/internal/domain"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func (a *Application) initJob() {
	loc, err := time.LoadLocation(a.appConfig.System.Location)
	if err != nil {
		loc = time.Local
	}
	a.sched = cron.New(cron.WithLocation(loc), cron.WithParser(cronParser))

	schedule := a.appConfig.Pairing.SweepSchedule
	if schedule == "" {
		schedule = "@every 1m"
	}
	_, err = a.sched.AddFunc(schedule, a.SchedSweepSessions)
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	if a.gormDB != nil {
		_, err = a.sched.AddFunc("@daily", a.SchedPurgeHistory)
		if err != nil {
			zap.S().Errorf("init job error %s", err.Error())
		}
	}

	a.sched.Start()
}

// SchedSweepSessions evicts sessions older than the registry horizon.
func (a *Application) SchedSweepSessions() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()
	n := a.pairing.Sweep()
	if a.metrics != nil {
		a.metrics.Swept(n)
	}
}

// SchedPurgeHistory deletes pairing history older than the configured retention.
func (a *Application) SchedPurgeHistory() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()
	days := a.appConfig.Database.HistoryDays
	if days <= 0 {
		days = 90
	}
	res := a.gormDB.
		Where("updated_at < ?", time.Now().Add(-time.Hour*24*time.Duration(days))).
		Delete(&domain.PairingHistory{})
	if res.Error != nil {
		zap.L().Warn("purge pairing history failed", zap.Error(res.Error))
		return
	}
	if res.RowsAffected > 0 {
		zap.L().Info("purged pairing history", zap.Int64("rows", res.RowsAffected))
	}
}

package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/tablecall/internal/config"
	"github.com/MrWong99/tablecall/internal/store/postgres"
)

// retentionInterval is the period of the call record purge.
const retentionInterval = 24 * time.Hour

// runRetention purges call records older than [postgres.RetentionPeriod]
// once at startup and then daily, until ctx ends.
func (a *App) runRetention(ctx context.Context) error {
	a.purge(ctx)
	t := time.NewTicker(retentionInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			a.purge(ctx)
		}
	}
}

func (a *App) purge(ctx context.Context) {
	cutoff := time.Now().Add(-postgres.RetentionPeriod)
	n, err := a.store.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("retention purge failed", "err", err)
		}
		return
	}
	if n > 0 {
		slog.Info("retention purge", "deleted", n, "cutoff", cutoff.Format(time.DateOnly))
	}
}

// ApplyConfig applies the changes from old to new that take effect without a
// restart: the business directory and the log level. Calls in progress keep
// the profile they started with. It matches the callback signature of
// [config.NewWatcher].
func (a *App) ApplyConfig(ctx context.Context, old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(LevelOf(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}

	if d.BusinessesChanged() {
		profiles, err := new.Profiles()
		if err != nil {
			slog.Error("business reload rejected", "err", err)
		} else {
			a.businesses.Replace(profiles)
			slog.Info("businesses reloaded",
				"added", d.Added, "changed", d.Changed, "removed", d.Removed)
		}
	}

	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart", "sections", d.RestartRequired)
	}
}

// LevelOf maps a config log level to its slog level. Unset means info.
func LevelOf(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

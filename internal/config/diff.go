package config

import (
	"reflect"
	"slices"
)

// ConfigDiff lists the changes between two configs that can be applied
// without a restart. Everything else takes effect on the next start.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// Added, Changed and Removed hold business IDs, sorted.
	Added   []string
	Changed []string
	Removed []string

	// RestartRequired names changed sections that are only read at startup.
	RestartRequired []string
}

// BusinessesChanged reports whether any business was added, changed or
// removed.
func (d ConfigDiff) BusinessesChanged() bool {
	return len(d.Added)+len(d.Changed)+len(d.Removed) > 0
}

// Diff compares old and new.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff
	if old.Log.Level != new.Log.Level {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Log.Level
	}

	oldBiz := make(map[string]BusinessConfig, len(old.Businesses))
	for _, b := range old.Businesses {
		oldBiz[b.ID] = b
	}
	newBiz := make(map[string]BusinessConfig, len(new.Businesses))
	for _, b := range new.Businesses {
		newBiz[b.ID] = b
		prev, ok := oldBiz[b.ID]
		switch {
		case !ok:
			d.Added = append(d.Added, b.ID)
		case !reflect.DeepEqual(prev, b):
			d.Changed = append(d.Changed, b.ID)
		}
	}
	for id := range oldBiz {
		if _, ok := newBiz[id]; !ok {
			d.Removed = append(d.Removed, id)
		}
	}
	slices.Sort(d.Added)
	slices.Sort(d.Changed)
	slices.Sort(d.Removed)

	for name, same := range map[string]bool{
		"server":    reflect.DeepEqual(old.Server, new.Server),
		"providers": reflect.DeepEqual(old.Providers, new.Providers),
		"pipeline":  reflect.DeepEqual(old.Pipeline, new.Pipeline),
		"calls":     old.Calls == new.Calls,
		"ratelimit": old.RateLimit == new.RateLimit,
		"database":  old.Database == new.Database,
		"redis":     old.Redis == new.Redis,
		"followups": old.Followups == new.Followups,
		"knowledge": old.Knowledge == new.Knowledge,
		"log":       old.Log.Format == new.Log.Format,
	} {
		if !same {
			d.RestartRequired = append(d.RestartRequired, name)
		}
	}
	slices.Sort(d.RestartRequired)
	return d
}

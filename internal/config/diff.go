package config

import (
	"sort"
	"strings"

	"stagehand/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus structured
// attrs suitable for a single reload log line.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 12)

	if strings.TrimSpace(oldCfg.Pipelines.Root) != strings.TrimSpace(newCfg.Pipelines.Root) {
		changed = append(changed, "pipelines")
		attrs = append(attrs,
			logx.String("pipelines.root", strings.TrimSpace(newCfg.Pipelines.Root)),
		)
	}

	if strings.TrimSpace(oldCfg.Scheduler.Refresh) != strings.TrimSpace(newCfg.Scheduler.Refresh) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.refresh", strings.TrimSpace(newCfg.Scheduler.Refresh)),
		)
	}

	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// History section may be nil (disabled).
	var oDriver, nDriver, oBusy, nBusy string
	var oPathSet, nPathSet bool
	var oMax, nMax int
	if h := oldCfg.History; h != nil {
		oDriver = strings.ToLower(strings.TrimSpace(h.Driver))
		oBusy = strings.TrimSpace(h.BusyTimeout)
		oPathSet = strings.TrimSpace(h.Path) != ""
		oMax = h.MaxRecords
	}
	if h := newCfg.History; h != nil {
		nDriver = strings.ToLower(strings.TrimSpace(h.Driver))
		nBusy = strings.TrimSpace(h.BusyTimeout)
		nPathSet = strings.TrimSpace(h.Path) != ""
		nMax = h.MaxRecords
	}
	if oDriver != nDriver || oBusy != nBusy || oPathSet != nPathSet || oMax != nMax {
		changed = append(changed, "history")
		attrs = append(attrs,
			logx.String("history.driver", nDriver),
			logx.Bool("history.path_set", nPathSet),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

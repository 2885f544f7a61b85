package daemon

import (
	"time"

	"github.com/tgra59/apple-mcp-enhanced/internal/cache"
	"github.com/tgra59/apple-mcp-enhanced/internal/config"
)

// StatusReport describes the daemon and cache as seen from any
// process. Checking the liveness marker clears it when it references a
// dead process.
type StatusReport struct {
	Running        bool           `json:"running"`
	PID            int            `json:"pid,omitempty"`
	CacheAge       string         `json:"cache_age,omitempty"`
	LastFullUpdate *time.Time     `json:"last_full_update,omitempty"`
	ContactCount   int            `json:"contact_count"`
	NumberCount    int            `json:"number_count"`
	Stale          bool           `json:"stale"`
	NextUpdate     *time.Time     `json:"next_update,omitempty"`
	Config         *config.Config `json:"config"`
}

// Status builds a report from the persisted marker, config, and
// snapshot metadata. The next-update time is an estimate: last full
// update plus the configured interval.
func Status(store *cache.Store, pidPath string) (*StatusReport, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	snap, err := store.Load()
	if err != nil {
		return nil, err
	}

	report := &StatusReport{
		ContactCount: snap.Meta.ContactCount,
		NumberCount:  snap.Meta.NumberCount,
		Stale:        snap.IsStale(cfg.Interval()),
		Config:       cfg,
	}
	if pid, running := ReadPID(pidPath); running {
		report.Running = true
		report.PID = pid
	}
	if !snap.Meta.LastFullUpdate.IsZero() {
		t := snap.Meta.LastFullUpdate
		report.LastFullUpdate = &t
		report.CacheAge = snap.Age().Round(time.Second).String()
		next := t.Add(cfg.Interval())
		report.NextUpdate = &next
	}
	return report, nil
}

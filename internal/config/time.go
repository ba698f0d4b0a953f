package config

import (
	"sync"
	"sync/atomic"
	"time"
)

const defaultMaintenanceInterval = 24 * time.Hour

type Timer struct {
	Days    uint32 `json:"days"`
	Hours   uint32 `json:"hours"`
	Minutes uint32 `json:"minutes"`
	Seconds uint32 `json:"seconds"`
}

func (t Timer) IsZero() bool {
	return t.Days == 0 && t.Hours == 0 && t.Minutes == 0 && t.Seconds == 0
}

var (
	maintenanceInterval  atomic.Value
	maintenanceListeners []chan time.Duration
	listenersMu          sync.Mutex
)

func init() {
	maintenanceInterval.Store(defaultMaintenanceInterval)
}

// SetBetweenTime publishes the intervals of the current config to their
// listeners.
func SetBetweenTime() {
	setMaintenanceInterval(calculateMaintenanceInterval(GetConfig()))
}

// CalculateBetweenTime converts a timer into a duration of at least one second.
func CalculateBetweenTime(timer Timer) time.Duration {
	intervalMs := CalculateMillisecondsOfCheckingPeriod(timer)

	minInterval := uint64(1000)
	if intervalMs < minInterval {
		intervalMs = minInterval
	}

	return time.Duration(intervalMs) * time.Millisecond
}

func CalculateMillisecondsOfCheckingPeriod(timer Timer) uint64 {
	return uint64(timer.Days)*24*60*60*1000 +
		uint64(timer.Hours)*60*60*1000 +
		uint64(timer.Minutes)*60*1000 +
		uint64(timer.Seconds)*1000
}

func GetMaintenanceInterval() time.Duration {
	return maintenanceInterval.Load().(time.Duration)
}

// MaintenanceIntervalUpdates returns a channel that receives the current
// maintenance interval and every later change to it.
func MaintenanceIntervalUpdates() <-chan time.Duration {
	ch := make(chan time.Duration, 1)
	listenersMu.Lock()
	maintenanceListeners = append(maintenanceListeners, ch)
	listenersMu.Unlock()

	ch <- GetMaintenanceInterval()
	return ch
}

func setMaintenanceInterval(interval time.Duration) {
	if interval <= 0 {
		interval = defaultMaintenanceInterval
	}

	if GetMaintenanceInterval() == interval {
		return
	}

	maintenanceInterval.Store(interval)

	listenersMu.Lock()
	defer listenersMu.Unlock()
	for _, ch := range maintenanceListeners {
		select {
		case ch <- interval:
		default:
		}
	}
}

func calculateMaintenanceInterval(cfg Config) time.Duration {
	if cfg.Maintenance.Interval.IsZero() {
		return defaultMaintenanceInterval
	}
	return CalculateBetweenTime(cfg.Maintenance.Interval)
}

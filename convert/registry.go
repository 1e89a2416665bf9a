// Package convert runs the asynchronous side of the pipeline: the worker
// pool that claims datasets by status, executes sensor-specific converter
// subprocesses, pulls remote sources, and the reconciler that rescues
// stale claims and re-queues retryable failures.
package convert

import (
	"sort"
	"time"

	"github.com/scivault/ingestd/config"
)

// Converter is one registered sensor conversion: the executable to invoke
// and its run policy. Adding a sensor is a configuration change, not a
// code change.
type Converter struct {
	Sensor      string
	Executable  string
	Timeout     time.Duration
	MaxAttempts int
	WantsParams bool
}

// Registry maps sensor kinds to converters.
type Registry struct {
	bySensor map[string]Converter
}

// NewRegistry builds the registry from the configured converter table.
func NewRegistry(cfg *config.Config) *Registry {
	r := &Registry{bySensor: make(map[string]Converter, len(cfg.Converters))}
	for sensor, cc := range cfg.Converters {
		r.bySensor[sensor] = Converter{
			Sensor:      sensor,
			Executable:  cc.Executable,
			Timeout:     time.Duration(cc.TimeoutMinutes) * time.Minute,
			MaxAttempts: cc.MaxAttempts,
			WantsParams: cc.WantsParams,
		}
	}
	return r
}

// Lookup returns the converter for sensor.
func (r *Registry) Lookup(sensor string) (Converter, bool) {
	c, ok := r.bySensor[sensor]
	return c, ok
}

// Sensors returns the registered sensor kinds, sorted.
func (r *Registry) Sensors() []string {
	out := make([]string, 0, len(r.bySensor))
	for s := range r.bySensor {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

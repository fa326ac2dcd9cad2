// Package alarm drives the live alarm channels: the dashboard siren and an MQTT relay
package alarm

import (
	"context"
	"sync"

	"watchpost/internal/metrics"
	"watchpost/internal/pipeline"
)

// Fanout forwards alarm signals to every sink in order
type Fanout struct {
	mu     sync.RWMutex
	sinks  []pipeline.Alarm
	active bool
}

// NewFanout creates a fan-out over the non-nil sinks
func NewFanout(sinks ...pipeline.Alarm) *Fanout {
	f := &Fanout{}
	for _, s := range sinks {
		f.Add(s)
	}
	return f
}

// Add registers another sink
func (f *Fanout) Add(sink pipeline.Alarm) {
	if sink == nil {
		return
	}
	f.mu.Lock()
	f.sinks = append(f.sinks, sink)
	f.mu.Unlock()
}

// Active reports whether the last signal was a trigger
func (f *Fanout) Active() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.active
}

// TriggerAlarm implements pipeline.Alarm
func (f *Fanout) TriggerAlarm(ctx context.Context, threat string) {
	f.mu.Lock()
	f.active = true
	sinks := f.sinks
	f.mu.Unlock()

	metrics.AlarmActive.Set(1)
	for _, s := range sinks {
		s.TriggerAlarm(ctx, threat)
	}
}

// StopAlarm implements pipeline.Alarm
func (f *Fanout) StopAlarm(ctx context.Context) {
	f.mu.Lock()
	f.active = false
	sinks := f.sinks
	f.mu.Unlock()

	metrics.AlarmActive.Set(0)
	for _, s := range sinks {
		s.StopAlarm(ctx)
	}
}

var _ pipeline.Alarm = (*Fanout)(nil)

package audit

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

type device struct {
	mu      sync.RWMutex
	name    string
	format  Format
	sink    Sink
	enabled bool
	filters []FilterFunc
}

// NewDevice creates an audit device. Requests whose path starts with one of
// excludePaths are not logged.
func NewDevice(name string, format Format, sink Sink, enabled bool, excludePaths []string) Device {
	d := &device{
		name:    name,
		format:  format,
		sink:    sink,
		enabled: enabled,
	}
	if len(excludePaths) > 0 {
		d.AddFilter(func(entry *LogEntry) bool {
			if entry.Request == nil {
				return true
			}
			for _, prefix := range excludePaths {
				if strings.HasPrefix(entry.Request.Path, prefix) {
					return false
				}
			}
			return true
		})
	}
	return d
}

func (d *device) AddFilter(filter FilterFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.filters = append(d.filters, filter)
}

func (d *device) shouldLog(entry *LogEntry) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.enabled {
		return false
	}
	for _, filter := range d.filters {
		if !filter(entry) {
			return false
		}
	}
	return true
}

func (d *device) LogRequest(ctx context.Context, entry *LogEntry) error {
	return d.log(ctx, entry, EntryTypeRequest)
}

func (d *device) LogResponse(ctx context.Context, entry *LogEntry) error {
	return d.log(ctx, entry, EntryTypeResponse)
}

func (d *device) log(ctx context.Context, entry *LogEntry, typ EntryType) error {
	if !d.shouldLog(entry) {
		return nil
	}
	entry = entry.Clone()
	entry.Type = string(typ)

	formatted, err := d.format.Format(ctx, entry)
	if err != nil {
		return fmt.Errorf("failed to format %s: %w", typ, err)
	}
	if err := d.sink.Write(ctx, formatted); err != nil {
		return fmt.Errorf("failed to write to sink: %w", err)
	}
	return nil
}

func (d *device) Close() error {
	return d.sink.Close()
}

func (d *device) Name() string {
	return d.name
}

func (d *device) Enabled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.enabled
}

func (d *device) SetEnabled(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = enabled
}

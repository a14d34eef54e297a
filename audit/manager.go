package audit

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/stephnangue/tenantauth/logger"
)

// Manager fans entries out to every enabled device
type Manager struct {
	mu      sync.RWMutex
	devices map[string]Device
	log     *logger.GatedLogger
}

func NewManager(log *logger.GatedLogger) *Manager {
	if log == nil {
		log = logger.NewDiscardLogger()
	}
	return &Manager{
		devices: make(map[string]Device),
		log:     log.WithSubsystem("audit"),
	}
}

func (m *Manager) RegisterDevice(name string, device Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.devices[name]; exists {
		return fmt.Errorf("device %q already registered", name)
	}
	m.devices[name] = device
	return nil
}

// ListDevices returns the registered device names in sorted order
func (m *Manager) ListDevices() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.devices))
	for name := range m.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LogRequest returns true when at least one device recorded the entry, or
// when no device is enabled.
func (m *Manager) LogRequest(ctx context.Context, entry *LogEntry) (bool, error) {
	return m.fanOut(func(d Device) error { return d.LogRequest(ctx, entry) })
}

func (m *Manager) LogResponse(ctx context.Context, entry *LogEntry) (bool, error) {
	return m.fanOut(func(d Device) error { return d.LogResponse(ctx, entry) })
}

func (m *Manager) fanOut(fn func(Device) error) (bool, error) {
	m.mu.RLock()
	devices := make([]Device, 0, len(m.devices))
	for _, device := range m.devices {
		if device.Enabled() {
			devices = append(devices, device)
		}
	}
	m.mu.RUnlock()

	if len(devices) == 0 {
		return true, nil
	}

	var (
		wg     sync.WaitGroup
		resMu  sync.Mutex
		result *multierror.Error
		ok     bool
	)
	for _, device := range devices {
		wg.Add(1)
		go func(d Device) {
			defer wg.Done()
			err := fn(d)

			resMu.Lock()
			defer resMu.Unlock()
			if err != nil {
				result = multierror.Append(result, fmt.Errorf("device %q: %w", d.Name(), err))
				return
			}
			ok = true
		}(device)
	}
	wg.Wait()

	if err := result.ErrorOrNil(); err != nil {
		m.log.Warn("audit device failure",
			logger.Int("failed", result.Len()),
			logger.Int("devices", len(devices)),
			logger.Err(err))
		return ok, err
	}
	return ok, nil
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result *multierror.Error
	for name, device := range m.devices {
		if err := device.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("device %q: %w", name, err))
		}
	}
	return result.ErrorOrNil()
}

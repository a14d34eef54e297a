package logger

import (
	"bytes"
	"io"
	"sync"
)

// GateState represents the state of the log gate
type GateState int

const (
	// GateClosed buffers writes until the gate is opened
	GateClosed GateState = iota
	// GateOpen passes writes straight through
	GateOpen
)

// GatedWriter is an io.Writer that holds log output back until the server
// has finished starting, so startup banners are not interleaved with logs.
type GatedWriter struct {
	mu         sync.Mutex
	underlying io.Writer
	buffer     bytes.Buffer
	state      GateState
	maxBuffer  int // 0 = unlimited
}

// GatedWriterConfig configures a GatedWriter
type GatedWriterConfig struct {
	Underlying    io.Writer
	InitialState  GateState
	MaxBufferSize int // oldest bytes are discarded past this size
}

func NewGatedWriter(config GatedWriterConfig) *GatedWriter {
	if config.Underlying == nil {
		config.Underlying = io.Discard
	}
	return &GatedWriter{
		underlying: config.Underlying,
		state:      config.InitialState,
		maxBuffer:  config.MaxBufferSize,
	}
}

func (gw *GatedWriter) Write(p []byte) (int, error) {
	gw.mu.Lock()
	defer gw.mu.Unlock()

	if gw.state == GateOpen {
		return gw.underlying.Write(p)
	}

	if gw.maxBuffer > 0 && gw.buffer.Len()+len(p) > gw.maxBuffer {
		gw.buffer.Next(gw.buffer.Len() + len(p) - gw.maxBuffer)
	}
	return gw.buffer.Write(p)
}

// OpenGate flushes buffered output and lets subsequent writes through
func (gw *GatedWriter) OpenGate() error {
	gw.mu.Lock()
	defer gw.mu.Unlock()

	if gw.state == GateOpen {
		return nil
	}
	gw.state = GateOpen
	return gw.flushLocked()
}

func (gw *GatedWriter) CloseGate() {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	gw.state = GateClosed
}

func (gw *GatedWriter) Flush() error {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	return gw.flushLocked()
}

func (gw *GatedWriter) flushLocked() error {
	if gw.buffer.Len() == 0 {
		return nil
	}
	if _, err := gw.underlying.Write(gw.buffer.Bytes()); err != nil {
		return err
	}
	gw.buffer.Reset()
	return nil
}

func (gw *GatedWriter) IsOpen() bool {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	return gw.state == GateOpen
}

func (gw *GatedWriter) BufferedSize() int {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	return gw.buffer.Len()
}

// GatedLogger is the logger handed to every component. Derived loggers share
// the parent's gate.
type GatedLogger struct {
	Logger
	gate *GatedWriter
}

// NewGatedLogger builds a logger whose outputs are routed through a gate.
// When gateConfig has no underlying writer the first configured output is used.
func NewGatedLogger(config *Config, gateConfig GatedWriterConfig) (*GatedLogger, *GatedWriter) {
	if config == nil {
		config = DefaultConfig()
	}
	if gateConfig.Underlying == nil && len(config.Outputs) > 0 {
		gateConfig.Underlying = config.Outputs[0]
	}

	gate := NewGatedWriter(gateConfig)

	cfg := *config
	cfg.Outputs = []io.Writer{gate}

	return &GatedLogger{
		Logger: NewZerologLogger(&cfg),
		gate:   gate,
	}, gate
}

// NewDiscardLogger returns a logger that drops everything. Tests use it.
func NewDiscardLogger() *GatedLogger {
	l, _ := NewGatedLogger(&Config{Level: ErrorLevel, Format: JSONFormat}, GatedWriterConfig{
		Underlying:   io.Discard,
		InitialState: GateOpen,
	})
	return l
}

func (gl *GatedLogger) WithSystem(name string) *GatedLogger {
	return &GatedLogger{Logger: gl.Logger.WithSystem(name), gate: gl.gate}
}

func (gl *GatedLogger) WithSubsystem(name string) *GatedLogger {
	return &GatedLogger{Logger: gl.Logger.WithSubsystem(name), gate: gl.gate}
}

func (gl *GatedLogger) WithFields(fields ...TypedField) *GatedLogger {
	return &GatedLogger{Logger: gl.Logger.WithFields(fields...), gate: gl.gate}
}

func (gl *GatedLogger) OpenGate() error {
	return gl.gate.OpenGate()
}

func (gl *GatedLogger) CloseGate() {
	gl.gate.CloseGate()
}

func (gl *GatedLogger) IsGateOpen() bool {
	return gl.gate.IsOpen()
}

package audit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileSink appends audit lines to a file rotated by size
type FileSink struct {
	mu     sync.Mutex
	path   string
	writer *lumberjack.Logger
}

// FileSinkConfig contains configuration for file sink
type FileSinkConfig struct {
	Path       string
	MaxSizeMB  int // rotate at this size; lumberjack defaults to 100
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

func NewFileSink(config FileSinkConfig) (*FileSink, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(config.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	return &FileSink{
		path: config.Path,
		writer: &lumberjack.Logger{
			Filename:   config.Path,
			MaxSize:    config.MaxSizeMB,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAgeDays,
			Compress:   config.Compress,
		},
	}, nil
}

func (s *FileSink) Write(_ context.Context, entry []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	line := make([]byte, 0, len(entry)+1)
	line = append(line, entry...)
	line = append(line, '\n')
	if _, err := s.writer.Write(line); err != nil {
		return fmt.Errorf("failed to write to file: %w", err)
	}
	return nil
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writer.Close()
}

func (s *FileSink) Name() string {
	return s.path
}

func (s *FileSink) Type() string {
	return "file"
}

// Package maintenance runs scheduled housekeeping: pruning stale transcoder
// logs and expired codec-cache entries.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/relaycast/relaycast/internal/config"
	"github.com/relaycast/relaycast/internal/observability"
	"github.com/relaycast/relaycast/internal/repository"
)

// Service schedules and executes housekeeping runs.
type Service struct {
	mu sync.Mutex

	cfg    config.MaintenanceConfig
	logDir string
	codecs repository.ChannelCodecRepository
	logger *slog.Logger

	cron *cron.Cron
}

// New builds the maintenance service. logDir may be empty when transcoder
// logging to files is disabled; codecs may be nil when no database is
// configured.
func New(cfg config.MaintenanceConfig, logDir string, codecs repository.ChannelCodecRepository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:    cfg,
		logDir: logDir,
		codecs: codecs,
		logger: observability.WithComponent(logger, "maintenance"),
	}
}

// Start registers the cron schedule and begins running. A disabled service
// starts nothing and returns nil.
func (s *Service) Start() error {
	if !s.cfg.Enabled {
		s.logger.Info("maintenance disabled")
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return fmt.Errorf("maintenance already started")
	}

	c := cron.New(cron.WithSeconds())
	if _, err := c.AddFunc(s.cfg.Cron, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		s.RunOnce(ctx)
	}); err != nil {
		return fmt.Errorf("invalid maintenance cron %q: %w", s.cfg.Cron, err)
	}

	c.Start()
	s.cron = c

	s.logger.Info("maintenance scheduled",
		slog.String("cron", s.cfg.Cron),
		slog.Duration("log_retention", s.cfg.LogRetention),
	)
	return nil
}

// Stop halts the schedule and waits for a running job to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}

// RunOnce performs a single housekeeping pass.
func (s *Service) RunOnce(ctx context.Context) {
	prunedLogs, err := s.pruneLogs()
	if err != nil {
		s.logger.Warn("log pruning failed", slog.Any("error", err))
	}

	var prunedRows int64
	if s.codecs != nil {
		prunedRows, err = s.codecs.DeleteExpired(ctx)
		if err != nil {
			s.logger.Warn("codec cache pruning failed", slog.Any("error", err))
		}
	}

	s.logger.Info("maintenance run complete",
		slog.Int("logs_pruned", prunedLogs),
		slog.Int64("codec_entries_pruned", prunedRows),
	)
}

// pruneLogs removes transcoder log files older than the retention window.
func (s *Service) pruneLogs() (int, error) {
	if s.logDir == "" || s.cfg.LogRetention <= 0 {
		return 0, nil
	}

	entries, err := os.ReadDir(s.logDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading log dir: %w", err)
	}

	cutoff := time.Now().Add(-s.cfg.LogRetention)
	pruned := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, "relay-") || !strings.HasSuffix(name, ".log") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(s.logDir, name)
		if err := os.Remove(path); err != nil {
			s.logger.Warn("could not remove stale log",
				slog.String("path", path),
				slog.Any("error", err),
			)
			continue
		}
		pruned++
	}
	return pruned, nil
}

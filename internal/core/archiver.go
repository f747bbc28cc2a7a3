package core

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Archiver consumes incident updates from JetStream and appends them to
// rotating NDJSON files, giving closed incidents an offline audit copy that
// survives loss of the primary store.
type Archiver struct {
	cfg    ArchiveConfig
	bus    *EventBus
	logger zerolog.Logger

	mu           sync.Mutex
	currentFile  *os.File
	currentGz    *gzip.Writer
	currentPath  string
	currentBytes int64
	fileOpenedAt time.Time

	recordsArchived int64
	filesRotated    int64
	bytesWritten    int64
}

// NewArchiver creates an incident archiver writing under cfg.Dir.
func NewArchiver(cfg ArchiveConfig, bus *EventBus, logger zerolog.Logger) (*Archiver, error) {
	if err := os.MkdirAll(cfg.Dir, 0750); err != nil {
		return nil, fmt.Errorf("creating archive dir %s: %w", cfg.Dir, err)
	}
	if cfg.RotateInterval <= 0 {
		cfg.RotateInterval = time.Hour
	}
	if cfg.RotateBytes <= 0 {
		cfg.RotateBytes = 100 * 1024 * 1024
	}
	return &Archiver{
		cfg:    cfg,
		bus:    bus,
		logger: logger.With().Str("component", "archiver").Logger(),
	}, nil
}

// Start subscribes to incident updates with its own durable consumer.
func (a *Archiver) Start(ctx context.Context) error {
	if err := a.bus.Subscribe(SubjectIncidents+".>", "soar-incident-archive", func(msg *nats.Msg) {
		if err := a.writeRecord(msg.Subject, msg.Data); err != nil {
			a.logger.Error().Err(err).Str("subject", msg.Subject).Msg("archive write failed")
			a.bus.Nak(msg, 5*time.Second)
			return
		}
		a.bus.Ack(msg)
	}); err != nil {
		return fmt.Errorf("archiver subscribing to incidents: %w", err)
	}

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				a.Close()
				return
			case <-ticker.C:
				a.mu.Lock()
				if a.currentFile != nil && time.Since(a.fileOpenedAt) >= a.cfg.RotateInterval {
					a.rotateFileLocked()
				}
				a.mu.Unlock()
			}
		}
	}()

	a.logger.Info().
		Str("dir", a.cfg.Dir).
		Str("rotate_interval", a.cfg.RotateInterval.String()).
		Int64("rotate_bytes", a.cfg.RotateBytes).
		Bool("compress", a.cfg.Compress).
		Msg("incident archiver started")
	return nil
}

// archiveRecord is the NDJSON envelope written to archive files.
type archiveRecord struct {
	Status    string          `json:"status"`
	Timestamp time.Time       `json:"ts"`
	Data      json.RawMessage `json:"data"`
}

func (a *Archiver) writeRecord(subject string, data []byte) error {
	line, err := json.Marshal(archiveRecord{
		Status:    strings.TrimPrefix(subject, SubjectIncidents+"."),
		Timestamp: time.Now().UTC(),
		Data:      json.RawMessage(data),
	})
	if err != nil {
		return fmt.Errorf("marshal archive record: %w", err)
	}
	line = append(line, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.currentFile == nil {
		if err := a.openFileLocked(); err != nil {
			return fmt.Errorf("open archive file: %w", err)
		}
	}

	var n int
	if a.currentGz != nil {
		n, err = a.currentGz.Write(line)
	} else {
		n, err = a.currentFile.Write(line)
	}
	if err != nil {
		return err
	}

	a.currentBytes += int64(n)
	a.bytesWritten += int64(n)
	a.recordsArchived++

	if a.currentBytes >= a.cfg.RotateBytes {
		a.rotateFileLocked()
	}
	return nil
}

func (a *Archiver) openFileLocked() error {
	ext := ".ndjson"
	if a.cfg.Compress {
		ext = ".ndjson.gz"
	}
	filename := fmt.Sprintf("incidents-%s%s", time.Now().UTC().Format("20060102T150405.000Z"), ext)
	path := filepath.Join(a.cfg.Dir, filename)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return err
	}

	a.currentFile = f
	a.currentPath = path
	a.currentBytes = 0
	a.fileOpenedAt = time.Now()
	if a.cfg.Compress {
		a.currentGz, _ = gzip.NewWriterLevel(f, gzip.BestSpeed)
	}

	a.logger.Debug().Str("file", filename).Msg("opened archive file")
	return nil
}

func (a *Archiver) rotateFileLocked() {
	a.closeFileLocked()
	a.filesRotated++
}

// Close flushes and closes the current file.
func (a *Archiver) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closeFileLocked()
}

func (a *Archiver) closeFileLocked() {
	if a.currentGz != nil {
		_ = a.currentGz.Close()
		a.currentGz = nil
	}
	if a.currentFile != nil {
		_ = a.currentFile.Close()
		a.currentFile = nil
	}
}

// Status returns archiver counters for the API.
func (a *Archiver) Status() map[string]interface{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return map[string]interface{}{
		"enabled":          a.cfg.Enabled,
		"dir":              a.cfg.Dir,
		"records_archived": a.recordsArchived,
		"files_rotated":    a.filesRotated,
		"bytes_written":    a.bytesWritten,
		"current_file":     filepath.Base(a.currentPath),
		"current_bytes":    a.currentBytes,
		"compress":         a.cfg.Compress,
	}
}

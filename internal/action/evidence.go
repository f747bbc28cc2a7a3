package action

import (
	"archive/tar"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"github.com/bytefense/soar/internal/core"
	"github.com/bytefense/soar/internal/playbook"
)

// Uploader ships a finished evidence archive off the host.
type Uploader interface {
	Upload(ctx context.Context, name, path string) (string, error)
}

type snapshot struct {
	file string
	cmd  string
	args []string
}

var forensicSnapshots = []snapshot{
	{"system/processes.txt", "ps", []string{"aux"}},
	{"system/connections.txt", "ss", []string{"-tunap"}},
	{"system/listening.txt", "netstat", []string{"-tuln"}},
}

var fullSnapshots = []snapshot{
	{"system/interfaces.txt", "ip", []string{"addr"}},
	{"system/routes.txt", "ip", []string{"route"}},
	{"system/firewall_rules.txt", "iptables", []string{"-S"}},
	{"system/logins.txt", "last", []string{"-n", "50"}},
	{"system/sessions.txt", "w", nil},
}

type manifestFile struct {
	Name      string `json:"name"`
	Source    string `json:"source"`
	Bytes     int64  `json:"bytes"`
	Truncated bool   `json:"truncated,omitempty"`
	Error     string `json:"error,omitempty"`
}

type evidenceManifest struct {
	IncidentID  string                 `json:"incident_id"`
	Scope       playbook.EvidenceScope `json:"scope"`
	Hostname    string                 `json:"hostname"`
	CollectedAt time.Time              `json:"collected_at"`
	Files       []manifestFile         `json:"files"`
}

// ArchiveCollector writes a tar.gz of log tails and system snapshots per
// incident, optionally handing it to an Uploader.
type ArchiveCollector struct {
	cfg      core.EvidenceConfig
	uploader Uploader
	run      commandRunner
	now      func() time.Time
	logger   zerolog.Logger
}

// NewEvidenceCollector builds a collector. uploader may be nil.
func NewEvidenceCollector(cfg core.EvidenceConfig, uploader Uploader, logger zerolog.Logger) *ArchiveCollector {
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = 50 << 20
	}
	return &ArchiveCollector{
		cfg:      cfg,
		uploader: uploader,
		run:      runCommand,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.With().Str("component", "evidence").Logger(),
	}
}

// Collect returns the archive location: a local path, or the uploader's
// location when offload is enabled.
func (c *ArchiveCollector) Collect(ctx context.Context, incidentID string, scope playbook.EvidenceScope) (string, error) {
	if incidentID == "" || strings.ContainsAny(incidentID, `/\`) {
		return "", Terminalf("invalid incident id %q", incidentID)
	}
	if err := os.MkdirAll(c.cfg.Dir, 0o750); err != nil {
		return "", Terminal(fmt.Errorf("create evidence dir: %w", err))
	}

	collectedAt := c.now()
	name := fmt.Sprintf("incident_%s_%s.tar.gz", incidentID, collectedAt.Format("20060102_150405"))
	path := filepath.Join(c.cfg.Dir, name)

	if err := c.writeArchive(ctx, path, incidentID, scope, collectedAt); err != nil {
		_ = os.Remove(path)
		return "", err
	}
	c.logger.Info().Str("incident_id", incidentID).Str("scope", string(scope)).Str("path", path).Msg("evidence archived")

	if c.uploader == nil {
		return path, nil
	}
	location, err := c.uploader.Upload(ctx, name, path)
	if err != nil {
		// The local archive stays so an operator can ship it by hand.
		return "", Retryable(fmt.Errorf("upload %s: %w", name, err))
	}
	if !c.cfg.S3.KeepLocal {
		if err := os.Remove(path); err != nil {
			c.logger.Warn().Err(err).Str("path", path).Msg("failed to remove uploaded evidence archive")
		}
	}
	return location, nil
}

func (c *ArchiveCollector) writeArchive(ctx context.Context, path, incidentID string, scope playbook.EvidenceScope, collectedAt time.Time) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return Terminal(fmt.Errorf("create archive: %w", err))
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	hostname, _ := os.Hostname()
	manifest := evidenceManifest{
		IncidentID:  incidentID,
		Scope:       scope,
		Hostname:    hostname,
		CollectedAt: collectedAt,
	}

	for _, logFile := range c.cfg.LogFiles {
		manifest.Files = append(manifest.Files, c.addLogTail(tw, logFile, collectedAt))
	}

	var snaps []snapshot
	switch scope {
	case playbook.EvidenceForensics:
		snaps = forensicSnapshots
	case playbook.EvidenceFull:
		snaps = append(append([]snapshot{}, forensicSnapshots...), fullSnapshots...)
	}
	for _, s := range snaps {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("evidence collection interrupted: %w", err)
		}
		manifest.Files = append(manifest.Files, c.addSnapshot(ctx, tw, s, collectedAt))
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return Terminalf("marshal manifest: %v", err)
	}
	if err := writeTarEntry(tw, "manifest.json", data, collectedAt); err != nil {
		return Terminal(err)
	}
	if err := tw.Close(); err != nil {
		return Terminal(fmt.Errorf("close tar: %w", err))
	}
	if err := gz.Close(); err != nil {
		return Terminal(fmt.Errorf("close gzip: %w", err))
	}
	return f.Sync()
}

// addLogTail stores the last MaxFileBytes of a log file. Failures are
// recorded in the manifest rather than aborting the archive.
func (c *ArchiveCollector) addLogTail(tw *tar.Writer, source string, ts time.Time) manifestFile {
	entry := manifestFile{Name: "logs/" + filepath.Base(source), Source: source}
	f, err := os.Open(source)
	if err != nil {
		entry.Error = err.Error()
		return entry
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		entry.Error = err.Error()
		return entry
	}
	size := info.Size()
	if size > c.cfg.MaxFileBytes {
		if _, err := f.Seek(size-c.cfg.MaxFileBytes, io.SeekStart); err != nil {
			entry.Error = err.Error()
			return entry
		}
		size = c.cfg.MaxFileBytes
		entry.Truncated = true
	}

	hdr := &tar.Header{Name: entry.Name, Mode: 0o640, Size: size, ModTime: ts}
	if err := tw.WriteHeader(hdr); err != nil {
		entry.Error = err.Error()
		return entry
	}
	n, err := io.CopyN(tw, f, size)
	entry.Bytes = n
	if err != nil && !errors.Is(err, io.EOF) {
		entry.Error = err.Error()
	}
	// a file that shrank mid-copy leaves the header short; pad with zeros
	if n < size {
		_, _ = tw.Write(make([]byte, size-n))
	}
	return entry
}

func (c *ArchiveCollector) addSnapshot(ctx context.Context, tw *tar.Writer, s snapshot, ts time.Time) manifestFile {
	entry := manifestFile{Name: s.file, Source: strings.TrimSpace(s.cmd + " " + strings.Join(s.args, " "))}
	out, err := c.run(ctx, s.cmd, s.args...)
	if err != nil {
		entry.Error = err.Error()
	}
	if len(out) == 0 {
		return entry
	}
	if err := writeTarEntry(tw, s.file, out, ts); err != nil {
		entry.Error = err.Error()
		return entry
	}
	entry.Bytes = int64(len(out))
	return entry
}

func writeTarEntry(tw *tar.Writer, name string, data []byte, ts time.Time) error {
	hdr := &tar.Header{Name: name, Mode: 0o640, Size: int64(len(data)), ModTime: ts}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("tar header %s: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("tar write %s: %w", name, err)
	}
	return nil
}

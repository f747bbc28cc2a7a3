package action

import (
	"archive/tar"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"github.com/bytefense/soar/internal/core"
	"github.com/bytefense/soar/internal/playbook"
)

func readArchive(t *testing.T, path string) map[string][]byte {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}
	tr := tar.NewReader(gz)
	files := map[string][]byte{}
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("tar: %v", err)
		}
		data, _ := io.ReadAll(tr)
		files[hdr.Name] = data
	}
	return files
}

func testCollector(t *testing.T, cfg core.EvidenceConfig, up Uploader) (*ArchiveCollector, *scriptedRunner) {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	c := NewEvidenceCollector(cfg, up, zerolog.Nop())
	r := &scriptedRunner{outputs: map[string]string{"ps aux": "root 1 init\n"}, errs: map[string]error{}}
	c.run = r.run
	c.now = func() time.Time { return time.Date(2026, 3, 1, 12, 30, 45, 0, time.UTC) }
	return c, r
}

// ─── Archive contents ────────────────────────────────────────────────────────

func TestCollect_LogsScope(t *testing.T) {
	logDir := t.TempDir()
	authLog := filepath.Join(logDir, "auth.log")
	if err := os.WriteFile(authLog, []byte("Failed password for root from 10.0.0.5\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	c, r := testCollector(t, core.EvidenceConfig{LogFiles: []string{authLog, filepath.Join(logDir, "missing.log")}}, nil)

	loc, err := c.Collect(context.Background(), "inc-1", playbook.EvidenceLogs)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if filepath.Base(loc) != "incident_inc-1_20260301_123045.tar.gz" {
		t.Errorf("location = %s", loc)
	}
	if len(r.cmds) != 0 {
		t.Errorf("logs scope should not run snapshot commands, ran %v", r.cmds)
	}

	files := readArchive(t, loc)
	if !strings.Contains(string(files["logs/auth.log"]), "10.0.0.5") {
		t.Errorf("auth.log missing from archive: %v", files)
	}
	var m evidenceManifest
	if err := json.Unmarshal(files["manifest.json"], &m); err != nil {
		t.Fatalf("manifest: %v", err)
	}
	if m.IncidentID != "inc-1" || m.Scope != playbook.EvidenceLogs || len(m.Files) != 2 {
		t.Errorf("manifest = %+v", m)
	}
	if m.Files[1].Error == "" {
		t.Error("missing log file should be recorded as an error in the manifest")
	}
}

func TestCollect_TruncatesLargeLogs(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "big.log")
	if err := os.WriteFile(logFile, []byte("0123456789abcdef"), 0o600); err != nil {
		t.Fatal(err)
	}
	c, _ := testCollector(t, core.EvidenceConfig{LogFiles: []string{logFile}, MaxFileBytes: 6}, nil)
	loc, err := c.Collect(context.Background(), "inc-2", playbook.EvidenceLogs)
	if err != nil {
		t.Fatal(err)
	}
	files := readArchive(t, loc)
	if got := string(files["logs/big.log"]); got != "abcdef" {
		t.Errorf("tail = %q, want the last 6 bytes", got)
	}
}

func TestCollect_ScopesSelectSnapshots(t *testing.T) {
	tests := []struct {
		scope playbook.EvidenceScope
		cmds  int
	}{
		{playbook.EvidenceLogs, 0},
		{playbook.EvidenceForensics, len(forensicSnapshots)},
		{playbook.EvidenceFull, len(forensicSnapshots) + len(fullSnapshots)},
	}
	for _, tt := range tests {
		c, r := testCollector(t, core.EvidenceConfig{}, nil)
		loc, err := c.Collect(context.Background(), "inc-"+string(tt.scope), tt.scope)
		if err != nil {
			t.Fatalf("%s: %v", tt.scope, err)
		}
		if len(r.cmds) != tt.cmds {
			t.Errorf("%s: ran %d commands, want %d", tt.scope, len(r.cmds), tt.cmds)
		}
		if tt.scope != playbook.EvidenceLogs {
			if got := string(readArchive(t, loc)["system/processes.txt"]); got != "root 1 init\n" {
				t.Errorf("%s: processes.txt = %q", tt.scope, got)
			}
		}
	}
}

func TestCollect_RejectsPathLikeIDs(t *testing.T) {
	c, _ := testCollector(t, core.EvidenceConfig{}, nil)
	for _, id := range []string{"", "../etc", `a\b`} {
		if _, err := c.Collect(context.Background(), id, playbook.EvidenceLogs); !errors.Is(err, ErrTerminal) {
			t.Errorf("Collect(%q) err = %v", id, err)
		}
	}
}

// ─── Upload ──────────────────────────────────────────────────────────────────

type fakeUploader struct {
	names []string
	err   error
}

func (u *fakeUploader) Upload(_ context.Context, name, path string) (string, error) {
	if u.err != nil {
		return "", u.err
	}
	if _, err := os.Stat(path); err != nil {
		return "", err
	}
	u.names = append(u.names, name)
	return "s3://evidence/" + name, nil
}

func TestCollect_UploadRemovesLocalCopy(t *testing.T) {
	dir := t.TempDir()
	up := &fakeUploader{}
	c, _ := testCollector(t, core.EvidenceConfig{Dir: dir}, up)

	loc, err := c.Collect(context.Background(), "inc-3", playbook.EvidenceLogs)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(loc, "s3://evidence/incident_inc-3_") {
		t.Errorf("location = %s", loc)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("local archive should be removed after upload, found %d files", len(entries))
	}
}

func TestCollect_KeepLocal(t *testing.T) {
	dir := t.TempDir()
	c, _ := testCollector(t, core.EvidenceConfig{Dir: dir, S3: core.S3Config{KeepLocal: true}}, &fakeUploader{})
	if _, err := c.Collect(context.Background(), "inc-4", playbook.EvidenceLogs); err != nil {
		t.Fatal(err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("keep_local should leave the archive, found %d files", len(entries))
	}
}

func TestCollect_UploadFailureIsRetryable(t *testing.T) {
	dir := t.TempDir()
	c, _ := testCollector(t, core.EvidenceConfig{Dir: dir}, &fakeUploader{err: errors.New("connection reset")})
	_, err := c.Collect(context.Background(), "inc-5", playbook.EvidenceLogs)
	if !errors.Is(err, ErrRetryable) {
		t.Errorf("err = %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Error("failed upload should keep the local archive")
	}
}

type fakeS3 struct {
	in *s3.PutObjectInput
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.in = in
	return &s3.PutObjectOutput{}, nil
}

func TestS3Uploader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.tar.gz")
	if err := os.WriteFile(path, []byte("archive"), 0o600); err != nil {
		t.Fatal(err)
	}
	client := &fakeS3{}
	u := newS3Uploader(client, "sec-evidence", "soar/prod", zerolog.Nop())

	loc, err := u.Upload(context.Background(), "a.tar.gz", path)
	if err != nil {
		t.Fatal(err)
	}
	if loc != "s3://sec-evidence/soar/prod/a.tar.gz" {
		t.Errorf("location = %s", loc)
	}
	if *client.in.Key != "soar/prod/a.tar.gz" || *client.in.ContentLength != 7 {
		t.Errorf("put input = key %s len %d", *client.in.Key, *client.in.ContentLength)
	}
	if client.in.ServerSideEncryption != "AES256" {
		t.Errorf("sse = %s", client.in.ServerSideEncryption)
	}
}

func TestNewS3Uploader_RequiresBucket(t *testing.T) {
	if _, err := NewS3Uploader(context.Background(), core.S3Config{}, zerolog.Nop()); err == nil {
		t.Error("missing bucket should fail")
	}
}

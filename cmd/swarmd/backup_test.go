package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFormatSize(t *testing.T) {
	tests := []struct {
		bytes int64
		want  string
	}{
		{0, "0 bytes"},
		{512, "512 bytes"},
		{1023, "1023 bytes"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{1048576, "1.0 MB"},
		{1073741824, "1.0 GB"},
		{1610612736, "1.5 GB"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			got := formatSize(tt.bytes)
			if got != tt.want {
				t.Errorf("formatSize(%d) = %q, want %q", tt.bytes, got, tt.want)
			}
		})
	}
}

func TestSecurePath(t *testing.T) {
	tests := []struct {
		name    string
		entry   string
		wantErr bool
	}{
		{"simple file", "swarm.db", false},
		{"nested path", "nats/jetstream/stream.dat", false},
		{"directory", "nats/", false},
		{"parent escape", "../outside.txt", true},
		{"nested escape", "nats/../../outside.txt", true},
		{"absolute path", "/etc/passwd", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := securePath("data", tt.entry)
			if (err != nil) != tt.wantErr {
				t.Errorf("securePath(%q) error = %v, wantErr %v", tt.entry, err, tt.wantErr)
			}
		})
	}
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	src := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "nats", "jetstream"), 0o755); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{
		"swarm.db":                "sqlite-data",
		"impulses.db":             "buffered",
		"nats/jetstream/meta.inf": "stream state",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(src, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	archive := filepath.Join(t.TempDir(), "backup.tar.zst")
	if err := runBackup([]string{"-f", archive, "-dir", src}); err != nil {
		t.Fatalf("backup: %v", err)
	}

	dst := t.TempDir()
	if err := runRestore([]string{"-f", archive, "-dir", dst, "-overwrite"}); err != nil {
		t.Fatalf("restore: %v", err)
	}

	for name, want := range files {
		data, err := os.ReadFile(filepath.Join(dst, name))
		if err != nil {
			t.Fatalf("read restored %s: %v", name, err)
		}
		if string(data) != want {
			t.Errorf("restored %s = %q, want %q", name, data, want)
		}
	}
}

func TestRestoreRefusesNonEmptyDir(t *testing.T) {
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "swarm.db"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	archive := filepath.Join(t.TempDir(), "backup.tar.zst")
	if err := runBackup([]string{"-f", archive, "-dir", src}); err != nil {
		t.Fatalf("backup: %v", err)
	}

	dst := t.TempDir()
	if err := os.WriteFile(filepath.Join(dst, "existing.db"), []byte("y"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := runRestore([]string{"-f", archive, "-dir", dst}); err == nil {
		t.Fatal("expected error restoring into non-empty dir")
	}
}

func TestBackupMissingFlags(t *testing.T) {
	if err := runBackup(nil); err == nil {
		t.Error("expected error without -f")
	}
	if err := runRestore(nil); err == nil {
		t.Error("expected error without -f")
	}
	if err := runBackup([]string{"-f", filepath.Join(t.TempDir(), "out.tar.zst"), "-dir", "/nonexistent-dir"}); err == nil {
		t.Error("expected error for missing data dir")
	}
}

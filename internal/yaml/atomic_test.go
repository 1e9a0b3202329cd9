package yaml

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	yamlv3 "gopkg.in/yaml.v3"
)

func TestAtomicWrite_CreatesParentDirs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pos_a", "position_metadata.yaml")

	if err := AtomicWrite(path, map[string]any{"schema_version": 1, "file_type": "position_metadata"}); err != nil {
		t.Fatalf("AtomicWrite failed: %v", err)
	}
	if err := ValidateSchemaHeader(path, FileTypePositionMetadata); err != nil {
		t.Fatalf("written file invalid: %v", err)
	}
}

func TestAtomicWrite_CreatesBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")

	if err := AtomicWrite(path, map[string]string{"version": "1"}); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if err := AtomicWrite(path, map[string]string{"version": "2"}); err != nil {
		t.Fatalf("second write failed: %v", err)
	}

	read := func(p string) string {
		content, err := os.ReadFile(p)
		if err != nil {
			t.Fatalf("ReadFile %s: %v", p, err)
		}
		var m map[string]string
		if err := yamlv3.Unmarshal(content, &m); err != nil {
			t.Fatalf("Unmarshal %s: %v", p, err)
		}
		return m["version"]
	}

	if got := read(path + ".bak"); got != "1" {
		t.Errorf("backup version: got %q, want %q", got, "1")
	}
	if got := read(path); got != "2" {
		t.Errorf("current version: got %q, want %q", got, "2")
	}
}

func TestAtomicWriteRaw_InvalidYAMLLeavesPriorFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	if err := AtomicWriteRaw(path, []byte("records: []\n")); err != nil {
		t.Fatalf("seed write failed: %v", err)
	}

	if err := AtomicWriteRaw(path, []byte(":\n  invalid: [\n    broken")); err == nil {
		t.Fatal("expected error for invalid YAML")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(content) != "records: []\n" {
		t.Errorf("prior content changed: %q", content)
	}
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".scope-tmp-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestWriteFileAtomic_Binary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "img.png")
	payload := []byte{0x89, 'P', 'N', 'G', 0, 1, 2}

	if err := WriteFileAtomic(path, payload, 0600); err != nil {
		t.Fatalf("WriteFileAtomic failed: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("perm: got %v, want 0600", info.Mode().Perm())
	}
	if _, err := os.Stat(path + ".bak"); !os.IsNotExist(err) {
		t.Error("binary writes should not leave a backup")
	}
}

func TestReadDocument(t *testing.T) {
	type doc struct {
		SchemaVersion int      `yaml:"schema_version"`
		FileType      string   `yaml:"file_type"`
		Records       []string `yaml:"records"`
	}
	path := filepath.Join(t.TempDir(), "position_metadata.yaml")
	want := doc{SchemaVersion: 1, FileType: FileTypePositionMetadata, Records: []string{"a"}}
	if err := AtomicWrite(path, want); err != nil {
		t.Fatalf("AtomicWrite failed: %v", err)
	}

	var got doc
	if err := ReadDocument(path, FileTypePositionMetadata, &got); err != nil {
		t.Fatalf("ReadDocument failed: %v", err)
	}
	if got.Records[0] != "a" {
		t.Errorf("got %+v", got)
	}

	if err := ReadDocument(path, FileTypeZUpdates, &got); err == nil {
		t.Error("expected file_type mismatch")
	}
	err := ReadDocument(filepath.Join(t.TempDir(), "missing.yaml"), FileTypeZUpdates, &got)
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file: got %v, want ErrNotExist", err)
	}
}

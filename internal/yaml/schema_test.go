package yaml

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidateSchemaHeader_Valid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "experiment_metadata.yaml")
	if err := os.WriteFile(path, []byte("schema_version: 1\nfile_type: experiment_metadata\npositions: {}\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := ValidateSchemaHeader(path, FileTypeExperimentMetadata); err != nil {
		t.Errorf("expected valid, got error: %v", err)
	}
}

func TestValidateSchemaHeader_AllFileTypes(t *testing.T) {
	for ft := range validFileTypes {
		t.Run(ft, func(t *testing.T) {
			content := []byte("schema_version: 1\nfile_type: " + ft + "\n")
			if err := ValidateSchemaHeaderFromBytes(content, ft); err != nil {
				t.Errorf("expected valid for %q, got error: %v", ft, err)
			}
		})
	}
}

func TestValidateSchemaHeader_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		expected string
	}{
		{"unsupported version", "schema_version: 99\nfile_type: z_updates\n", "z_updates"},
		{"negative version", "schema_version: -1\nfile_type: z_updates\n", "z_updates"},
		{"missing version", "file_type: z_updates\n", "z_updates"},
		{"missing file type", "schema_version: 1\n", ""},
		{"unknown file type", "schema_version: 1\nfile_type: queue_task\n", ""},
		{"mismatch", "schema_version: 1\nfile_type: heartbeat\n", "z_updates"},
		{"not yaml", "{{{", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateSchemaHeaderFromBytes([]byte(tt.content), tt.expected); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestValidateSchemaHeader_EmptyExpectedType(t *testing.T) {
	content := []byte("schema_version: 1\nfile_type: run_metrics\n")
	if err := ValidateSchemaHeaderFromBytes(content, ""); err != nil {
		t.Errorf("expected valid with empty expected type, got: %v", err)
	}
}

package yaml

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	yamlv3 "gopkg.in/yaml.v3"
)

// Recovery describes what RecoverCorruptedFile put in place of a corrupted
// document.
type Recovery int

const (
	RecoveredFromBackup Recovery = iota + 1
	RecoveredSkeleton
)

func (r Recovery) String() string {
	switch r {
	case RecoveredFromBackup:
		return "backup"
	case RecoveredSkeleton:
		return "skeleton"
	default:
		return "none"
	}
}

// Quarantine moves filePath into <root>/quarantine/<base>.<ts>.corrupt and
// returns the new location.
func Quarantine(root, filePath string) (string, error) {
	quarantineDir := filepath.Join(root, "quarantine")
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}

	name := fmt.Sprintf("%s.%s.corrupt", filepath.Base(filePath), time.Now().Format("20060102T150405.000"))
	dest := filepath.Join(quarantineDir, name)
	if err := os.Rename(filePath, dest); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}
	return dest, nil
}

// RestoreFromBackup copies filePath.bak over filePath when the backup is a
// valid document of fileType.
func RestoreFromBackup(filePath, fileType string) error {
	bakPath := filePath + ".bak"
	content, err := os.ReadFile(bakPath)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("no backup file: %s", bakPath)
	}
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	if err := ValidateSchemaHeaderFromBytes(content, fileType); err != nil {
		return fmt.Errorf("backup is also corrupted: %w", err)
	}
	return WriteFileAtomic(filePath, content, 0644)
}

// GenerateSkeleton writes an empty document of fileType to filePath.
func GenerateSkeleton(filePath string, fileType string) error {
	content, err := yamlv3.Marshal(skeletonFor(fileType))
	if err != nil {
		return fmt.Errorf("marshal skeleton: %w", err)
	}
	return WriteFileAtomic(filePath, content, 0644)
}

// RecoverCorruptedFile quarantines filePath, then restores the backup, or
// failing that writes a skeleton when allowSkeleton is set. Documents whose
// loss would silently drop history pass allowSkeleton=false and get an
// error instead.
func RecoverCorruptedFile(root, filePath, fileType string, allowSkeleton bool) (Recovery, error) {
	if _, err := Quarantine(root, filePath); err != nil {
		return 0, fmt.Errorf("quarantine failed: %w", err)
	}

	bakErr := RestoreFromBackup(filePath, fileType)
	if bakErr == nil {
		return RecoveredFromBackup, nil
	}
	if !allowSkeleton {
		return 0, fmt.Errorf("restore %s: %w", filepath.Base(filePath), bakErr)
	}
	if err := GenerateSkeleton(filePath, fileType); err != nil {
		return 0, fmt.Errorf("skeleton generation failed: %w", err)
	}
	return RecoveredSkeleton, nil
}

func skeletonFor(fileType string) any {
	base := map[string]any{
		"schema_version": CurrentSchemaVersion,
		"file_type":      fileType,
	}
	switch fileType {
	case FileTypePositionMetadata:
		base["records"] = []any{}
	case FileTypeZUpdates:
		base["updates"] = map[string]any{}
	case FileTypeExperimentMetadata:
		base["positions"] = map[string]any{}
		base["timestamps"] = []any{}
		base["timepoints"] = []any{}
	}
	return base
}

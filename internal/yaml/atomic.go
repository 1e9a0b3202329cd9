// Package yaml provides crash-safe YAML document I/O: atomic replacement,
// schema headers and quarantine of corrupted files.
package yaml

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"
)

// AtomicWrite marshals data and replaces path with it atomically.
func AtomicWrite(path string, data any) error {
	content, err := yamlv3.Marshal(data)
	if err != nil {
		return fmt.Errorf("yaml marshal: %w", err)
	}
	return AtomicWriteRaw(path, content)
}

// AtomicWriteRaw validates content as YAML, keeps the previous version of
// path as path.bak and renames a fully synced temp file over path. On any
// failure the existing file is left untouched.
func AtomicWriteRaw(path string, content []byte) error {
	return writeAtomic(path, content, 0644, func(tmpName string) error {
		written, err := os.ReadFile(tmpName)
		if err != nil {
			return fmt.Errorf("read temp file for validation: %w", err)
		}
		if err := validateYAML(written); err != nil {
			return fmt.Errorf("yaml validation failed: %w", err)
		}
		if _, err := os.Stat(path); err == nil {
			if err := copyFile(path, path+".bak"); err != nil {
				return fmt.Errorf("create backup: %w", err)
			}
		}
		return nil
	})
}

// WriteFileAtomic replaces path with content via temp file and rename,
// without YAML validation or backups. Used for binary artefacts.
func WriteFileAtomic(path string, content []byte, perm os.FileMode) error {
	return writeAtomic(path, content, perm, nil)
}

// ReadDocument validates the schema header of path against fileType and
// decodes it into v.
func ReadDocument(path, fileType string, v any) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := ValidateSchemaHeaderFromBytes(content, fileType); err != nil {
		return fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	if err := yamlv3.Unmarshal(content, v); err != nil {
		return fmt.Errorf("%s: decode: %w", filepath.Base(path), err)
	}
	return nil
}

func writeAtomic(path string, content []byte, perm os.FileMode, beforeRename func(tmpName string) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".scope-tmp-*"+filepath.Ext(path))
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	renamed := false
	defer func() {
		_ = tmp.Close()
		if !renamed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if beforeRename != nil {
		if err := beforeRename(tmpName); err != nil {
			return err
		}
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	renamed = true
	syncDir(dir)
	return nil
}

// syncDir flushes the directory entry of a rename. Best effort: some
// filesystems refuse fsync on directories.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

func validateYAML(content []byte) error {
	var v any
	return yamlv3.Unmarshal(content, &v)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

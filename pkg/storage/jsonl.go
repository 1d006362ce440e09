package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// AppendJSONL appends one record as a single JSON line, creating parent
// directories as needed. The caller is responsible for redaction.
func AppendJSONL(registry *LockRegistry, path string, row map[string]interface{}) error {
	raw, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("encode jsonl row: %w", err)
	}
	lock := registry.For(path)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(raw, '\n')); err != nil {
		return err
	}
	return nil
}

// ReadJSONL returns every parseable object row in file order. Missing files
// yield an empty slice; malformed lines are skipped.
func ReadJSONL(path string) []map[string]interface{} {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var rows []map[string]interface{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var row map[string]interface{}
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			continue
		}
		rows = append(rows, row)
	}
	return rows
}

// TailJSONL returns the last n rows, newest last.
func TailJSONL(path string, n int) []map[string]interface{} {
	rows := ReadJSONL(path)
	if n <= 0 || len(rows) <= n {
		return rows
	}
	return rows[len(rows)-n:]
}

// TrimJSONL rewrites the file keeping only the last keep rows. The write is
// atomic (temp file + rename).
func TrimJSONL(registry *LockRegistry, path string, keep int) error {
	lock := registry.For(path)
	lock.Lock()
	defer lock.Unlock()

	rows := ReadJSONL(path)
	if keep <= 0 || len(rows) <= keep {
		return nil
	}
	rows = rows[len(rows)-keep:]

	var b strings.Builder
	for _, row := range rows {
		raw, err := json.Marshal(row)
		if err != nil {
			continue
		}
		b.Write(raw)
		b.WriteByte('\n')
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// WriteFileAtomic writes data via temp file + rename under the path lock.
func WriteFileAtomic(registry *LockRegistry, path string, data []byte) error {
	lock := registry.For(path)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

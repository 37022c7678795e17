// Package ledger tracks which post fingerprints have already been classified
package ledger

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Ledger keeps one newline-delimited fingerprint file per tag
type Ledger struct {
	dir string
}

// New creates a ledger storing its files in dir
func New(dir string) *Ledger {
	return &Ledger{dir: dir}
}

func (l *Ledger) path(tag string) string {
	return filepath.Join(l.dir, tag+".txt")
}

// Load returns the fingerprints recorded for tag; a missing file is an empty set
func (l *Ledger) Load(tag string) (map[string]struct{}, error) {
	seen := make(map[string]struct{})

	f, err := os.Open(l.path(tag))
	if errors.Is(err, fs.ErrNotExist) {
		return seen, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			seen[line] = struct{}{}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	return seen, nil
}

// Append records the fingerprints not already present and returns how
// many were written
func (l *Ledger) Append(tag string, fingerprints []string) (int, error) {
	seen, err := l.Load(tag)
	if err != nil {
		return 0, err
	}

	var sb strings.Builder
	n := 0
	for _, fp := range fingerprints {
		if fp == "" {
			continue
		}
		if _, ok := seen[fp]; ok {
			continue
		}
		seen[fp] = struct{}{}
		sb.WriteString(fp)
		sb.WriteByte('\n')
		n++
	}
	if n == 0 {
		return 0, nil
	}

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return 0, fmt.Errorf("create ledger dir: %w", err)
	}
	f, err := os.OpenFile(l.path(tag), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open ledger: %w", err)
	}
	if _, err := f.WriteString(sb.String()); err != nil {
		f.Close()
		return 0, fmt.Errorf("append ledger: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return 0, fmt.Errorf("sync ledger: %w", err)
	}
	return n, f.Close()
}

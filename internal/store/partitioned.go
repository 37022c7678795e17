package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"
	"github.com/pbaille/taglisten/internal/domain"
	perr "github.com/pbaille/taglisten/internal/errors"
)

// Row is a parquet row that knows which date partition it belongs to
type Row interface {
	Partition() domain.Partition
}

// Replicator is handed every partition directory an Upsert replaced
type Replicator interface {
	Replicate(dir string)
}

// Partitioned stores rows as parquet files under
// <dir>/tag=<tag>/postYear=<y>/postMonth=<m>/postDay=<d>/
//
// Readers and Upsert in one process are serialized. A reader in another
// process that lands between the two renames of a partition swap reads
// the moved-aside copy instead.
type Partitioned[R Row] struct {
	dir string

	mu         sync.RWMutex
	replicator Replicator
}

// NewPartitioned creates a store rooted at root/collection
func NewPartitioned[R Row](root, collection string) *Partitioned[R] {
	return &Partitioned[R]{dir: filepath.Join(root, collection)}
}

// Dir returns the collection directory
func (p *Partitioned[R]) Dir() string { return p.dir }

// SetReplicator registers r to receive replaced partitions; nil disables it
func (p *Partitioned[R]) SetReplicator(r Replicator) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replicator = r
}

const oldPrefix = ".old-"

// asideName is the name a partition directory is moved to during a swap.
// It stays next to the original so readers can find it by name.
func asideName(base, id string) string {
	return oldPrefix + base + "-" + id
}

// asideOf returns the partition directory name an aside directory stands for
func asideOf(name string) (string, bool) {
	if !strings.HasPrefix(name, oldPrefix) || len(name) < len(oldPrefix)+37 {
		return "", false
	}
	return name[len(oldPrefix) : len(name)-37], true
}

func (p *Partitioned[R]) tagDir(tag string) string {
	return filepath.Join(p.dir, "tag="+tag)
}

// PartitionPath returns the hive-style relative path of a partition
func PartitionPath(part domain.Partition) string {
	return filepath.Join(
		fmt.Sprintf("postYear=%d", part.Year),
		fmt.Sprintf("postMonth=%d", part.Month),
		fmt.Sprintf("postDay=%d", part.Day),
	)
}

func (p *Partitioned[R]) requireTag(tag string) (string, error) {
	dir := p.tagDir(tag)
	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return "", perr.StoreEmptyf("no data for tag %q", tag)
	}
	if err != nil {
		return "", perr.Wrapf(err, perr.ErrorCodeRun, "stat %s", dir)
	}
	if !info.IsDir() {
		return "", perr.Newf(perr.ErrorCodeRun, "%s is not a directory", dir)
	}
	return dir, nil
}

// ReadAll returns every row of every partition of tag.
// Returns a StoreEmpty error when the tag has never been written.
func (p *Partitioned[R]) ReadAll(tag string) ([]R, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	dir, err := p.requireTag(tag)
	if err != nil {
		return nil, err
	}
	return readRetrying[R](func() ([]string, error) { return listTag(dir) })
}

// listTag returns the part files of every partition under dir. A moved
// aside partition is listed only while its original is missing.
func listTag(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path != dir {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if path == dir || !strings.HasPrefix(d.Name(), ".") {
				return nil
			}
			if base, ok := asideOf(d.Name()); ok {
				if _, err := os.Stat(filepath.Join(filepath.Dir(path), base)); errors.Is(err, fs.ErrNotExist) {
					return nil
				}
			}
			return filepath.SkipDir
		}
		if strings.HasSuffix(d.Name(), ".parquet") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeRun, "walk %s", dir)
	}
	sort.Strings(files)
	return files, nil
}

// partitionFiles lists the part files of one partition, falling back to
// its moved-aside copy when a swap is in progress
func partitionFiles(partDir string) ([]string, error) {
	found, err := filepath.Glob(filepath.Join(partDir, "*.parquet"))
	if err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeRun, "list %s", partDir)
	}
	if len(found) > 0 {
		sort.Strings(found)
		return found, nil
	}
	if _, err := os.Stat(partDir); err == nil {
		return nil, nil
	}
	aside, err := filepath.Glob(filepath.Join(filepath.Dir(partDir), oldPrefix+filepath.Base(partDir)+"-*"))
	if err != nil || len(aside) == 0 {
		return nil, nil
	}
	sort.Strings(aside)
	found, err = filepath.Glob(filepath.Join(aside[0], "*.parquet"))
	if err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeRun, "list %s", aside[0])
	}
	sort.Strings(found)
	return found, nil
}

// readRetrying lists then reads, listing again when a file vanished
// because another process finished a swap in between
func readRetrying[R Row](list func() ([]string, error)) ([]R, error) {
	for attempt := 0; ; attempt++ {
		files, err := list()
		if err != nil {
			return nil, err
		}
		rows, err := readFiles[R](files)
		if errors.Is(err, fs.ErrNotExist) && attempt < 2 {
			continue
		}
		return rows, err
	}
}

// ReadPartitions returns the rows of every existing partition in the
// cartesian product of years, months and days. Missing partitions are
// skipped; a missing tag is a StoreEmpty error.
func (p *Partitioned[R]) ReadPartitions(tag string, years, months, days []int) ([]R, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	dir, err := p.requireTag(tag)
	if err != nil {
		return nil, err
	}
	return readRetrying[R](func() ([]string, error) {
		var files []string
		for _, y := range years {
			for _, m := range months {
				for _, d := range days {
					found, err := partitionFiles(filepath.Join(dir, PartitionPath(domain.Partition{Year: y, Month: m, Day: d})))
					if err != nil {
						return nil, err
					}
					files = append(files, found...)
				}
			}
		}
		return files, nil
	})
}

func readFiles[R Row](files []string) ([]R, error) {
	var out []R
	for _, f := range files {
		rows, err := parquet.ReadFile[R](f)
		if err != nil {
			return nil, perr.Wrapf(err, perr.ErrorCodeRun, "read %s", f)
		}
		out = append(out, rows...)
	}
	return out, nil
}

// Upsert groups rows by partition and replaces each touched partition
// with exactly its rows. Partitions not present in rows are left alone,
// so callers pass the full desired content of every partition they touch.
// The registered Replicator, if any, gets each replaced directory after
// the store lock is released.
func (p *Partitioned[R]) Upsert(tag string, rows []R) error {
	if len(rows) == 0 {
		return nil
	}
	replaced, repl, err := p.upsert(tag, rows)
	if repl != nil {
		for _, dir := range replaced {
			repl.Replicate(dir)
		}
	}
	return err
}

func (p *Partitioned[R]) upsert(tag string, rows []R) ([]string, Replicator, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	groups := make(map[domain.Partition][]R)
	var order []domain.Partition
	for _, r := range rows {
		part := r.Partition()
		if _, ok := groups[part]; !ok {
			order = append(order, part)
		}
		groups[part] = append(groups[part], r)
	}

	dir := p.tagDir(tag)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, p.replicator, perr.Wrapf(err, perr.ErrorCodeRun, "create %s", dir)
	}
	var replaced []string
	for _, part := range order {
		final, err := replacePartition(dir, part, groups[part])
		if err != nil {
			return replaced, p.replicator, err
		}
		replaced = append(replaced, final)
	}
	return replaced, p.replicator, nil
}

// replacePartition writes rows into a temp directory and swaps it in
// with renames. The old directory is moved aside under a name derived
// from the partition, so readers see the old or the new rows. Returns
// the partition directory.
func replacePartition[R Row](tagDir string, part domain.Partition, rows []R) (string, error) {
	id := uuid.NewString()
	tmp := filepath.Join(tagDir, ".tmp-"+id)
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return "", perr.Wrapf(err, perr.ErrorCodeRun, "create %s", tmp)
	}
	defer os.RemoveAll(tmp)

	file := filepath.Join(tmp, "part-"+id+".parquet")
	if err := parquet.WriteFile(file, rows, parquet.Compression(&parquet.Snappy)); err != nil {
		return "", perr.Wrapf(err, perr.ErrorCodeRun, "write %s", file)
	}

	final := filepath.Join(tagDir, PartitionPath(part))
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return "", perr.Wrapf(err, perr.ErrorCodeRun, "create %s", filepath.Dir(final))
	}

	old := ""
	if _, err := os.Stat(final); err == nil {
		old = filepath.Join(filepath.Dir(final), asideName(filepath.Base(final), id))
		if err := os.Rename(final, old); err != nil {
			return "", perr.Wrapf(err, perr.ErrorCodeRun, "move aside %s", final)
		}
	}
	if err := os.Rename(tmp, final); err != nil {
		if old != "" {
			_ = os.Rename(old, final)
		}
		return "", perr.Wrapf(err, perr.ErrorCodeRun, "swap in %s", final)
	}
	if old != "" {
		if err := os.RemoveAll(old); err != nil {
			return "", perr.Wrapf(err, perr.ErrorCodeRun, "remove %s", old)
		}
	}
	return final, nil
}

// Tags lists the tags that have at least one written partition
func (p *Partitioned[R]) Tags() ([]string, error) {
	entries, err := os.ReadDir(p.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeRun, "list %s", p.dir)
	}
	var tags []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "tag=") {
			tags = append(tags, strings.TrimPrefix(e.Name(), "tag="))
		}
	}
	sort.Strings(tags)
	return tags, nil
}

// Package mirror copies the partitioned collections to an S3-compatible
// object store such as a lakeFS gateway, where the repository is the
// bucket and the branch is the first path element
package mirror

import (
	"context"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pbaille/taglisten/internal/logger"
	"github.com/rs/zerolog"
)

// Options configures a Mirror
type Options struct {
	// Endpoint is the gateway URL, e.g. http://lakefs:8000
	Endpoint   string
	AccessKey  string
	SecretKey  string
	Repository string
	Branch     string
	Region     string
	Timeout    time.Duration

	// Root is the local data directory; object keys are paths relative to it
	Root string
}

// Mirror uploads local partition directories and removes remote objects
// that no longer exist locally
type Mirror struct {
	client  *minio.Client
	bucket  string
	branch  string
	root    string
	timeout time.Duration
	log     zerolog.Logger
}

// New creates a Mirror
func New(o Options, log zerolog.Logger) (*Mirror, error) {
	if o.Repository == "" {
		return nil, fmt.Errorf("mirror repository not set")
	}
	u, err := url.Parse(o.Endpoint)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid mirror endpoint %q", o.Endpoint)
	}
	if o.Branch == "" {
		o.Branch = "main"
	}
	if o.Region == "" {
		o.Region = "us-east-1"
	}
	if o.Timeout <= 0 {
		o.Timeout = time.Minute
	}

	client, err := minio.New(u.Host, &minio.Options{
		Creds:        credentials.NewStaticV4(o.AccessKey, o.SecretKey, ""),
		Secure:       u.Scheme == "https",
		Region:       o.Region,
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}

	return &Mirror{
		client:  client,
		bucket:  o.Repository,
		branch:  o.Branch,
		root:    o.Root,
		timeout: o.Timeout,
		log:     logger.Named(log, "mirror"),
	}, nil
}

// Replicate syncs one replaced partition directory. Failures are logged;
// the local store stays the source of truth and the next replacement of
// the partition or a full Sync catches up.
func (m *Mirror) Replicate(dir string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	if err := m.Sync(ctx, dir); err != nil {
		m.log.Warn().Err(err).Str("dir", dir).Msg("mirror sync failed")
	}
}

// Sync makes the remote copy of dir, a directory under the data root,
// hold exactly its part files. New files are uploaded before stale
// objects are removed.
func (m *Mirror) Sync(ctx context.Context, dir string) error {
	prefix, err := m.key(dir)
	if err != nil {
		return err
	}
	prefix += "/"

	files, err := partFiles(dir)
	if err != nil {
		return err
	}

	uploaded := make(map[string]bool, len(files))
	for _, f := range files {
		key, err := m.key(f)
		if err != nil {
			return err
		}
		if _, err := m.client.FPutObject(ctx, m.bucket, key, f, minio.PutObjectOptions{
			ContentType: "application/vnd.apache.parquet",
		}); err != nil {
			return fmt.Errorf("upload %s: %w", key, err)
		}
		uploaded[key] = true
	}

	listCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	removed := 0
	for obj := range m.client.ListObjects(listCtx, m.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return fmt.Errorf("list %s: %w", prefix, obj.Err)
		}
		if uploaded[obj.Key] {
			continue
		}
		if err := m.client.RemoveObject(ctx, m.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("remove %s: %w", obj.Key, err)
		}
		removed++
	}

	m.log.Debug().Str("prefix", prefix).Int("uploaded", len(uploaded)).Int("removed", removed).Msg("mirrored")
	return nil
}

// key maps a local path under the root to its object key
func (m *Mirror) key(p string) (string, error) {
	rel, err := filepath.Rel(m.root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside the data dir %s", p, m.root)
	}
	return path.Join(m.branch, filepath.ToSlash(rel)), nil
}

// partFiles lists the parquet files under dir, skipping swap leftovers
func partFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && p == dir {
				return fs.SkipAll
			}
			return err
		}
		if d.IsDir() {
			if p != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(d.Name(), ".parquet") {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}
	return files, nil
}

package storage

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"papermill/internal/config"
)

var _ Gateway = (*FS)(nil)

// FS is the filesystem gateway implementation.
type FS struct {
	root   string
	signer *Signer
}

// NewFS builds a filesystem gateway rooted at the configured cache directory.
func NewFS(cfg *config.Config) (*FS, error) {
	root := cfg.Storage.Root
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &FS{
		root: root,
		signer: NewSigner(cfg.Storage.Secret,
			time.Duration(cfg.Storage.SessionURLExpires)*time.Second,
			time.Duration(cfg.Storage.TemporaryURLExpires)*time.Second),
	}, nil
}

func (f *FS) resolve(key string) (string, error) {
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return "", fmt.Errorf("storage key %q escapes root", key)
		}
	}
	cleaned := path.Clean("/" + key)
	if cleaned == "/" {
		return "", fmt.Errorf("empty storage key")
	}
	return filepath.Join(f.root, filepath.FromSlash(cleaned)), nil
}

func (f *FS) Get(ctx context.Context, key string) ([]byte, error) {
	reader, err := f.GetReader(ctx, key)
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read object %q: %w", key, err)
	}
	return data, nil
}

func (f *FS) GetReader(_ context.Context, key string) (io.ReadCloser, error) {
	full, err := f.resolve(key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(full)
	if err != nil {
		return nil, fmt.Errorf("open object %q: %w", key, err)
	}
	return file, nil
}

func (f *FS) Put(_ context.Context, key string, reader io.Reader) error {
	full, err := f.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("create object directory for %q: %w", key, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(full), ".put-*")
	if err != nil {
		return fmt.Errorf("create temp object for %q: %w", key, err)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, reader); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write object %q: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close object %q: %w", key, err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("finalize object %q: %w", key, err)
	}
	return nil
}

func (f *FS) Copy(ctx context.Context, srcKey, dstKey string) error {
	reader, err := f.GetReader(ctx, srcKey)
	if err != nil {
		return err
	}
	defer reader.Close()
	return f.Put(ctx, dstKey, reader)
}

func (f *FS) CopyPath(ctx context.Context, srcPrefix, dstPrefix string) error {
	keys, err := f.List(ctx, srcPrefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		rel := strings.TrimPrefix(strings.TrimPrefix(key, srcPrefix), "/")
		target := path.Join(dstPrefix, rel)
		if err := f.Copy(ctx, key, target); err != nil {
			return err
		}
	}
	return nil
}

func (f *FS) List(_ context.Context, prefix string) ([]string, error) {
	full, err := f.resolve(prefix)
	if err != nil {
		return nil, err
	}
	var keys []string
	err = filepath.WalkDir(full, func(walkPath string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if os.IsNotExist(walkErr) && walkPath == full {
				return filepath.SkipAll
			}
			return walkErr
		}
		if entry.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(f.root, walkPath)
		if relErr != nil {
			return relErr
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list objects under %q: %w", prefix, err)
	}
	return keys, nil
}

func (f *FS) Delete(_ context.Context, key string) error {
	full, err := f.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete object %q: %w", key, err)
	}
	f.pruneEmptyParents(filepath.Dir(full))
	return nil
}

func (f *FS) DeletePath(_ context.Context, prefix string) error {
	full, err := f.resolve(prefix)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(full); err != nil {
		return fmt.Errorf("delete path %q: %w", prefix, err)
	}
	f.pruneEmptyParents(filepath.Dir(full))
	return nil
}

// pruneEmptyParents removes directories emptied by a delete, stopping at the
// storage root so the cache tree never accumulates husks.
func (f *FS) pruneEmptyParents(dir string) {
	for strings.HasPrefix(dir, f.root+string(os.PathSeparator)) {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

func (f *FS) SignedURL(baseURL, key string, urlType URLType, filename string) (string, error) {
	return f.signer.SignedURL(baseURL, key, urlType, filename)
}

// VerifySignedURL exposes signature checking for the download handler.
func (f *FS) VerifySignedURL(uri, md5Param, expiresParam string) error {
	return f.signer.Verify(uri, md5Param, expiresParam)
}

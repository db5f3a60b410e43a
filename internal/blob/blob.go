// Package blob stores uploaded avatar images and hands back reference URLs.
package blob

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Store interface {
	// Put writes the object and returns its reference URL.
	Put(ctx context.Context, filename string, content io.Reader) (string, error)
	// Delete removes a previously returned reference. Deleting a reference
	// this store did not issue is a no-op.
	Delete(ctx context.Context, url string) error
}

const urlPrefix = "/uploads/avatars/"

// Disk stores blobs on the local filesystem under dir and serves them at
// urlPrefix, optionally prefixed with a public base URL.
type Disk struct {
	dir     string
	baseURL string
}

func NewDisk(dir, baseURL string) (*Disk, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &Disk{dir: dir, baseURL: strings.TrimSuffix(baseURL, "/")}, nil
}

func (d *Disk) Put(_ context.Context, filename string, content io.Reader) (string, error) {
	// Timestamped unique name; the client-supplied name only contributes its
	// extension.
	ext := filepath.Ext(filepath.Base(filename))
	name := fmt.Sprintf("%d-%s%s", time.Now().UnixMilli(), uuid.NewString(), ext)

	f, err := os.Create(filepath.Join(d.dir, name))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, content); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return d.baseURL + urlPrefix + name, nil
}

func (d *Disk) Delete(_ context.Context, url string) error {
	trimmed := strings.TrimPrefix(url, d.baseURL)
	if !strings.HasPrefix(trimmed, urlPrefix) {
		return nil
	}
	name := filepath.Base(strings.TrimPrefix(trimmed, urlPrefix))
	err := os.Remove(filepath.Join(d.dir, name))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

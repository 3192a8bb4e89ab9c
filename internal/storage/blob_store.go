package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dunamismax/jobloop/internal/domain"
	"github.com/dunamismax/jobloop/internal/id"
)

const (
	SchemeShare = "share://"
	SchemeS3    = "s3://"
	SchemeFile  = "file://"
)

var (
	ErrUnsupportedLocation = errors.New("unsupported location")
	// ErrObjectNotFound matches fs.ErrNotExist so a missing object reads the
	// same as a missing share file.
	ErrObjectNotFound = fmt.Errorf("object not found: %w", fs.ErrNotExist)
)

// Uploader copies a local file to durable storage and returns its location.
type Uploader interface {
	UploadFile(ctx context.Context, objectKey, path string) (string, error)
}

// Registrar records uploaded artifacts as logical files.
type Registrar interface {
	RegisterFile(ctx context.Context, file domain.File) error
}

type objectReader interface {
	Bucket() string
	ObjectExists(ctx context.Context, objectKey string) (bool, error)
	ReadObject(ctx context.Context, objectKey string) ([]byte, error)
}

type BlobConfig struct {
	ShareDir  string
	OutputDir string
	Prefix    string
}

// BlobStore reads job inputs, materializes in-memory results and uploads
// artifacts. share:// locations live under ShareDir; s3:// locations are read
// through the object client when one is configured.
type BlobStore struct {
	shareDir  string
	outputDir string
	prefix    string
	uploader  Uploader
	registrar Registrar
	objects   objectReader
	newID     func() string
	now       func() time.Time
}

type BlobOption func(*BlobStore)

// WithObjectClient routes s3:// reads through c.
func WithObjectClient(c *Client) BlobOption {
	return func(b *BlobStore) {
		if c != nil {
			b.objects = c
		}
	}
}

func WithIDGenerator(fn func() string) BlobOption {
	return func(b *BlobStore) { b.newID = fn }
}

func NewBlobStore(cfg BlobConfig, uploader Uploader, registrar Registrar, opts ...BlobOption) (*BlobStore, error) {
	if strings.TrimSpace(cfg.ShareDir) == "" {
		return nil, errors.New("share directory is required")
	}
	if uploader == nil {
		return nil, errors.New("uploader is required")
	}
	if registrar == nil {
		return nil, errors.New("file registrar is required")
	}

	outputDir := cfg.OutputDir
	if strings.TrimSpace(outputDir) == "" {
		outputDir = filepath.Join(cfg.ShareDir, "jobloop-files")
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	prefix := strings.Trim(strings.TrimSpace(cfg.Prefix), "/")
	if prefix == "" {
		prefix = "artifacts"
	}

	b := &BlobStore{
		shareDir:  cfg.ShareDir,
		outputDir: outputDir,
		prefix:    prefix,
		uploader:  uploader,
		registrar: registrar,
		newID:     id.New,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// LocalPath maps a share:// or file:// location (or a bare path) to a path on
// the local filesystem.
func (b *BlobStore) LocalPath(location string) (string, error) {
	switch {
	case strings.HasPrefix(location, SchemeShare):
		rel := strings.TrimPrefix(location, SchemeShare)
		clean := filepath.Clean("/" + rel)
		return filepath.Join(b.shareDir, clean), nil
	case strings.HasPrefix(location, SchemeFile):
		return strings.TrimPrefix(location, SchemeFile), nil
	case strings.Contains(location, "://"):
		return "", fmt.Errorf("%w: %s is not on the local filesystem", ErrUnsupportedLocation, location)
	default:
		return location, nil
	}
}

func (b *BlobStore) Read(ctx context.Context, location string) ([]byte, error) {
	if strings.HasPrefix(location, SchemeS3) {
		return b.readObject(ctx, location)
	}

	p, err := b.LocalPath(location)
	if err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p, err)
	}
	return data, nil
}

func (b *BlobStore) readObject(ctx context.Context, location string) ([]byte, error) {
	if b.objects == nil {
		return nil, fmt.Errorf("%w: no object client configured for %s", ErrUnsupportedLocation, location)
	}
	rest := strings.TrimPrefix(location, SchemeS3)
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || key == "" {
		return nil, fmt.Errorf("%w: malformed object location %s", ErrUnsupportedLocation, location)
	}
	if bucket != b.objects.Bucket() {
		return nil, fmt.Errorf("%w: bucket %s is not configured", ErrUnsupportedLocation, bucket)
	}

	exists, err := b.objects.ObjectExists(ctx, key)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, location)
	}
	return b.objects.ReadObject(ctx, key)
}

// Materialize writes payload to a new file named suggestedName in the output
// directory. An existing file with that name is an error, never overwritten.
func (b *BlobStore) Materialize(_ context.Context, payload []byte, suggestedName string) (string, error) {
	name := filepath.Base(strings.TrimSpace(suggestedName))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return "", errors.New("materialize: file name is required")
	}

	full := filepath.Join(b.outputDir, name)
	f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("materialize %s: %w", name, err)
	}
	if _, err := f.Write(payload); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("materialize %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("materialize %s: %w", name, err)
	}
	return full, nil
}

// Upload copies the artifact at location to durable storage, registers it as a
// logical file and returns the new file id.
func (b *BlobStore) Upload(ctx context.Context, location string) (string, error) {
	p, err := b.LocalPath(location)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(p)
	if err != nil {
		return "", fmt.Errorf("stat artifact %s: %w", p, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("artifact %s is a directory", p)
	}

	fileID := b.newID()
	name := filepath.Base(p)
	objectKey := path.Join(b.prefix, fileID, name)

	stored, err := b.uploader.UploadFile(ctx, objectKey, p)
	if err != nil {
		return "", fmt.Errorf("upload artifact %s: %w", name, err)
	}

	if err := b.registrar.RegisterFile(ctx, domain.File{
		ID:        fileID,
		Name:      name,
		Location:  stored,
		CreatedAt: b.now(),
	}); err != nil {
		return "", fmt.Errorf("register artifact %s: %w", fileID, err)
	}
	return fileID, nil
}

// DirUploader copies artifacts into the share directory and returns share://
// locations. It stands in for object storage on single-host deployments.
type DirUploader struct {
	ShareDir string
}

func (u DirUploader) UploadFile(ctx context.Context, objectKey, src string) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	dst := filepath.Join(u.ShareDir, filepath.FromSlash(objectKey))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}

	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("create artifact copy: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return "", fmt.Errorf("copy artifact: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("copy artifact: %w", err)
	}
	return SchemeShare + objectKey, nil
}

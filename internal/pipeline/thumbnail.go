package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dunamismax/jobloop/internal/id"
	"github.com/dunamismax/jobloop/internal/worker"
)

type Fetcher interface {
	Fetch(ctx context.Context, location string) ([]byte, error)
}

type Emitter interface {
	Emit(ctx context.Context, data []byte, format string) (string, error)
}

// Thumbnailer fetches the image named by the job input, transforms it and
// writes the result to a new file, returning its path.
type Thumbnailer struct {
	fetcher     Fetcher
	transformer Transformer
	emitter     Emitter
}

func NewThumbnailer(outputDir string, reader Reader) (*Thumbnailer, error) {
	if strings.TrimSpace(outputDir) == "" {
		return nil, errors.New("thumbnail output directory is required")
	}

	var fetcher Fetcher = LocalFileFetcher{}
	if reader != nil {
		fetcher = readerFetcher{reader: reader}
	}

	return &Thumbnailer{
		fetcher:     fetcher,
		transformer: stdlibTransformer{},
		emitter:     LocalFileEmitter{OutputDir: outputDir, newID: id.New},
	}, nil
}

func (t *Thumbnailer) Process(ctx context.Context, input any) (worker.Result, error) {
	spec, err := decodeThumbnailSpec(input)
	if err != nil {
		return nil, err
	}

	source, err := t.fetcher.Fetch(ctx, spec.Image)
	if err != nil {
		return nil, fmt.Errorf("fetch stage: %w", err)
	}

	transformed, format, _, _, err := t.transformer.Transform(ctx, source, spec)
	if err != nil {
		return nil, fmt.Errorf("transform stage: %w", err)
	}

	path, err := t.emitter.Emit(ctx, transformed, format)
	if err != nil {
		return nil, fmt.Errorf("emit stage: %w", err)
	}
	return worker.File(path), nil
}

func decodeThumbnailSpec(input any) (ThumbnailSpec, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return ThumbnailSpec{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	var spec ThumbnailSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return ThumbnailSpec{}, fmt.Errorf("%w: expected an object with an image field: %v", ErrInvalidInput, err)
	}
	spec.Image = strings.TrimSpace(spec.Image)
	if spec.Image == "" {
		return ThumbnailSpec{}, fmt.Errorf("%w: image is required", ErrInvalidInput)
	}
	if spec.Width < 0 {
		return ThumbnailSpec{}, fmt.Errorf("%w: width must not be negative", ErrInvalidInput)
	}
	return spec, nil
}

type readerFetcher struct {
	reader Reader
}

func (f readerFetcher) Fetch(ctx context.Context, location string) ([]byte, error) {
	data, err := f.reader.Read(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("read image %s: %w", location, err)
	}
	return data, nil
}

type LocalFileFetcher struct{}

func (LocalFileFetcher) Fetch(ctx context.Context, location string) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	data, err := os.ReadFile(strings.TrimPrefix(location, "file://"))
	if err != nil {
		return nil, fmt.Errorf("read input file %s: %w", location, err)
	}
	return data, nil
}

type LocalFileEmitter struct {
	OutputDir string
	newID     func() string
}

// Emit writes data under a fresh name. The file is created exclusively so an
// existing artifact is never replaced.
func (e LocalFileEmitter) Emit(_ context.Context, data []byte, format string) (string, error) {
	if strings.TrimSpace(e.OutputDir) == "" {
		return "", errors.New("output directory is required")
	}
	newID := e.newID
	if newID == nil {
		newID = id.New
	}

	if err := os.MkdirAll(e.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	fullPath := filepath.Join(e.OutputDir, newID()+extensionFor(normalizeOutputFormat(format)))
	f, err := os.OpenFile(fullPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("create output file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return "", fmt.Errorf("write output file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close output file: %w", err)
	}
	return fullPath, nil
}

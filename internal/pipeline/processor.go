// Package pipeline holds the built-in processors a worker can run: noop,
// echo and thumbnail.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dunamismax/jobloop/internal/worker"
)

const (
	NameNoop      = "noop"
	NameEcho      = "echo"
	NameThumbnail = "thumbnail"
)

var (
	ErrUnknownProcessor = errors.New("unknown processor")
	ErrInvalidInput     = errors.New("invalid processor input")
)

// Reader reads the bytes behind a location. *storage.BlobStore satisfies it.
type Reader interface {
	Read(ctx context.Context, location string) ([]byte, error)
}

type Options struct {
	// OutputDir receives files written by processors that produce them.
	OutputDir string
	// Reader resolves image locations for the thumbnail processor. Without
	// one, locations are read as local paths.
	Reader Reader
}

var builders = map[string]func(Options) (worker.Processor, error){
	NameNoop: func(Options) (worker.Processor, error) {
		return worker.ProcessorFunc(Noop), nil
	},
	NameEcho: func(Options) (worker.Processor, error) {
		return worker.ProcessorFunc(Echo), nil
	},
	NameThumbnail: func(opts Options) (worker.Processor, error) {
		return NewThumbnailer(opts.OutputDir, opts.Reader)
	},
}

// New builds the processor registered under name.
func New(name string, opts Options) (worker.Processor, error) {
	build, ok := builders[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %q (have %s)", ErrUnknownProcessor, name, strings.Join(Names(), ", "))
	}
	return build(opts)
}

func Names() []string {
	names := make([]string, 0, len(builders))
	for name := range builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func Noop(context.Context, any) (worker.Result, error) {
	return worker.None(), nil
}

// Echo returns the parsed input re-encoded as an in-memory JSON payload.
func Echo(_ context.Context, input any) (worker.Result, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encode echo payload: %w", err)
	}
	return worker.PayloadResult{Data: data, Extension: ".json"}, nil
}

package worker

import "context"

// Result is what a Processor hands back for persistence. It is one of
// NoResult, FileResult or PayloadResult.
type Result interface {
	isResult()
}

// NoResult means there is nothing to persist; the job still completes.
type NoResult struct{}

// FileResult points at an artifact the processor already wrote. It is
// uploaded as is.
type FileResult struct {
	Path string
}

// PayloadResult is an in-memory artifact, materialized under a unique name
// before upload. Extension defaults to ".json".
type PayloadResult struct {
	Data      []byte
	Extension string
}

func (NoResult) isResult()      {}
func (FileResult) isResult()    {}
func (PayloadResult) isResult() {}

func None() Result {
	return NoResult{}
}

func File(path string) Result {
	return FileResult{Path: path}
}

func Payload(data []byte) Result {
	return PayloadResult{Data: data}
}

// Processor runs the domain work of a job against its parsed input.
type Processor interface {
	Process(ctx context.Context, input any) (Result, error)
}

type ProcessorFunc func(ctx context.Context, input any) (Result, error)

func (f ProcessorFunc) Process(ctx context.Context, input any) (Result, error) {
	return f(ctx, input)
}

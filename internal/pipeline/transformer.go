package pipeline

import (
	"context"
	"errors"
)

var ErrEmptyThumbnailSpec = errors.New("thumbnail needs a width or a watermark")

type Watermark struct {
	Text    string  `json:"text"`
	Opacity float64 `json:"opacity,omitempty"`
	Gravity string  `json:"gravity,omitempty"`
}

// ThumbnailSpec is the job input of the thumbnail processor. Image is a
// location the blob store can read (share://, s3://, file:// or a path).
type ThumbnailSpec struct {
	Image     string     `json:"image"`
	Width     int        `json:"width,omitempty"`
	Format    string     `json:"format,omitempty"`
	Quality   int        `json:"quality,omitempty"`
	Watermark *Watermark `json:"watermark,omitempty"`
}

type Transformer interface {
	Transform(ctx context.Context, input []byte, spec ThumbnailSpec) (data []byte, format string, width, height int, err error)
}

// normalizeOutputFormat maps a requested or source format onto one the
// encoder can write. webp sources are re-encoded as png.
func normalizeOutputFormat(format string) string {
	switch format {
	case "jpg":
		return "jpeg"
	case "jpeg", "png":
		return format
	default:
		return "png"
	}
}

func extensionFor(format string) string {
	if format == "jpeg" {
		return ".jpg"
	}
	return "." + format
}

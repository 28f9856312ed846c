// Package variant derives downscaled WebP renditions of uploaded originals.
package variant

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/disintegration/imaging"
	"github.com/kolesa-team/go-webp/encoder"
	"github.com/kolesa-team/go-webp/webp"

	"github.com/openkiln/uploadflow/pkg/uploadflow"
)

// Generator decodes an original image, resizes it to a spec's bound, and
// re-encodes it as lossy WebP. It implements uploadflow.VariantGenerator.
type Generator struct{}

// NewGenerator returns a ready Generator.
func NewGenerator() *Generator {
	return &Generator{}
}

var _ uploadflow.VariantGenerator = (*Generator)(nil)

// Generate produces one rendition. The source is never upscaled: when it is
// already narrower than the requested width it is re-encoded at its own width.
func (g *Generator) Generate(ctx context.Context, src io.Reader, spec uploadflow.VariantSpec) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, err := imaging.Decode(src, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decoding image for %s variant: %w", spec.Name, err)
	}

	width := img.Bounds().Dx()
	if spec.MaxWidth > 0 && width > spec.MaxWidth {
		img = imaging.Resize(img, spec.MaxWidth, 0, imaging.Lanczos)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts, err := encoder.NewLossyEncoderOptions(encoder.PresetDefault, quality(spec.Quality))
	if err != nil {
		return nil, fmt.Errorf("creating webp encoder options: %w", err)
	}
	var buf bytes.Buffer
	if err := webp.Encode(&buf, img, opts); err != nil {
		return nil, fmt.Errorf("encoding %s variant: %w", spec.Name, err)
	}
	return buf.Bytes(), nil
}

// quality maps the 0..1 spec scale to the encoder's 0..100 scale.
func quality(q float32) float32 {
	if q <= 0 || q > 1 {
		return 75
	}
	return q * 100
}

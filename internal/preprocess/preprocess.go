// Package preprocess turns stored image bytes into the classifier's input tensor.
//
// The transform is fixed: decode, drop alpha to 3 channel RGB, stretch directly
// to ImageSize x ImageSize with nearest neighbour sampling (no crop, no padding)
// and scale each channel by 1/255 into [0,1]. Layout is NHWC with a batch of one.
package preprocess

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"

	"github.com/fundus-screen/backend/internal/models"
)

const (
	// ImageSize is the model's square input resolution.
	ImageSize = 224
	// Channels is the number of color channels fed to the model.
	Channels = 3

	// DefaultMaxPixels bounds decode work for a single image.
	DefaultMaxPixels int64 = 40_000_000
)

// Shape is the tensor shape every preprocessed image has.
var Shape = [4]int{1, ImageSize, ImageSize, Channels}

// CorruptImageError reports bytes that cannot be decoded as a usable image.
type CorruptImageError struct {
	Reason string
	Err    error
}

func (e *CorruptImageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("corrupt image: %s: %v", e.Reason, e.Err)
	}
	return "corrupt image: " + e.Reason
}

func (e *CorruptImageError) Unwrap() error { return e.Err }

// Preprocessor normalizes images. It holds no mutable state and is safe for
// concurrent use.
type Preprocessor struct {
	maxPixels int64
}

// New creates a preprocessor that refuses images above maxPixels. A
// non-positive value selects DefaultMaxPixels.
func New(maxPixels int64) *Preprocessor {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	return &Preprocessor{maxPixels: maxPixels}
}

// FromFile reads and preprocesses the image at path.
func (p *Preprocessor) FromFile(path string) (models.Tensor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.Tensor{}, fmt.Errorf("reading image: %w", err)
	}
	return p.FromBytes(data)
}

// FromBytes decodes data and returns the normalized tensor.
func (p *Preprocessor) FromBytes(data []byte) (models.Tensor, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return models.Tensor{}, &CorruptImageError{Reason: "unreadable header", Err: err}
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return models.Tensor{}, &CorruptImageError{Reason: fmt.Sprintf("invalid dimensions %dx%d", cfg.Width, cfg.Height)}
	}
	if int64(cfg.Width)*int64(cfg.Height) > p.maxPixels {
		return models.Tensor{}, &CorruptImageError{
			Reason: fmt.Sprintf("%dx%d exceeds %d pixels", cfg.Width, cfg.Height, p.maxPixels),
		}
	}

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return models.Tensor{}, &CorruptImageError{Reason: "decode failed", Err: err}
	}

	return toTensor(imaging.Resize(img, ImageSize, ImageSize, imaging.NearestNeighbor)), nil
}

// toTensor copies the RGB channels of a ImageSize square NRGBA image. Alpha is
// discarded without compositing.
func toTensor(img *image.NRGBA) models.Tensor {
	data := make([]float32, 0, ImageSize*ImageSize*Channels)
	for y := 0; y < ImageSize; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+ImageSize*4]
		for x := 0; x < ImageSize; x++ {
			px := row[x*4 : x*4+3]
			data = append(data,
				float32(px[0])/255,
				float32(px[1])/255,
				float32(px[2])/255)
		}
	}
	return models.Tensor{Data: data, Shape: Shape}
}

// images.go - Generated fixture images for tests
package testutil

import (
	"bytes"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"testing"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
)

// Formats lists every upload format together with the extension tests use for it.
var Formats = map[string]string{
	"jpeg": ".jpg",
	"png":  ".png",
	"gif":  ".gif",
	"bmp":  ".bmp",
	"tiff": ".tiff",
}

// Fundus draws a synthetic fundus-like picture: a dark background, an orange
// retina disc and a bright optic disc off centre. Output depends only on w and h.
func Fundus(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	cx, cy := w/2, h/2
	r := min(w, h) * 45 / 100
	ox, oy := cx+r/3, cy
	or := r / 5

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dx, dy := x-cx, y-cy
			c := color.NRGBA{A: 255}
			if dx*dx+dy*dy <= r*r {
				c = color.NRGBA{R: 200, G: uint8(80 + (x*40)/max(w, 1)), B: 30, A: 255}
			}
			odx, ody := x-ox, y-oy
			if odx*odx+ody*ody <= or*or {
				c = color.NRGBA{R: 250, G: 230, B: 170, A: 255}
			}
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

// Encode serializes img in the named format ("jpeg", "png", "gif", "bmp", "tiff").
func Encode(t testing.TB, format string, img image.Image) []byte {
	t.Helper()

	var buf bytes.Buffer
	var err error
	switch format {
	case "jpeg":
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90})
	case "png":
		err = png.Encode(&buf, img)
	case "gif":
		err = gif.Encode(&buf, img, nil)
	case "bmp":
		err = bmp.Encode(&buf, img)
	case "tiff":
		err = tiff.Encode(&buf, img, nil)
	default:
		t.Fatalf("unknown fixture format %q", format)
	}
	if err != nil {
		t.Fatalf("encoding %s fixture: %v", format, err)
	}
	return buf.Bytes()
}

// FundusBytes returns an encoded Fundus image.
func FundusBytes(t testing.TB, format string, w, h int) []byte {
	t.Helper()
	return Encode(t, format, Fundus(w, h))
}

// Grayscale returns a single channel gradient.
func Grayscale(w, h int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8((x + y) % 256)})
		}
	}
	return img
}

// Translucent returns an image whose alpha varies across the frame.
func Translucent(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 255, G: 128, B: 0, A: uint8(x % 256)})
		}
	}
	return img
}

// WindowsExecutable is the start of a PE binary, for renamed-file checks.
func WindowsExecutable() []byte {
	head := []byte("MZ\x90\x00\x03\x00\x00\x00\x04\x00\x00\x00\xff\xff\x00\x00")
	body := make([]byte, 1024)
	copy(body[0x40:], "PE\x00\x00")
	body[0x3c] = 0x40
	return append(head, body...)
}

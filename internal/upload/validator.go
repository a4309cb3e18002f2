// Package upload validates incoming fundus images before they reach storage.
package upload

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/fundus-screen/backend/internal/logger"
	"github.com/fundus-screen/backend/internal/models"
)

// sniffLen is how much of the body is inspected for magic numbers.
const sniffLen = 512

const maxNameLen = 255

// families maps an allowed extension to the canonical MIME type its content must have.
var families = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".bmp":  "image/bmp",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
}

// declaredAliases normalizes content types browsers commonly send.
var declaredAliases = map[string]string{
	"image/jpg":      "image/jpeg",
	"image/pjpeg":    "image/jpeg",
	"image/x-png":    "image/png",
	"image/x-bmp":    "image/bmp",
	"image/x-ms-bmp": "image/bmp",
	"image/tif":      "image/tiff",
	"image/x-tiff":   "image/tiff",
}

// Request is a raw upload as received at the edge.
type Request struct {
	Filename     string
	DeclaredType string
	Size         int64 // -1 when unknown
	Body         io.Reader
}

// Saver is the part of storage.Store the validator needs.
type Saver interface {
	Save(name, mimeType string, r io.Reader) (*models.UploadedImage, error)
}

// Options configures the validator.
type Options struct {
	MaxBytes   int64
	Extensions []string
}

// Validator gatekeeps uploads.
type Validator struct {
	store    Saver
	maxBytes int64
	allowed  map[string]string
	log      *zap.Logger
}

// NewValidator creates a validator. Extensions outside the supported image
// formats are ignored; an empty list allows every supported format.
func NewValidator(store Saver, opts Options, log *zap.Logger) (*Validator, error) {
	if opts.MaxBytes <= 0 || opts.MaxBytes > models.MaxUploadBytes {
		opts.MaxBytes = models.MaxUploadBytes
	}
	if log == nil {
		log = zap.NewNop()
	}

	allowed := make(map[string]string)
	if len(opts.Extensions) == 0 {
		for ext, family := range families {
			allowed[ext] = family
		}
	}
	for _, ext := range opts.Extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		family, ok := families[ext]
		if !ok {
			return nil, fmt.Errorf("extension %s is not a supported image format", ext)
		}
		allowed[ext] = family
	}

	return &Validator{store: store, maxBytes: opts.MaxBytes, allowed: allowed, log: log}, nil
}

// Accept validates req and stores it under a fresh id. Rejected uploads leave
// nothing on disk.
func (v *Validator) Accept(req Request) (*models.UploadedImage, error) {
	name := SanitizeFilename(req.Filename)
	ext := strings.ToLower(filepath.Ext(name))

	family, ok := v.allowed[ext]
	if !ok {
		return nil, v.reject(&UnsupportedFormatError{Filename: name, Reason: "extension not allowed"})
	}
	if err := v.checkDeclared(name, req.DeclaredType, family); err != nil {
		return nil, v.reject(err)
	}
	if req.Size > v.maxBytes {
		return nil, v.reject(&PayloadTooLargeError{Size: req.Size, Limit: v.maxBytes})
	}
	if req.Body == nil {
		return nil, v.reject(&UnsupportedFormatError{Filename: name, Reason: "empty upload"})
	}

	br := bufio.NewReaderSize(req.Body, sniffLen)
	head, err := br.Peek(sniffLen)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("reading upload: %w", err)
	}
	if len(head) == 0 {
		return nil, v.reject(&UnsupportedFormatError{Filename: name, Reason: "empty upload"})
	}

	detected := mimetype.Detect(head)
	if !detected.Is(family) {
		return nil, v.reject(&UnsupportedFormatError{
			Filename: name,
			Detected: detected.String(),
			Reason:   fmt.Sprintf("content does not match %s", ext),
		})
	}

	body := &capReader{r: io.LimitReader(br, v.maxBytes+1), max: v.maxBytes}
	img, err := v.store.Save(name, family, body)
	if err != nil {
		var tooLarge *PayloadTooLargeError
		if errors.As(err, &tooLarge) {
			return nil, v.reject(tooLarge)
		}
		return nil, fmt.Errorf("storing upload: %w", err)
	}

	v.log.Info("upload accepted",
		zap.String("id", logger.ShortID(img.ID)),
		zap.String("mime", img.MIMEType),
		zap.Int64("bytes", img.SizeBytes))
	return img, nil
}

// checkDeclared rejects a declared content type that names a different format
// than the extension.
func (v *Validator) checkDeclared(name, declared, family string) error {
	if declared == "" {
		return nil
	}
	mediaType, _, err := mime.ParseMediaType(declared)
	if err != nil {
		return &UnsupportedFormatError{Filename: name, Detected: declared, Reason: "malformed content type"}
	}
	// Clients that do not know the type send the generic binary type.
	if mediaType == "application/octet-stream" {
		return nil
	}
	if alias, ok := declaredAliases[mediaType]; ok {
		mediaType = alias
	}
	if mediaType != family {
		return &UnsupportedFormatError{Filename: name, Detected: mediaType, Reason: "content type does not match extension"}
	}
	return nil
}

func (v *Validator) reject(err error) error {
	v.log.Info("upload rejected", zap.Error(err))
	return err
}

// capReader fails once more than max bytes have been read, so the store
// aborts and removes the partial file.
type capReader struct {
	r    io.Reader
	read int64
	max  int64
}

func (c *capReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.read += int64(n)
	if c.read > c.max {
		return n, &PayloadTooLargeError{Size: -1, Limit: c.max}
	}
	return n, err
}

// SanitizeFilename reduces a client supplied name to a bounded base name with
// no separators, traversal sequences or control characters. The result is only
// ever recorded as metadata.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || r == utf8.RuneError {
			return -1
		}
		return r
	}, name)
	for strings.Contains(name, "..") {
		name = strings.ReplaceAll(name, "..", ".")
	}
	name = strings.TrimSpace(name)
	name = strings.TrimLeft(name, ".")

	if len(name) > maxNameLen {
		ext := filepath.Ext(name)
		if len(ext) > 16 {
			ext = ""
		}
		stem := name[:maxNameLen-len(ext)]
		for !utf8.ValidString(stem) {
			stem = stem[:len(stem)-1]
		}
		name = stem + ext
	}
	if name == "" {
		name = "upload"
	}
	return name
}

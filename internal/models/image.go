// Package models contains domain types for the fundus screening service.
package models

import "time"

// MaxUploadBytes is the hard ceiling for a single uploaded image (16 MiB).
const MaxUploadBytes int64 = 16 << 20

// UploadedImage represents a validated upload held in the scoped upload directory.
type UploadedImage struct {
	ID           string    `json:"id" msgpack:"id"`
	OriginalName string    `json:"originalName" msgpack:"original_name"`
	MIMEType     string    `json:"mimeType" msgpack:"mime_type"`
	SizeBytes    int64     `json:"sizeBytes" msgpack:"size_bytes"`
	StoredPath   string    `json:"-" msgpack:"stored_path"`
	CreatedAt    time.Time `json:"createdAt" msgpack:"created_at"`
}

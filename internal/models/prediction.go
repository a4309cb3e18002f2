package models

import "time"

// Label is the binary screening outcome.
type Label string

const (
	LabelNormal   Label = "Normal"
	LabelGlaucoma Label = "Glaucoma"
)

// Tier is a coarse confidence bucket. Tier names come from the policy table.
type Tier string

const (
	TierLow    Tier = "low"
	TierMedium Tier = "medium"
	TierHigh   Tier = "high"
)

// PredictionResult is the outcome of analyzing a single UploadedImage.
// It is never mutated after the classifier builds it.
type PredictionResult struct {
	ImageID        string    `json:"imageId" msgpack:"image_id"`
	RawProbability float64   `json:"rawProbability" msgpack:"raw_probability"`
	Label          Label     `json:"label" msgpack:"label"`
	ConfidenceTier Tier      `json:"confidenceTier" msgpack:"confidence_tier"`
	Confidence     float64   `json:"confidence" msgpack:"confidence"` // percent, for the reported label
	ComputedAt     time.Time `json:"computedAt" msgpack:"computed_at"`
}

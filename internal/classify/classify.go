// Package classify maps a raw model probability to a label and confidence tier.
package classify

import (
	"fmt"
	"math"
	"time"

	"github.com/fundus-screen/backend/internal/models"
)

// Classifier applies a validated Policy. It is immutable and safe for
// concurrent use.
type Classifier struct {
	policy Policy
}

// New validates policy and returns a classifier for it.
func New(policy Policy) (*Classifier, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	bands := make([]Band, len(policy.Bands))
	copy(bands, policy.Bands)
	policy.Bands = bands
	return &Classifier{policy: policy}, nil
}

// Policy returns the classifier's table.
func (c *Classifier) Policy() Policy {
	return c.policy
}

// Classify labels p as Glaucoma when p >= cutoff. The tier is the last band
// whose min is at or below p - cutoff; values below every band get the first.
func (c *Classifier) Classify(p float64) (models.Label, models.Tier) {
	label := models.LabelNormal
	if p >= c.policy.Cutoff {
		label = models.LabelGlaucoma
	}

	d := p - c.policy.Cutoff
	tier := c.policy.Bands[0].Name
	for _, b := range c.policy.Bands[1:] {
		if b.Min > d {
			break
		}
		tier = b.Name
	}
	return label, tier
}

// Result builds the immutable PredictionResult for an analyzed image.
func (c *Classifier) Result(imageID string, p float64, at time.Time) (*models.PredictionResult, error) {
	if math.IsNaN(p) || p < 0 || p > 1 {
		return nil, fmt.Errorf("probability %v out of range", p)
	}
	label, tier := c.Classify(p)

	confidence := (1 - p) * 100
	if label == models.LabelGlaucoma {
		confidence = p * 100
	}

	return &models.PredictionResult{
		ImageID:        imageID,
		RawProbability: p,
		Label:          label,
		ConfidenceTier: tier,
		Confidence:     confidence,
		ComputedAt:     at.UTC(),
	}, nil
}

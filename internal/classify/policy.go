package classify

import (
	"errors"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fundus-screen/backend/internal/models"
)

// DefaultTier is the key of a label's fallback recommendation.
const DefaultTier = "default"

// StandardDisclaimer is appended to every report.
const StandardDisclaimer = "This AI analysis is designed for screening and educational purposes only " +
	"and should not replace professional medical diagnosis. The results are based on artificial " +
	"intelligence analysis of retinal images and should be interpreted by qualified healthcare " +
	"professionals. Please consult with a licensed ophthalmologist or optometrist for proper medical " +
	"evaluation, diagnosis, and treatment recommendations."

// Band starts a confidence tier at a signed distance Min from the cutoff.
type Band struct {
	Name models.Tier `yaml:"name"`
	Min  float64     `yaml:"min"`
}

// Recommendation is the report text for one (label, tier) pair.
type Recommendation struct {
	Notice string   `yaml:"notice"`
	Items  []string `yaml:"items"`
	// Disclaimer replaces Policy.Disclaimer for this pair when set.
	Disclaimer string `yaml:"disclaimer,omitempty"`
}

// Policy is the classification and reporting table.
type Policy struct {
	Cutoff          float64                                    `yaml:"cutoff"`
	Bands           []Band                                     `yaml:"bands"`
	Recommendations map[models.Label]map[string]Recommendation `yaml:"recommendations"`
	// Disclaimer is shown before StandardDisclaimer, which is always present.
	Disclaimer string `yaml:"disclaimer"`
}

// DefaultPolicy returns the built-in table.
func DefaultPolicy() Policy {
	return Policy{
		Cutoff: 0.5,
		Bands: []Band{
			{Name: models.TierLow, Min: math.Inf(-1)},
			{Name: models.TierMedium, Min: -0.15},
			{Name: models.TierHigh, Min: 0.15},
		},
		Recommendations: map[models.Label]map[string]Recommendation{
			models.LabelNormal: {
				string(models.TierLow): {
					Notice: "No signs of glaucoma detected in this analysis. Continue routine screening.",
					Items: []string{
						"Continue routine screening with regular eye examinations as recommended by your doctor",
						"Schedule routine check-ups every 1-2 years",
						"Maintain a healthy lifestyle and protect your eyes",
						"Report any sudden vision changes to your doctor immediately",
					},
				},
				string(models.TierMedium): {
					Notice: "No signs of glaucoma detected, but the result is close to the decision threshold.",
					Items: []string{
						"Consider a follow-up examination within 6-12 months",
						"Mention this screening result at your next eye examination",
						"Report any sudden vision changes to your doctor immediately",
					},
				},
				DefaultTier: {
					Notice: "No signs of glaucoma detected in this analysis.",
					Items: []string{
						"Continue regular eye examinations as recommended by your doctor",
						"Report any sudden vision changes to your doctor immediately",
					},
				},
			},
			models.LabelGlaucoma: {
				string(models.TierHigh): {
					Notice: "Signs of glaucoma detected. Please consult a specialist (ophthalmologist) promptly for comprehensive evaluation.",
					Items: []string{
						"Schedule an urgent appointment with an eye specialist",
						"Early detection and treatment are crucial for preventing vision loss",
						"Bring this report to your ophthalmologist appointment",
						"Consider additional diagnostic tests (OCT, visual field testing)",
					},
				},
				string(models.TierMedium): {
					Notice: "Possible signs of glaucoma detected. The result is close to the decision threshold.",
					Items: []string{
						"Arrange an eye examination with an ophthalmologist soon",
						"Ask about intraocular pressure measurement and optic nerve assessment",
						"Bring this report to your appointment",
					},
				},
				DefaultTier: {
					Notice: "Signs of glaucoma detected. Please consult an eye specialist.",
					Items: []string{
						"Schedule an appointment with an eye specialist",
						"Bring this report to your appointment",
					},
				},
			},
		},
	}
}

// policyFile mirrors Policy with optional fields so a file can override parts
// of the defaults.
type policyFile struct {
	Cutoff          *float64                                   `yaml:"cutoff"`
	Bands           []Band                                     `yaml:"bands"`
	Recommendations map[models.Label]map[string]Recommendation `yaml:"recommendations"`
	Disclaimer      *string                                    `yaml:"disclaimer"`
}

// LoadPolicyFile reads a YAML policy. Keys present in the file replace the
// defaults; a label table in the file replaces that label's whole table.
func LoadPolicyFile(path string) (Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("reading policy: %w", err)
	}

	var file policyFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return Policy{}, fmt.Errorf("parsing policy: %w", err)
	}

	policy := DefaultPolicy()
	if file.Cutoff != nil {
		policy.Cutoff = *file.Cutoff
	}
	if file.Bands != nil {
		policy.Bands = file.Bands
	}
	for label, table := range file.Recommendations {
		policy.Recommendations[label] = table
	}
	if file.Disclaimer != nil {
		policy.Disclaimer = *file.Disclaimer
	}

	if err := policy.Validate(); err != nil {
		return Policy{}, fmt.Errorf("invalid policy %s: %w", path, err)
	}
	return policy, nil
}

// Validate checks the cutoff, band ordering and that every label has a fallback text.
func (p Policy) Validate() error {
	if !(p.Cutoff > 0 && p.Cutoff < 1) {
		return fmt.Errorf("cutoff must be in (0,1), got %v", p.Cutoff)
	}
	if len(p.Bands) == 0 {
		return errors.New("at least one band is required")
	}

	seen := make(map[models.Tier]bool, len(p.Bands))
	for i, b := range p.Bands {
		if b.Name == "" {
			return fmt.Errorf("band %d has no name", i)
		}
		if seen[b.Name] {
			return fmt.Errorf("duplicate band %q", b.Name)
		}
		seen[b.Name] = true
		if math.IsNaN(b.Min) {
			return fmt.Errorf("band %q has NaN min", b.Name)
		}
		if i > 0 && b.Min <= p.Bands[i-1].Min {
			return fmt.Errorf("band %q min %v must exceed %v", b.Name, b.Min, p.Bands[i-1].Min)
		}
	}

	for _, label := range []models.Label{models.LabelNormal, models.LabelGlaucoma} {
		if _, ok := p.Recommendations[label][DefaultTier]; !ok {
			return fmt.Errorf("missing %s recommendation for %s", DefaultTier, label)
		}
	}
	return nil
}

// Recommendation returns the text for (label, tier), falling back to the
// label's default entry.
func (p Policy) Recommendation(label models.Label, tier models.Tier) Recommendation {
	table := p.Recommendations[label]
	if rec, ok := table[string(tier)]; ok {
		return rec
	}
	return table[DefaultTier]
}

// DisclaimerText returns the disclaimer for (label, tier) followed by
// StandardDisclaimer. The recommendation's own text wins over the policy-wide one.
func (p Policy) DisclaimerText(label models.Label, tier models.Tier) string {
	lead := p.Recommendation(label, tier).Disclaimer
	if lead == "" {
		lead = p.Disclaimer
	}
	if lead == "" || lead == StandardDisclaimer {
		return StandardDisclaimer
	}
	return lead + "\n\n" + StandardDisclaimer
}

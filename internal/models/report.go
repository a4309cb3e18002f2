package models

import "time"

// ReportDocument is a rendered screening report. Everything except GeneratedAt
// is a pure function of Result and the source image.
type ReportDocument struct {
	Result         PredictionResult `json:"result"`
	Recommendation string           `json:"recommendation"`
	Disclaimer     string           `json:"disclaimer"`
	GeneratedAt    time.Time        `json:"generatedAt"`
	PDF            []byte           `json:"-"`
}

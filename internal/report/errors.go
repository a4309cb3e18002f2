package report

import "fmt"

// ReportGenerationError means a report could not be produced. Missing is set
// when the source image is gone, in which case the image must be re-uploaded.
type ReportGenerationError struct {
	ImageID string
	Missing bool
	Err     error
}

func (e *ReportGenerationError) Error() string {
	if e.Missing {
		return fmt.Sprintf("report for %s: source image no longer available: %v", e.ImageID, e.Err)
	}
	return fmt.Sprintf("report for %s: %v", e.ImageID, e.Err)
}

func (e *ReportGenerationError) Unwrap() error { return e.Err }

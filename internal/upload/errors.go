package upload

import "fmt"

// UnsupportedFormatError reports a file whose extension, declared type or
// sniffed content is not an allowed image format.
type UnsupportedFormatError struct {
	Filename string
	Detected string
	Reason   string
}

func (e *UnsupportedFormatError) Error() string {
	if e.Detected != "" {
		return fmt.Sprintf("unsupported format for %q (detected %s): %s", e.Filename, e.Detected, e.Reason)
	}
	return fmt.Sprintf("unsupported format for %q: %s", e.Filename, e.Reason)
}

// PayloadTooLargeError reports an upload above the size cap. Size is -1 when
// the overflow was detected while streaming.
type PayloadTooLargeError struct {
	Size  int64
	Limit int64
}

func (e *PayloadTooLargeError) Error() string {
	if e.Size < 0 {
		return fmt.Sprintf("upload exceeds %d bytes", e.Limit)
	}
	return fmt.Sprintf("upload of %d bytes exceeds %d bytes", e.Size, e.Limit)
}

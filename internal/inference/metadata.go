package inference

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Metadata describes the exported model. It is read from the JSON file
// written next to the ONNX weights.
type Metadata struct {
	ModelName   string   `json:"model_name"`
	InputName   string   `json:"input_name"`
	OutputName  string   `json:"output_name"`
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
	Classes     []string `json:"classes"`
	ImageSize   int      `json:"image_size"`
}

// PositiveClass is the class whose probability the engine reports.
const PositiveClass = "Glaucoma"

// LoadMetadata reads and validates a metadata file.
func LoadMetadata(path string) (Metadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("reading metadata: %w", err)
	}

	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Metadata{}, fmt.Errorf("parsing metadata: %w", err)
	}
	if meta.InputName == "" {
		meta.InputName = "input"
	}
	if meta.OutputName == "" {
		meta.OutputName = "output"
	}
	return meta, meta.Validate()
}

// Validate checks that the shapes describe a single NHWC image in and a
// sigmoid or two-way softmax out.
func (m Metadata) Validate() error {
	if len(m.InputShape) != 4 {
		return fmt.Errorf("input_shape must have 4 dimensions, got %v", m.InputShape)
	}
	for _, d := range m.InputShape {
		if d <= 0 {
			return fmt.Errorf("input_shape has non-positive dimension: %v", m.InputShape)
		}
	}
	if m.InputShape[0] != 1 {
		return fmt.Errorf("input_shape batch must be 1, got %d", m.InputShape[0])
	}
	if m.ImageSize != 0 && (m.InputShape[1] != int64(m.ImageSize) || m.InputShape[2] != int64(m.ImageSize)) {
		return fmt.Errorf("image_size %d disagrees with input_shape %v", m.ImageSize, m.InputShape)
	}

	if len(m.OutputShape) == 0 {
		return errors.New("output_shape is required")
	}
	switch n := m.outputElements(); n {
	case 1:
	case 2:
		if m.positiveIndex() < 0 {
			return fmt.Errorf("two-way output needs %q in classes %v", PositiveClass, m.Classes)
		}
	default:
		return fmt.Errorf("output must hold 1 or 2 values, got %d", n)
	}
	return nil
}

// InputDims returns the input shape as a fixed-size array.
func (m Metadata) InputDims() [4]int {
	var dims [4]int
	for i, d := range m.InputShape {
		dims[i] = int(d)
	}
	return dims
}

func (m Metadata) outputElements() int64 {
	n := int64(1)
	for _, d := range m.OutputShape {
		n *= d
	}
	return n
}

// positiveIndex locates the reported probability within the output vector.
func (m Metadata) positiveIndex() int {
	if m.outputElements() == 1 {
		return 0
	}
	for i, c := range m.Classes {
		if c == PositiveClass {
			return i
		}
	}
	return -1
}

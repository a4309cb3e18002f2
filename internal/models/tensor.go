package models

// Tensor is a preprocessed, single-sample model input in NHWC layout.
type Tensor struct {
	Data  []float32
	Shape [4]int
}

// Elements returns the number of values the shape describes.
func (t Tensor) Elements() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

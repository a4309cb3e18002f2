package inference

import (
	"fmt"

	ort "github.com/yalue/onnxruntime_go"
)

// ONNXLoader opens models with ONNX Runtime.
type ONNXLoader struct {
	// LibraryPath points at the onnxruntime shared library. Empty uses the
	// runtime's default lookup.
	LibraryPath string
}

// NewONNXLoader returns a loader using the shared library at libPath.
func NewONNXLoader(libPath string) *ONNXLoader {
	return &ONNXLoader{LibraryPath: libPath}
}

// Load initializes the runtime environment and binds one input and one
// output tensor to a new session.
func (l *ONNXLoader) Load(path string, meta Metadata) (Session, error) {
	if l.LibraryPath != "" {
		ort.SetSharedLibraryPath(l.LibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.InputShape...))
	if err != nil {
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	output, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.OutputShape...))
	if err != nil {
		input.Destroy()
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(path,
		[]string{meta.InputName}, []string{meta.OutputName},
		[]ort.ArbitraryTensor{input}, []ort.ArbitraryTensor{output},
		nil)
	if err != nil {
		input.Destroy()
		output.Destroy()
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &onnxSession{session: session, input: input, output: output}, nil
}

type onnxSession struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

// Run is not safe for concurrent use; Engine serializes calls.
func (s *onnxSession) Run(data []float32) ([]float32, error) {
	copy(s.input.GetData(), data)
	if err := s.session.Run(); err != nil {
		return nil, err
	}
	out := s.output.GetData()
	res := make([]float32, len(out))
	copy(res, out)
	return res, nil
}

func (s *onnxSession) Close() error {
	s.input.Destroy()
	s.output.Destroy()
	err := s.session.Destroy()
	if envErr := ort.DestroyEnvironment(); err == nil {
		err = envErr
	}
	return err
}

package softdev

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"sigs.k8s.io/yaml"

	"github.com/Nativu5/mlx5-probe/pkg/types"
)

// ModelDesc is the YAML model file understood by the software device.
//
//	name: identity
//	batchSize: 1
//	inputElems: 16
//	outputElems: 16
//	scale: 0.05
type ModelDesc struct {
	Name        string  `json:"name"`
	BatchSize   int     `json:"batchSize"`
	InputElems  int     `json:"inputElems"`
	OutputElems int     `json:"outputElems"`
	Scale       float32 `json:"scale,omitempty"`
	// ErrorPeriod makes every Nth completed op of the model fail. Zero
	// disables error injection.
	ErrorPeriod int `json:"errorPeriod,omitempty"`
}

// LoadModelDesc reads and validates a model file.
func LoadModelDesc(path string) (ModelDesc, error) {
	var desc ModelDesc
	data, err := os.ReadFile(path)
	if err != nil {
		return desc, types.Wrap(types.ErrNotFound, fmt.Errorf("cannot read model %s: %w", path, err))
	}
	if err := yaml.Unmarshal(data, &desc); err != nil {
		return desc, types.Wrap(types.ErrInvalidArgument, fmt.Errorf("cannot parse model %s: %w", path, err))
	}
	if err := desc.validate(); err != nil {
		return desc, fmt.Errorf("model %s: %w", path, err)
	}
	return desc, nil
}

func (d *ModelDesc) validate() error {
	if d.Scale == 0 {
		d.Scale = 1
	}
	switch {
	case d.Name == "":
		return types.Wrap(types.ErrInvalidArgument, fmt.Errorf("missing name"))
	case d.BatchSize <= 0:
		return types.Wrap(types.ErrInvalidArgument, fmt.Errorf("batchSize %d", d.BatchSize))
	case d.InputElems <= 0 || d.OutputElems <= 0:
		return types.Wrap(types.ErrInvalidArgument, fmt.Errorf("element counts %d/%d", d.InputElems, d.OutputElems))
	case d.Scale < 0 || math.IsNaN(float64(d.Scale)) || math.IsInf(float64(d.Scale), 0):
		return types.Wrap(types.ErrInvalidArgument, fmt.Errorf("scale %v", d.Scale))
	case d.ErrorPeriod < 0:
		return types.Wrap(types.ErrInvalidArgument, fmt.Errorf("errorPeriod %d", d.ErrorPeriod))
	}
	return nil
}

// Dequantized data is float32 little-endian, quantized data is int8.
const dtypeSize = 4

// quantize converts n float32 values of dbuf into int8 values of qbuf.
func quantize(scale float32, n int, dbuf, qbuf []byte) error {
	if len(dbuf) < n*dtypeSize || len(qbuf) < n {
		return types.Wrap(types.ErrInvalidArgument,
			fmt.Errorf("quantize %d elements: buffers of %d and %d bytes", n, len(dbuf), len(qbuf)))
	}
	for i := range n {
		f := math.Float32frombits(binary.LittleEndian.Uint32(dbuf[i*dtypeSize:]))
		v := math.Round(float64(f / scale))
		switch {
		case math.IsNaN(v):
			v = 0
		case v > math.MaxInt8:
			v = math.MaxInt8
		case v < math.MinInt8:
			v = math.MinInt8
		}
		qbuf[i] = byte(int8(v))
	}
	return nil
}

// dequantize converts n int8 values of qbuf into float32 values of dbuf.
func dequantize(scale float32, n int, qbuf, dbuf []byte) error {
	if len(qbuf) < n || len(dbuf) < n*dtypeSize {
		return types.Wrap(types.ErrInvalidArgument,
			fmt.Errorf("dequantize %d elements: buffers of %d and %d bytes", n, len(qbuf), len(dbuf)))
	}
	for i := range n {
		f := float32(int8(qbuf[i])) * scale
		binary.LittleEndian.PutUint32(dbuf[i*dtypeSize:], math.Float32bits(f))
	}
	return nil
}

// infer copies quantized input into output, truncating or zero-padding to
// the output length.
func infer(in, out []byte) {
	n := copy(out, in)
	clear(out[n:])
}

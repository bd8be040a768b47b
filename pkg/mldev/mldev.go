// Package mldev defines the machine-learning inference device interface used
// by the benchmark driver.
package mldev

import "fmt"

// DevInfo reports device limits.
type DevInfo struct {
	DriverName    string `json:"driverName"`
	MaxModels     int    `json:"maxModels"`
	MaxQueuePairs int    `json:"maxQueuePairs"`
	// MaxDesc is the maximum number of descriptors per queue pair.
	MaxDesc int `json:"maxDesc"`
	// MinAlignSize is the alignment required for I/O buffers.
	MinAlignSize int `json:"minAlignSize"`
}

// Config is the device configuration applied before Start.
type Config struct {
	SocketID     int
	NbModels     int
	NbQueuePairs int
}

// QueuePairConfig configures one queue pair.
type QueuePairConfig struct {
	NbDesc int
}

// ModelInfo describes a loaded model.
type ModelInfo struct {
	Name      string `json:"name"`
	ID        uint16 `json:"id"`
	BatchSize int    `json:"batchSize"`
	// InputElems and OutputElems count elements of one batch.
	InputElems  int `json:"inputElems"`
	OutputElems int `json:"outputElems"`
}

// OpStatus is the completion state of an Op.
type OpStatus int

const (
	OpStatusNotProcessed OpStatus = iota
	OpStatusSuccess
	OpStatusError
)

func (s OpStatus) String() string {
	switch s {
	case OpStatusNotProcessed:
		return "not-processed"
	case OpStatusSuccess:
		return "success"
	case OpStatusError:
		return "error"
	}
	return fmt.Sprintf("OpStatus(%d)", int(s))
}

// OpError carries the driver error of a failed Op.
type OpError struct {
	Code    uint64
	Message string
}

func (e OpError) Error() string {
	return fmt.Sprintf("error_code = 0x%x, error_message = %s", e.Code, e.Message)
}

// Op is one inference request. Input holds quantized input for NbBatches
// batches, Output receives quantized output.
type Op struct {
	ModelID   uint16
	NbBatches int
	Input     []byte
	Output    []byte
	Status    OpStatus
	// Err is filled by the device when Status is OpStatusError.
	Err *OpError
	// UserPtr is opaque to the device.
	UserPtr any
}

// Reset clears the fields set by a previous use.
func (op *Op) Reset() {
	*op = Op{}
}

// Device is an ML inference device.
//
// EnqueueBurst and DequeueBurst may be called concurrently from different
// goroutines on the same queue pair; other methods are not safe for
// concurrent use.
type Device interface {
	Info() DevInfo

	Configure(cfg Config) error
	QueuePairSetup(qpID uint16, cfg QueuePairConfig) error
	Start() error
	Stop() error
	Close() error

	// LoadModel loads a model file and returns its ID.
	LoadModel(path string) (uint16, error)
	StartModel(id uint16) error
	StopModel(id uint16) error
	UnloadModel(id uint16) error
	ModelInfo(id uint16) (ModelInfo, error)

	// InputSize and OutputSize return the quantized and dequantized buffer
	// sizes for nbBatches batches.
	InputSize(id uint16, nbBatches int) (qsize, dsize int, err error)
	OutputSize(id uint16, nbBatches int) (qsize, dsize int, err error)
	Quantize(id uint16, nbBatches int, dbuf, qbuf []byte) error
	Dequantize(id uint16, nbBatches int, qbuf, dbuf []byte) error

	// EnqueueBurst submits ops and returns how many were accepted.
	EnqueueBurst(qpID uint16, ops []*Op) int
	// DequeueBurst fills ops with completed requests and returns their count.
	DequeueBurst(qpID uint16, ops []*Op) int
	// OpError returns the error details of an op with OpStatusError.
	OpError(op *Op) (OpError, error)
}

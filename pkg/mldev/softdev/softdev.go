// Package softdev is an in-process ML device. Models are YAML descriptors,
// inference copies quantized input to output, and each queue pair is a
// bounded FIFO.
package softdev

import (
	"fmt"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/mlx5-probe/pkg/mldev"
	"github.com/Nativu5/mlx5-probe/pkg/types"
)

// DriverName is reported in DevInfo.
const DriverName = "ml_soft"

// Op error codes.
const (
	ErrCodeModelNotStarted uint64 = 0x1
	ErrCodeShortBuffer     uint64 = 0x2
	ErrCodeInjected        uint64 = 0x3
)

// DefaultInfo returns the limits of a device built with New(DefaultInfo()).
func DefaultInfo() mldev.DevInfo {
	return mldev.DevInfo{
		DriverName:    DriverName,
		MaxModels:     8,
		MaxQueuePairs: 4,
		MaxDesc:       1024,
		MinAlignSize:  64,
	}
}

type model struct {
	desc      ModelDesc
	id        uint16
	started   bool
	completed atomic.Uint64
}

func (m *model) info() mldev.ModelInfo {
	return mldev.ModelInfo{
		Name:        m.desc.Name,
		ID:          m.id,
		BatchSize:   m.desc.BatchSize,
		InputElems:  m.desc.InputElems,
		OutputElems: m.desc.OutputElems,
	}
}

// Device implements mldev.Device.
type Device struct {
	info mldev.DevInfo

	mu         sync.RWMutex
	configured bool
	cfg        mldev.Config
	started    atomic.Bool
	qps        []chan *mldev.Op
	models     map[uint16]*model
	nextID     uint16
}

var _ mldev.Device = (*Device)(nil)

// New creates a device with the given limits. Zero fields take their
// DefaultInfo values.
func New(info mldev.DevInfo) *Device {
	def := DefaultInfo()
	if info.DriverName == "" {
		info.DriverName = def.DriverName
	}
	if info.MaxModels <= 0 {
		info.MaxModels = def.MaxModels
	}
	if info.MaxQueuePairs <= 0 {
		info.MaxQueuePairs = def.MaxQueuePairs
	}
	if info.MaxDesc <= 0 {
		info.MaxDesc = def.MaxDesc
	}
	if info.MinAlignSize <= 0 {
		info.MinAlignSize = def.MinAlignSize
	}
	return &Device{info: info, models: map[uint16]*model{}}
}

// Info returns the device limits.
func (d *Device) Info() mldev.DevInfo {
	return d.info
}

// Configure sizes the model table and allocates the queue pair slots.
// A started device cannot be reconfigured.
func (d *Device) Configure(cfg mldev.Config) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started.Load() {
		return fmt.Errorf("cannot configure a started device")
	}
	if cfg.NbModels > d.info.MaxModels {
		return types.Wrap(types.ErrInvalidArgument, fmt.Errorf("nb_models %d exceeds %d", cfg.NbModels, d.info.MaxModels))
	}
	if cfg.NbQueuePairs <= 0 || cfg.NbQueuePairs > d.info.MaxQueuePairs {
		return types.Wrap(types.ErrInvalidArgument, fmt.Errorf("nb_queue_pairs %d not in [1,%d]", cfg.NbQueuePairs, d.info.MaxQueuePairs))
	}
	d.cfg = cfg
	d.qps = make([]chan *mldev.Op, cfg.NbQueuePairs)
	d.configured = true
	log.Debugf("%s: configured with %d queue pairs", d.info.DriverName, cfg.NbQueuePairs)
	return nil
}

// QueuePairSetup creates queue pair qpID with cfg.NbDesc descriptors.
func (d *Device) QueuePairSetup(qpID uint16, cfg mldev.QueuePairConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.configured || d.started.Load() {
		return fmt.Errorf("queue pair setup needs a configured, stopped device")
	}
	if int(qpID) >= len(d.qps) {
		return types.Wrap(types.ErrInvalidArgument, fmt.Errorf("queue pair %d out of range", qpID))
	}
	if cfg.NbDesc <= 0 || cfg.NbDesc > d.info.MaxDesc {
		return types.Wrap(types.ErrInvalidArgument, fmt.Errorf("nb_desc %d not in [1,%d]", cfg.NbDesc, d.info.MaxDesc))
	}
	d.qps[qpID] = make(chan *mldev.Op, cfg.NbDesc)
	return nil
}

// Start fails unless every configured queue pair has been set up.
func (d *Device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.configured {
		return fmt.Errorf("device not configured")
	}
	for i, qp := range d.qps {
		if qp == nil {
			return fmt.Errorf("queue pair %d not set up", i)
		}
	}
	d.started.Store(true)
	return nil
}

// Stop stops accepting and completing ops.
func (d *Device) Stop() error {
	d.started.Store(false)
	return nil
}

// Close drops queue pairs and models. The device must be stopped.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started.Load() {
		return fmt.Errorf("cannot close a started device")
	}
	d.configured = false
	d.qps = nil
	d.models = map[uint16]*model{}
	return nil
}

// LoadModel reads a model descriptor and assigns it the lowest free ID at
// or after the last one handed out.
func (d *Device) LoadModel(path string) (uint16, error) {
	desc, err := LoadModelDesc(path)
	if err != nil {
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	limit := d.info.MaxModels
	if d.configured && d.cfg.NbModels > 0 {
		limit = d.cfg.NbModels
	}
	if len(d.models) >= limit {
		return 0, types.Wrap(types.ErrResourceExhausted, fmt.Errorf("model slots exhausted (%d)", limit))
	}
	id := d.nextID
	for d.models[id] != nil {
		id++
	}
	d.nextID = id + 1
	d.models[id] = &model{desc: desc, id: id}
	log.Debugf("%s: loaded model %s as %d", d.info.DriverName, desc.Name, id)
	return id, nil
}

func (d *Device) setModelStarted(id uint16, started bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.models[id]
	if !ok {
		return types.Wrap(types.ErrNotFound, fmt.Errorf("model %d", id))
	}
	m.started = started
	return nil
}

// StartModel and StopModel toggle whether a model accepts inferences.
func (d *Device) StartModel(id uint16) error { return d.setModelStarted(id, true) }
func (d *Device) StopModel(id uint16) error  { return d.setModelStarted(id, false) }

// UnloadModel removes a stopped model.
func (d *Device) UnloadModel(id uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.models[id]
	if !ok {
		return types.Wrap(types.ErrNotFound, fmt.Errorf("model %d", id))
	}
	if m.started {
		return fmt.Errorf("model %d is started", id)
	}
	delete(d.models, id)
	return nil
}

func (d *Device) model(id uint16) (*model, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.models[id]
	if !ok {
		return nil, types.Wrap(types.ErrNotFound, fmt.Errorf("model %d", id))
	}
	return m, nil
}

// ModelInfo describes a loaded model.
func (d *Device) ModelInfo(id uint16) (mldev.ModelInfo, error) {
	m, err := d.model(id)
	if err != nil {
		return mldev.ModelInfo{}, err
	}
	return m.info(), nil
}

// InputSize returns the int8 and float32 input sizes for nbBatches.
func (d *Device) InputSize(id uint16, nbBatches int) (qsize, dsize int, err error) {
	m, err := d.model(id)
	if err != nil {
		return 0, 0, err
	}
	n := nbBatches * m.desc.InputElems
	return n, n * dtypeSize, nil
}

// OutputSize returns the int8 and float32 output sizes for nbBatches.
func (d *Device) OutputSize(id uint16, nbBatches int) (qsize, dsize int, err error) {
	m, err := d.model(id)
	if err != nil {
		return 0, 0, err
	}
	n := nbBatches * m.desc.OutputElems
	return n, n * dtypeSize, nil
}

// Quantize converts float32 input into int8 with the model scale.
func (d *Device) Quantize(id uint16, nbBatches int, dbuf, qbuf []byte) error {
	m, err := d.model(id)
	if err != nil {
		return err
	}
	return quantize(m.desc.Scale, nbBatches*m.desc.InputElems, dbuf, qbuf)
}

// Dequantize converts int8 output back into float32.
func (d *Device) Dequantize(id uint16, nbBatches int, qbuf, dbuf []byte) error {
	m, err := d.model(id)
	if err != nil {
		return err
	}
	return dequantize(m.desc.Scale, nbBatches*m.desc.OutputElems, qbuf, dbuf)
}

func (d *Device) queuePair(qpID uint16) chan *mldev.Op {
	if !d.started.Load() {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if int(qpID) >= len(d.qps) {
		return nil
	}
	return d.qps[qpID]
}

// EnqueueBurst accepts ops until the queue pair is full.
func (d *Device) EnqueueBurst(qpID uint16, ops []*mldev.Op) int {
	qp := d.queuePair(qpID)
	if qp == nil {
		return 0
	}
	for i, op := range ops {
		select {
		case qp <- op:
		default:
			return i
		}
	}
	return len(ops)
}

// DequeueBurst completes queued ops in FIFO order.
func (d *Device) DequeueBurst(qpID uint16, ops []*mldev.Op) int {
	qp := d.queuePair(qpID)
	if qp == nil {
		return 0
	}
	for i := range ops {
		select {
		case op := <-qp:
			d.process(op)
			ops[i] = op
		default:
			return i
		}
	}
	return len(ops)
}

func (d *Device) process(op *mldev.Op) {
	fail := func(code uint64, format string, args ...any) {
		op.Status = mldev.OpStatusError
		op.Err = &mldev.OpError{Code: code, Message: fmt.Sprintf(format, args...)}
	}

	m, err := d.model(op.ModelID)
	if err != nil || !m.started {
		fail(ErrCodeModelNotStarted, "model %d not started", op.ModelID)
		return
	}
	nIn, nOut := op.NbBatches*m.desc.InputElems, op.NbBatches*m.desc.OutputElems
	if len(op.Input) < nIn || len(op.Output) < nOut {
		fail(ErrCodeShortBuffer, "model %s: buffers of %d/%d bytes, need %d/%d",
			m.desc.Name, len(op.Input), len(op.Output), nIn, nOut)
		return
	}
	if n := m.completed.Add(1); m.desc.ErrorPeriod > 0 && n%uint64(m.desc.ErrorPeriod) == 0 {
		fail(ErrCodeInjected, "model %s: injected failure on op %d", m.desc.Name, n)
		return
	}
	infer(op.Input[:nIn], op.Output[:nOut])
	op.Status = mldev.OpStatusSuccess
	op.Err = nil
}

// OpError returns the error of a failed op.
func (d *Device) OpError(op *mldev.Op) (mldev.OpError, error) {
	if op == nil || op.Status != mldev.OpStatusError || op.Err == nil {
		return mldev.OpError{}, types.Wrap(types.ErrInvalidArgument, fmt.Errorf("op has no error"))
	}
	return *op.Err, nil
}

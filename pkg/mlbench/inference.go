package mlbench

import (
	"fmt"
	"os"
	"runtime"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/Nativu5/mlx5-probe/pkg/mempool"
	"github.com/Nativu5/mlx5-probe/pkg/mldev"
	"github.com/Nativu5/mlx5-probe/pkg/types"
)

type modelState int

const (
	modelInitial modelState = iota
	modelLoaded
	modelStarted
)

// request is one pooled I/O buffer pair. Input is quantized when the pool
// is created and reused for every enqueue.
type request struct {
	Input  []byte
	Output []byte
	niters uint64
	fid    int
}

type model struct {
	id    uint16
	info  mldev.ModelInfo
	state modelState

	inpQSize, inpDSize int
	outQSize, outDSize int
	// input holds the dequantized input file, output the last dequantized
	// result.
	input  []byte
	output []byte

	ioPool *mempool.Pool[request]
}

// ModelResult is the outcome for one filelist entry.
type ModelResult struct {
	Fid    int    `json:"fid"`
	Name   string `json:"name"`
	Used   uint64 `json:"used"`
	Errors uint64 `json:"errors"`
	Passed bool   `json:"passed"`
}

// Test is the state of one inference benchmark.
type Test struct {
	opt  *Options
	dev  mldev.Device
	info mldev.DevInfo

	models []model
	opPool *mempool.Pool[mldev.Op]

	// errorCount is indexed by worker; each worker writes only its own slot.
	errorCount []uint64
	devStarted bool
}

// Setup validates opt against dev and prepares the test state.
func Setup(opt *Options, dev mldev.Device) (*Test, error) {
	if err := OptCheck(opt); err != nil {
		return nil, err
	}
	info := dev.Info()
	if err := CapCheck(opt, info); err != nil {
		return nil, err
	}
	return &Test{
		opt:    opt,
		dev:    dev,
		info:   info,
		models: make([]model, len(opt.Filelist)),
	}, nil
}

// DeviceSetup configures the device with one queue pair per option, each
// with the maximum number of descriptors, and starts it. The device is
// closed again on failure.
func (t *Test) DeviceSetup() error {
	err := t.dev.Configure(mldev.Config{
		SocketID:     t.opt.SocketID,
		NbModels:     len(t.opt.Filelist),
		NbQueuePairs: t.opt.QueuePairs,
	})
	if err != nil {
		return multierr.Append(fmt.Errorf("failed to configure ml device %d: %w", t.opt.DeviceID, err), t.dev.Close())
	}
	for qp := range t.opt.QueuePairs {
		if err := t.dev.QueuePairSetup(uint16(qp), mldev.QueuePairConfig{NbDesc: t.info.MaxDesc}); err != nil {
			return multierr.Append(
				fmt.Errorf("failed to setup ml device queue-pair, dev_id = %d, qp_id = %d: %w", t.opt.DeviceID, qp, err),
				t.dev.Close())
		}
	}
	if err := t.dev.Start(); err != nil {
		return multierr.Append(fmt.Errorf("failed to start ml device %d: %w", t.opt.DeviceID, err), t.dev.Close())
	}
	t.devStarted = true
	return nil
}

// DeviceDestroy stops and closes the device. Close is attempted even if
// Stop fails.
func (t *Test) DeviceDestroy() error {
	if !t.devStarted {
		return nil
	}
	t.devStarted = false
	return multierr.Append(t.dev.Stop(), t.dev.Close())
}

// MemSetup creates the op pool shared by all models.
func (t *Test) MemSetup() error {
	pool, err := mempool.New[mldev.Op]("ml_test_op_pool", t.opt.PoolSize, nil)
	if err != nil {
		return types.Wrap(types.ErrResourceExhausted, fmt.Errorf("failed to create op pool: %w", err))
	}
	t.opPool = pool
	return nil
}

// MemDestroy releases the op pool.
func (t *Test) MemDestroy() error {
	if t.opPool == nil {
		return nil
	}
	err := t.opPool.Close()
	t.opPool = nil
	return err
}

// ModelLoad loads and starts the model of filelist entry fid.
func (t *Test) ModelLoad(fid int) error {
	m := &t.models[fid]
	id, err := t.dev.LoadModel(t.opt.Filelist[fid].Model)
	if err != nil {
		return fmt.Errorf("failed to load model %s: %w", t.opt.Filelist[fid].Model, err)
	}
	m.id, m.state = id, modelLoaded

	if m.info, err = t.dev.ModelInfo(id); err != nil {
		return fmt.Errorf("failed to get model info %s: %w", t.opt.Filelist[fid].Model, err)
	}
	if err := t.dev.StartModel(id); err != nil {
		return fmt.Errorf("failed to start model %s: %w", t.opt.Filelist[fid].Model, err)
	}
	m.state = modelStarted
	return nil
}

// ModelUnload stops and unloads the model of fid, whatever state it reached.
func (t *Test) ModelUnload(fid int) error {
	m := &t.models[fid]
	var err error
	if m.state == modelStarted {
		err = multierr.Append(err, t.dev.StopModel(m.id))
		m.state = modelLoaded
	}
	if m.state == modelLoaded {
		err = multierr.Append(err, t.dev.UnloadModel(m.id))
		m.state = modelInitial
	}
	return err
}

func alignCeil(n, align int) int {
	if align <= 1 {
		return n
	}
	return (n + align - 1) / align * align
}

// IOMemSetup computes buffer sizes for model fid, loads its input file and
// creates its request pool with min(PoolSize, Repetitions) entries. The
// input file must be exactly as large as the device expects.
func (t *Test) IOMemSetup(fid int) (e error) {
	m := &t.models[fid]
	f := t.opt.Filelist[fid]
	batches := m.info.BatchSize

	var err error
	if m.inpQSize, m.inpDSize, err = t.dev.InputSize(m.id, batches); err != nil {
		return fmt.Errorf("failed to get input size, model: %s: %w", f.Model, err)
	}
	if m.outQSize, m.outDSize, err = t.dev.OutputSize(m.id, batches); err != nil {
		return fmt.Errorf("failed to get output size, model: %s: %w", f.Model, err)
	}

	defer func() {
		if e != nil {
			t.IOMemDestroy(fid)
		}
	}()

	userData := make([]byte, m.inpDSize+m.outDSize)
	m.input, m.output = userData[:m.inpDSize], userData[m.inpDSize:]

	data, err := os.ReadFile(f.Input)
	if err != nil {
		return types.Wrap(types.ErrNotFound, fmt.Errorf("failed to open input file: %w", err))
	}
	if len(data) != m.inpDSize {
		return types.Wrap(types.ErrInvalidArgument,
			fmt.Errorf("invalid input file %s, size = %d (expected size = %d)", f.Input, len(data), m.inpDSize))
	}
	copy(m.input, data)

	align := t.info.MinAlignSize
	inpLen := alignCeil(m.inpQSize, align)
	bufLen := inpLen + alignCeil(m.outQSize, align)
	nbBuffers := int(min(uint64(t.opt.PoolSize), t.opt.Repetitions))

	m.ioPool, err = mempool.New(fmt.Sprintf("ml_io_pool_%d", fid), nbBuffers, func(req *request, _ int) error {
		buf := make([]byte, bufLen)
		req.Input = buf[:m.inpQSize]
		req.Output = buf[inpLen : inpLen+m.outQSize]
		return t.dev.Quantize(m.id, batches, m.input, req.Input)
	})
	if err != nil {
		return fmt.Errorf("failed to create io pool: %w", err)
	}
	return nil
}

// IOMemDestroy releases the buffers and pool of model fid.
func (t *Test) IOMemDestroy(fid int) error {
	m := &t.models[fid]
	err := m.ioPool.Close()
	m.ioPool = nil
	m.input, m.output = nil, nil
	return err
}

// getRetry spins until pool yields an object.
func getRetry[T any](pool *mempool.Pool[T]) *T {
	for {
		obj, err := pool.Get()
		if err == nil {
			return obj
		}
		runtime.Gosched()
	}
}

// enqueue submits Repetitions rounds of one request per model in
// [start, end] on qp, retrying every step until it succeeds.
func (t *Test) enqueue(qp uint16, start, end int) {
	ops := make([]*mldev.Op, 1)
	for range t.opt.Repetitions {
		for fid := start; fid <= end; fid++ {
			m := &t.models[fid]
			op := getRetry(t.opPool)
			req := getRetry(m.ioPool)

			*op = mldev.Op{
				ModelID:   m.id,
				NbBatches: m.info.BatchSize,
				Input:     req.Input,
				Output:    req.Output,
				UserPtr:   req,
			}
			req.niters++
			req.fid = fid

			ops[0] = op
			for t.dev.EnqueueBurst(qp, ops) == 0 {
				runtime.Gosched()
			}
		}
	}
}

// dequeue collects total completions from qp and counts failed ops in the
// slot of worker.
func (t *Test) dequeue(qp uint16, worker int, total uint64) {
	ops := make([]*mldev.Op, 1)
	for n := uint64(0); n < total; {
		if t.dev.DequeueBurst(qp, ops) != 1 {
			runtime.Gosched()
			continue
		}
		n++
		op := ops[0]
		if op.Status == mldev.OpStatusError {
			if oe, err := t.dev.OpError(op); err == nil {
				log.Errorf("error_code = 0x%x, error_message = %s", oe.Code, oe.Message)
			} else {
				log.Errorf("op failed: %v", err)
			}
			t.errorCount[worker]++
		}
		req := op.UserPtr.(*request)
		t.models[req.fid].ioPool.Put(req)
		op.Reset()
		t.opPool.Put(op)
	}
}

// LaunchWorkers starts one enqueue and one dequeue worker per queue pair,
// each covering models start..end inclusive. Error counters are reset.
// The workers stop only after their fixed request count; a stalled device
// makes Wait block forever.
func (t *Test) LaunchWorkers(start, end int) *errgroup.Group {
	t.errorCount = make([]uint64, 2*t.opt.QueuePairs)
	total := t.opt.Repetitions * uint64(end-start+1)

	var g errgroup.Group
	for qp := range t.opt.QueuePairs {
		qpID := uint16(qp)
		g.Go(func() error {
			t.enqueue(qpID, start, end)
			return nil
		})
		worker := 2*qp + 1
		g.Go(func() error {
			t.dequeue(qpID, worker, total)
			return nil
		})
	}
	log.Debugf("launched %d workers for models %d..%d", 2*t.opt.QueuePairs, start, end)
	return &g
}

// Result dequantizes the output of every request of model fid that was used
// at least once and writes it to the configured output file. The model
// passes when at least one request was used and no worker recorded an error.
func (t *Test) Result(fid int) (ModelResult, error) {
	m := &t.models[fid]
	res := ModelResult{
		Fid:    fid,
		Name:   m.info.Name,
		Errors: lo.Sum(t.errorCount),
	}

	var err error
	m.ioPool.ObjIter(func(req *request, _ int) {
		if req.niters == 0 {
			return
		}
		res.Used++
		err = multierr.Append(err, t.dev.Dequantize(m.id, m.info.BatchSize, req.Output, m.output))
	})
	if err != nil {
		return res, fmt.Errorf("failed to dequantize output of model %s: %w", m.info.Name, err)
	}

	if out := t.opt.Filelist[fid].Output; out != "" {
		if err := os.WriteFile(out, m.output, 0644); err != nil {
			return res, fmt.Errorf("failed to write output file %s: %w", out, err)
		}
		log.Infof("wrote output of model %s to %s", m.info.Name, out)
	}

	res.Passed = res.Used > 0 && res.Errors == 0
	return res, nil
}

// Destroy releases everything Setup and the *Setup methods created.
func (t *Test) Destroy() error {
	var err error
	for fid := range t.models {
		if t.models[fid].ioPool != nil {
			err = multierr.Append(err, t.IOMemDestroy(fid))
		}
		err = multierr.Append(err, t.ModelUnload(fid))
	}
	err = multierr.Append(err, t.MemDestroy())
	return multierr.Append(err, t.DeviceDestroy())
}

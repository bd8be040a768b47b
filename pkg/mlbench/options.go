// Package mlbench drives inference benchmarks over an ML device: it loads
// models, quantizes their input once, keeps a queue pair busy with enqueue
// and dequeue workers, and reports whether every request completed cleanly.
package mlbench

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"sigs.k8s.io/yaml"

	"github.com/Nativu5/mlx5-probe/pkg/mldev"
	"github.com/Nativu5/mlx5-probe/pkg/types"
)

// Test names.
const (
	TestInferenceOrdered    = "inference_ordered"
	TestInferenceInterleave = "inference_interleave"
)

// DefaultPoolSize bounds the op pool and every per-model request pool.
const DefaultPoolSize = 1024

// File is one model with its input and optional output.
type File struct {
	Model  string `json:"model"`
	Input  string `json:"input"`
	Output string `json:"output,omitempty"`
}

// Options configures a benchmark run.
type Options struct {
	DeviceID    int    `json:"deviceId"`
	SocketID    int    `json:"socketId"`
	Test        string `json:"test"`
	Filelist    []File `json:"filelist"`
	Repetitions uint64 `json:"repetitions"`
	QueuePairs  int    `json:"queuePairs"`
	PoolSize    int    `json:"poolSize"`
}

// DefaultOptions returns options with every optional field set.
func DefaultOptions() Options {
	return Options{
		Test:        TestInferenceOrdered,
		Repetitions: 1,
		QueuePairs:  1,
		PoolSize:    DefaultPoolSize,
	}
}

// LoadOptions reads options from a YAML file on top of DefaultOptions.
func LoadOptions(path string) (Options, error) {
	opt := DefaultOptions()
	data, err := os.ReadFile(path)
	if err != nil {
		return opt, types.Wrap(types.ErrNotFound, fmt.Errorf("cannot read options %s: %w", path, err))
	}
	if err := yaml.Unmarshal(data, &opt); err != nil {
		return opt, types.Wrap(types.ErrInvalidArgument, fmt.Errorf("cannot parse options %s: %w", path, err))
	}
	return opt, nil
}

// OptCheck validates options that do not depend on the device.
func OptCheck(opt *Options) error {
	switch opt.Test {
	case TestInferenceOrdered, TestInferenceInterleave:
	default:
		return types.Wrap(types.ErrInvalidArgument, fmt.Errorf("unknown test %q", opt.Test))
	}
	if len(opt.Filelist) == 0 {
		return types.Wrap(types.ErrInvalidArgument, fmt.Errorf("empty filelist"))
	}
	for i, f := range opt.Filelist {
		if _, err := os.Stat(f.Model); err != nil {
			log.Errorf("Model file not accessible: id = %d, file = %s", i, f.Model)
			return types.Wrap(types.ErrNotFound, fmt.Errorf("model file %d: %w", i, err))
		}
		if _, err := os.Stat(f.Input); err != nil {
			log.Errorf("Input file not accessible: id = %d, file = %s", i, f.Input)
			return types.Wrap(types.ErrNotFound, fmt.Errorf("input file %d: %w", i, err))
		}
	}
	if opt.Repetitions == 0 {
		return types.Wrap(types.ErrInvalidArgument, fmt.Errorf("repetitions = %d", opt.Repetitions))
	}
	if opt.QueuePairs < 1 {
		return types.Wrap(types.ErrInvalidArgument, fmt.Errorf("queue pairs = %d", opt.QueuePairs))
	}
	if opt.PoolSize < 1 {
		return types.Wrap(types.ErrInvalidArgument, fmt.Errorf("pool size = %d", opt.PoolSize))
	}
	return nil
}

// CapCheck verifies that the device can hold the configured run.
func CapCheck(opt *Options, info mldev.DevInfo) error {
	if len(opt.Filelist) > info.MaxModels {
		return types.Wrap(types.ErrUnsupported, fmt.Errorf(
			"insufficient capabilities: filelist count exceeded device limit, count = %d (max limit = %d)",
			len(opt.Filelist), info.MaxModels))
	}
	if opt.QueuePairs > info.MaxQueuePairs {
		return types.Wrap(types.ErrUnsupported, fmt.Errorf(
			"insufficient capabilities: queue pairs = %d (max limit = %d)", opt.QueuePairs, info.MaxQueuePairs))
	}
	return nil
}

// Dump logs the options at info level.
func (opt *Options) Dump() {
	log.Infof("test: %s, device: %d, socket: %d", opt.Test, opt.DeviceID, opt.SocketID)
	log.Infof("repetitions: %d, queue pairs: %d, pool size: %d", opt.Repetitions, opt.QueuePairs, opt.PoolSize)
	for i, f := range opt.Filelist {
		log.Infof("filelist[%d]: model=%s input=%s output=%s", i, f.Model, f.Input, f.Output)
	}
}

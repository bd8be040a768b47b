package mlbench

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nativu5/mlx5-probe/pkg/mldev"
	"github.com/Nativu5/mlx5-probe/pkg/mldev/softdev"
	"github.com/Nativu5/mlx5-probe/pkg/types"
)

func floats(vals ...float32) []byte {
	buf := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

// writeFile writes content into dir and returns its path.
func writeFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, content, 0644))
	return path
}

// identityFiles creates a model with four input and outputElems output
// elements, its input and an output path.
func identityFiles(t *testing.T, name string, outputElems int, extra string) File {
	t.Helper()
	dir := t.TempDir()
	desc := "name: " + name + "\nbatchSize: 1\ninputElems: 4\noutputElems: " +
		strconv.Itoa(outputElems) + "\nscale: 0.5\n" + extra
	return File{
		Model:  writeFile(t, dir, "model.yaml", []byte(desc)),
		Input:  writeFile(t, dir, "input.bin", floats(1, 2, -1, 0.5)),
		Output: filepath.Join(dir, "output.bin"),
	}
}

func options(files ...File) *Options {
	opt := DefaultOptions()
	opt.Filelist = files
	opt.Repetitions = 3
	return &opt
}

func TestLoadOptions(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bench.yaml", []byte(`
test: inference_interleave
repetitions: 100
queuePairs: 2
filelist:
  - model: m.yaml
    input: in.bin
`))
	opt, err := LoadOptions(path)
	require.NoError(t, err)
	assert.Equal(t, TestInferenceInterleave, opt.Test)
	assert.Equal(t, uint64(100), opt.Repetitions)
	assert.Equal(t, 2, opt.QueuePairs)
	assert.Equal(t, DefaultPoolSize, opt.PoolSize)
	assert.Equal(t, []File{{Model: "m.yaml", Input: "in.bin"}}, opt.Filelist)

	_, err = LoadOptions(filepath.Join(dir, "missing.yaml"))
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = LoadOptions(writeFile(t, dir, "bad.yaml", []byte("repetitions: [")))
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
}

func TestOptCheck(t *testing.T) {
	f := identityFiles(t, "m", 4, "")
	require.NoError(t, OptCheck(options(f)))

	tests := []struct {
		name   string
		modify func(o *Options)
		want   error
	}{
		{"unknown test", func(o *Options) { o.Test = "stress" }, types.ErrInvalidArgument},
		{"empty filelist", func(o *Options) { o.Filelist = nil }, types.ErrInvalidArgument},
		{"missing model", func(o *Options) { o.Filelist[0].Model += ".gone" }, types.ErrNotFound},
		{"missing input", func(o *Options) { o.Filelist[0].Input += ".gone" }, types.ErrNotFound},
		{"zero repetitions", func(o *Options) { o.Repetitions = 0 }, types.ErrInvalidArgument},
		{"zero queue pairs", func(o *Options) { o.QueuePairs = 0 }, types.ErrInvalidArgument},
		{"zero pool", func(o *Options) { o.PoolSize = 0 }, types.ErrInvalidArgument},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			opt := options(f)
			tc.modify(opt)
			assert.ErrorIs(t, OptCheck(opt), tc.want)
		})
	}
}

func TestCapCheck(t *testing.T) {
	f := identityFiles(t, "m", 4, "")
	info := mldev.DevInfo{MaxModels: 1, MaxQueuePairs: 1}

	assert.NoError(t, CapCheck(options(f), info))
	assert.ErrorIs(t, CapCheck(options(f, f), info), types.ErrUnsupported)
	opt := options(f)
	opt.QueuePairs = 2
	assert.ErrorIs(t, CapCheck(opt, info), types.ErrUnsupported)

	_, err := Run(options(f, f), softdev.New(info))
	assert.ErrorIs(t, err, types.ErrUnsupported)
}

func TestRunOrdered(t *testing.T) {
	a := identityFiles(t, "a", 4, "")
	b := identityFiles(t, "b", 6, "")
	dev := softdev.New(softdev.DefaultInfo())

	rep, err := Run(options(a, b), dev)
	require.NoError(t, err)
	assert.True(t, rep.Passed)
	assert.NotEmpty(t, rep.RunID)
	assert.Equal(t, softdev.DriverName, rep.Driver)
	assert.Equal(t, []ModelResult{
		{Fid: 0, Name: "a", Used: 3, Passed: true},
		{Fid: 1, Name: "b", Used: 3, Passed: true},
	}, rep.Models)

	out, err := os.ReadFile(a.Output)
	require.NoError(t, err)
	assert.Equal(t, floats(1, 2, -1, 0.5), out)
	out, err = os.ReadFile(b.Output)
	require.NoError(t, err)
	assert.Equal(t, floats(1, 2, -1, 0.5, 0, 0), out)

	assert.Error(t, dev.Start(), "device is closed after the run")
}

func TestRunInterleave(t *testing.T) {
	a := identityFiles(t, "a", 4, "")
	b := identityFiles(t, "b", 2, "")
	b.Output = ""
	opt := options(a, b)
	opt.Test = TestInferenceInterleave
	opt.Repetitions = 50
	opt.PoolSize = 8
	opt.QueuePairs = 2

	rep, err := Run(opt, softdev.New(mldev.DevInfo{MaxDesc: 4}))
	require.NoError(t, err)
	assert.True(t, rep.Passed)
	require.Len(t, rep.Models, 2)
	for _, m := range rep.Models {
		assert.True(t, m.Passed, m.Name)
		assert.LessOrEqual(t, m.Used, uint64(8))
		assert.NotZero(t, m.Used)
	}
	_, err = os.Stat(a.Output)
	assert.NoError(t, err)
}

func TestRunReportsOpErrors(t *testing.T) {
	f := identityFiles(t, "flaky", 4, "errorPeriod: 2\n")
	opt := options(f)
	opt.Repetitions = 4

	rep, err := Run(opt, softdev.New(softdev.DefaultInfo()))
	require.NoError(t, err)
	assert.False(t, rep.Passed)
	assert.Equal(t, []ModelResult{{Fid: 0, Name: "flaky", Used: 4, Errors: 2}}, rep.Models)
}

func TestRunInputSizeMismatch(t *testing.T) {
	f := identityFiles(t, "m", 4, "")
	require.NoError(t, os.WriteFile(f.Input, floats(1, 2, 3), 0644))
	dev := softdev.New(softdev.DefaultInfo())

	_, err := Run(options(f), dev)
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
	assert.Error(t, dev.Start(), "device is closed after a failed run")
}

// setupFailDevice fails the chosen setup step and counts Close calls.
type setupFailDevice struct {
	*softdev.Device
	failConfigure bool
	failQueuePair bool
	failStart     bool
	closed        int
}

var errSetup = errors.New("setup failed")

func (d *setupFailDevice) Configure(cfg mldev.Config) error {
	if d.failConfigure {
		return errSetup
	}
	return d.Device.Configure(cfg)
}

func (d *setupFailDevice) QueuePairSetup(qpID uint16, cfg mldev.QueuePairConfig) error {
	if d.failQueuePair {
		return errSetup
	}
	return d.Device.QueuePairSetup(qpID, cfg)
}

func (d *setupFailDevice) Start() error {
	if d.failStart {
		return errSetup
	}
	return d.Device.Start()
}

func (d *setupFailDevice) Close() error {
	d.closed++
	return nil
}

func TestDeviceSetupFailureClosesDevice(t *testing.T) {
	f := identityFiles(t, "m", 4, "")
	tests := []struct {
		name string
		dev  *setupFailDevice
	}{
		{"configure", &setupFailDevice{failConfigure: true}},
		{"queue_pair", &setupFailDevice{failQueuePair: true}},
		{"start", &setupFailDevice{failStart: true}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.dev.Device = softdev.New(softdev.DefaultInfo())
			test, err := Setup(options(f), tc.dev)
			require.NoError(t, err)

			assert.ErrorIs(t, test.DeviceSetup(), errSetup)
			assert.Equal(t, 1, tc.dev.closed)
			assert.NoError(t, test.DeviceDestroy(), "nothing left to tear down")
			assert.Equal(t, 1, tc.dev.closed)
		})
	}
}

func TestResultWithoutUse(t *testing.T) {
	f := identityFiles(t, "idle", 4, "")
	dev := softdev.New(softdev.DefaultInfo())
	test, err := Setup(options(f), dev)
	require.NoError(t, err)
	defer func() { assert.NoError(t, test.Destroy()) }()

	require.NoError(t, test.DeviceSetup())
	require.NoError(t, test.MemSetup())
	require.NoError(t, test.ModelLoad(0))
	require.NoError(t, test.IOMemSetup(0))

	res, err := test.Result(0)
	require.NoError(t, err)
	assert.Zero(t, res.Used)
	assert.False(t, res.Passed, "a model with no completed request fails")
}

func TestReportOutput(t *testing.T) {
	rep := &Report{
		RunID:  "0d6f1f8e-0000-4000-8000-000000000000",
		Test:   TestInferenceOrdered,
		Driver: softdev.DriverName,
		Models: []ModelResult{{Fid: 0, Name: "a", Used: 3, Passed: true}},
		Passed: true,
	}

	var buf bytes.Buffer
	require.NoError(t, rep.PrintTable(&buf))
	assert.Contains(t, buf.String(), "PASSED")
	assert.Contains(t, buf.String(), rep.RunID)

	buf.Reset()
	require.NoError(t, rep.PrintJSON(&buf))
	var decoded Report
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, *rep, decoded)
}

func TestAlignCeil(t *testing.T) {
	assert.Equal(t, 0, alignCeil(0, 64))
	assert.Equal(t, 64, alignCeil(1, 64))
	assert.Equal(t, 128, alignCeil(65, 64))
	assert.Equal(t, 7, alignCeil(7, 0))
}

package mlx5

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nativu5/mlx5-probe/pkg/glue"
	"github.com/Nativu5/mlx5-probe/pkg/glue/simglue"
	"github.com/Nativu5/mlx5-probe/pkg/types"
)

func pciPtr(s string) *types.PCIAddress {
	a := types.MustParsePCIAddress(s)
	return &a
}

// fakeSysfs builds one ibdev directory per (name, slot) pair.
func fakeSysfs(t *testing.T, devs map[string]string) map[string]string {
	t.Helper()
	dir := t.TempDir()
	paths := map[string]string{}
	for name, slot := range devs {
		paths[name] = writeUevent(t, dir, name, "DRIVER=mlx5_core\nPCI_SLOT_NAME="+slot+"\n")
	}
	return paths
}

// ──────────────────────────────────────────────
//  FindVerbsDevice
// ──────────────────────────────────────────────

func TestFindVerbsDevice(t *testing.T) {
	paths := fakeSysfs(t, map[string]string{
		"mlx5_0": "0000:17:00.0",
		"mlx5_1": "0000:17:00.1",
		"mlx5_2": "0000:17:00.1",
	})
	list := []glue.VerbsDevice{
		{Name: "broken", IbDevPath: "/nonexistent"},
		{Name: "mlx5_0", IbDevPath: paths["mlx5_0"]},
		{Name: "mlx5_1", IbDevPath: paths["mlx5_1"]},
		{Name: "mlx5_2", IbDevPath: paths["mlx5_2"]},
	}

	dev, err := FindVerbsDevice(types.MustParsePCIAddress("0000:17:00.1"), list)
	require.NoError(t, err)
	assert.Equal(t, "mlx5_1", dev.Name, "first occurrence wins")

	// Order does not change whether a match is found.
	reversed := []glue.VerbsDevice{list[3], list[2], list[1], list[0]}
	dev, err = FindVerbsDevice(types.MustParsePCIAddress("0000:17:00.0"), reversed)
	require.NoError(t, err)
	assert.Equal(t, "mlx5_0", dev.Name)

	_, err = FindVerbsDevice(types.MustParsePCIAddress("0000:99:00.0"), list)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

// ──────────────────────────────────────────────
//  DevX matching
// ──────────────────────────────────────────────

func TestMatchDevxBDF(t *testing.T) {
	addr := types.MustParsePCIAddress("0002:3b:00.4")
	assert.True(t, MatchDevxBDF(glue.DevxBDF{BusID: 0x023b, DevID: 0, FncID: 4}, addr))
	assert.False(t, MatchDevxBDF(glue.DevxBDF{BusID: 0x003b, DevID: 0, FncID: 4}, addr))
	assert.False(t, MatchDevxBDF(glue.DevxBDF{BusID: 0x023b, DevID: 1, FncID: 4}, addr))
	assert.False(t, MatchDevxBDF(glue.DevxBDF{BusID: 0x023b, DevID: 0, FncID: 3}, addr))
	assert.Equal(t, glue.DevxBDF{BusID: 0x023b, DevID: 0, FncID: 4}, glue.BDFFromPCI(addr))
}

type countingQuerier struct {
	raw   map[glue.DevxBDF]glue.DevxBDF
	err   error
	calls int
}

func (q *countingQuerier) QueryDevice(bdf glue.DevxBDF) (glue.DevxDevice, error) {
	q.calls++
	if q.err != nil {
		return glue.DevxDevice{}, q.err
	}
	return glue.DevxDevice{RawBDF: q.raw[bdf]}, nil
}

func TestFindDevxDevice_DirectMatchSkipsQuery(t *testing.T) {
	addr := types.MustParsePCIAddress("0000:17:00.0")
	list := []glue.DevxBDF{glue.BDFFromPCI(addr)}
	q := &countingQuerier{err: errors.New("must not be called")}

	idx, err := FindDevxDevice(addr, list, q)
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
	assert.Zero(t, q.calls)
}

func TestFindDevxDevice_RawBDFFallback(t *testing.T) {
	vf := types.MustParsePCIAddress("0000:17:00.2")
	listed := glue.BDFFromPCI(types.MustParsePCIAddress("0000:17:00.0"))
	other := glue.BDFFromPCI(types.MustParsePCIAddress("0000:18:00.0"))
	q := &countingQuerier{raw: map[glue.DevxBDF]glue.DevxBDF{
		other:  other,
		listed: glue.BDFFromPCI(vf),
	}}

	idx, err := FindDevxDevice(vf, []glue.DevxBDF{other, listed}, q)
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
	assert.Equal(t, 2, q.calls)
}

func TestFindDevxDevice_QueryErrorIsNotNotFound(t *testing.T) {
	addr := types.MustParsePCIAddress("0000:17:00.0")
	list := []glue.DevxBDF{glue.BDFFromPCI(types.MustParsePCIAddress("0000:18:00.0"))}
	queryErr := errors.New("query failed")

	_, err := FindDevxDevice(addr, list, &countingQuerier{err: queryErr})
	require.Error(t, err)
	assert.ErrorIs(t, err, queryErr)
	assert.NotErrorIs(t, err, types.ErrNotFound)

	_, err = FindDevxDevice(addr, list, &countingQuerier{raw: map[glue.DevxBDF]glue.DevxBDF{}})
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = FindDevxDevice(addr, nil, &countingQuerier{})
	assert.ErrorIs(t, err, types.ErrNotFound)
}

// ──────────────────────────────────────────────
//  OpenDevice (verbs)
// ──────────────────────────────────────────────

func TestOpenDevice_PrefersDV(t *testing.T) {
	t.Setenv(glue.EnvShutUpBF, "1")
	paths := fakeSysfs(t, map[string]string{"mlx5_0": "0000:17:00.0"})
	sim := simglue.New(simglue.Inventory{Devices: []simglue.DeviceSpec{
		{Name: "mlx5_0", IbDevPath: paths["mlx5_0"], PCI: types.MustParsePCIAddress("0000:17:00.0"), DV: true},
	}})

	dev, err := OpenDevice(sim, types.MustParsePCIAddress("0000:17:00.0"), Config{})
	require.NoError(t, err)
	assert.True(t, dev.DevX)
	assert.Equal(t, "mlx5_0", dev.Name)
	assert.Equal(t, []string{shutUpBFDefault}, sim.ShutUpBF, "unset doorbell mode applies the default during open")
	assert.Equal(t, "1", os.Getenv(glue.EnvShutUpBF), "environment is restored after open")

	require.NoError(t, dev.Close())
	assert.Zero(t, sim.OpenContexts())
	assert.NoError(t, dev.Close())
}

func TestOpenDevice_FallsBackToVerbs(t *testing.T) {
	t.Setenv(glue.EnvShutUpBF, "")
	os.Unsetenv(glue.EnvShutUpBF)
	paths := fakeSysfs(t, map[string]string{"mlx5_1": "0000:17:00.1"})
	sim := simglue.New(simglue.Inventory{Devices: []simglue.DeviceSpec{
		{Name: "mlx5_1", IbDevPath: paths["mlx5_1"], PCI: types.MustParsePCIAddress("0000:17:00.1")},
	}})

	dev, err := OpenDevice(sim, types.MustParsePCIAddress("0000:17:00.1"), Config{Doorbell: DoorbellNonCached})
	require.NoError(t, err)
	assert.False(t, dev.DevX)
	assert.Equal(t, []string{"1"}, sim.ShutUpBF)
	_, ok := os.LookupEnv(glue.EnvShutUpBF)
	assert.False(t, ok, "variable unset before open is unset again")
	require.NoError(t, dev.Close())
}

func TestOpenDevice_Errors(t *testing.T) {
	t.Setenv(glue.EnvShutUpBF, "0")
	paths := fakeSysfs(t, map[string]string{"mlx5_0": "0000:17:00.0"})
	addr := types.MustParsePCIAddress("0000:17:00.0")

	sim := simglue.New(simglue.Inventory{Devices: []simglue.DeviceSpec{
		{Name: "mlx5_0", IbDevPath: paths["mlx5_0"], PCI: addr, FailOpen: true},
	}})
	_, err := OpenDevice(sim, addr, Config{Doorbell: DoorbellNonCached})
	assert.ErrorIs(t, err, simglue.ErrInjected)
	assert.Equal(t, "0", os.Getenv(glue.EnvShutUpBF), "environment is restored on failure")

	_, err = OpenDevice(sim, types.MustParsePCIAddress("0000:99:00.0"), Config{})
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = OpenDevice(simglue.New(simglue.Inventory{FailList: true}), addr, Config{})
	assert.ErrorIs(t, err, types.ErrUnsupported)
}

// failingScope fails to restore the environment.
type failingScope struct{ set []string }

func (f *failingScope) Set(value string) error {
	f.set = append(f.set, value)
	return nil
}

func (f *failingScope) Restore() error { return errRestore }

var errRestore = errors.New("restore failed")

func TestOpenDevice_RestoreFailure(t *testing.T) {
	scope := &failingScope{}
	orig := acquireShutUpBF
	acquireShutUpBF = func() envScope { return scope }
	t.Cleanup(func() { acquireShutUpBF = orig })

	paths := fakeSysfs(t, map[string]string{"mlx5_0": "0000:17:00.0"})
	addr := types.MustParsePCIAddress("0000:17:00.0")
	sim := simglue.New(simglue.Inventory{Devices: []simglue.DeviceSpec{
		{Name: "mlx5_0", IbDevPath: paths["mlx5_0"], PCI: addr, DV: true},
	}})

	dev, err := OpenDevice(sim, addr, Config{Doorbell: DoorbellCached})
	assert.ErrorIs(t, err, errRestore)
	assert.Nil(t, dev)
	assert.Equal(t, []string{"0"}, scope.set)
	assert.Zero(t, sim.OpenContexts(), "context opened under the guard is closed again")
}

func TestParseDoorbellMode(t *testing.T) {
	for in, want := range map[string]DoorbellMode{
		"":          DoorbellUnset,
		"cached":    DoorbellCached,
		"ncached":   DoorbellNonCached,
		"heuristic": DoorbellHeuristic,
	} {
		got, err := ParseDoorbellMode(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseDoorbellMode("fast")
	assert.ErrorIs(t, err, types.ErrInvalidArgument)

	assert.Equal(t, "0", DoorbellCached.shutUpBF())
	assert.Equal(t, "0", DoorbellHeuristic.shutUpBF())
}

// ──────────────────────────────────────────────
//  OpenDevxDevice
// ──────────────────────────────────────────────

func TestOpenDevxDevice(t *testing.T) {
	vf := types.MustParsePCIAddress("0000:17:00.3")
	sim := simglue.New(simglue.Inventory{Devices: []simglue.DeviceSpec{
		{Name: "mlx5_0", PCI: types.MustParsePCIAddress("0000:17:00.0")},
		{Name: "mlx5_vf", PCI: types.MustParsePCIAddress("0000:17:00.1"), RawPCI: pciPtr("0000:17:00.3")},
	}})

	dev, err := OpenDevxDevice(sim, vf)
	require.NoError(t, err)
	assert.Equal(t, "mlx5_vf", dev.Name)
	assert.True(t, dev.DevX)
	assert.Equal(t, glue.BDFFromPCI(vf), dev.Info.RawBDF)
	assert.Equal(t, 1, sim.OpenContexts())
	require.NoError(t, dev.Close())
	assert.Zero(t, sim.OpenContexts())
}

func TestOpenDevxDevice_QueryFailureClosesContext(t *testing.T) {
	addr := types.MustParsePCIAddress("0000:17:00.0")
	sim := simglue.New(simglue.Inventory{Devices: []simglue.DeviceSpec{
		{Name: "mlx5_0", PCI: addr, FailQuery: true},
	}})

	_, err := OpenDevxDevice(sim, addr)
	assert.ErrorIs(t, err, simglue.ErrInjected)
	assert.Zero(t, sim.OpenContexts())

	_, err = OpenDevxDevice(simglue.New(simglue.Inventory{FailList: true}), addr)
	assert.ErrorIs(t, err, types.ErrUnsupported)
}

// ──────────────────────────────────────────────
//  memory regions
// ──────────────────────────────────────────────

func openSim(t *testing.T, spec simglue.DeviceSpec) (*simglue.Glue, *DevxDevice) {
	t.Helper()
	sim := simglue.New(simglue.Inventory{Devices: []simglue.DeviceSpec{spec}})
	dev, err := OpenDevxDevice(sim, spec.PCI)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })
	return sim, dev
}

func TestRegMR(t *testing.T) {
	sim, dev := openSim(t, simglue.DeviceSpec{
		Name: "mlx5_0", PCI: types.MustParsePCIAddress("0000:17:00.0"),
		RelaxedOrderingWrite: true, RelaxedOrderingRead: true,
	})

	pd, err := AllocPD(sim, dev.Ctx)
	require.NoError(t, err)

	buf := make([]byte, 4096)
	mr, err := RegMR(sim, pd, buf, true)
	require.NoError(t, err)
	assert.Equal(t, 4096, mr.Len())
	assert.Equal(t, mr.Mkey.ID(), mr.LKey)
	assert.Equal(t, 3, sim.LiveObjects())

	require.NoError(t, DeregMR(sim, mr))
	assert.Nil(t, mr.Mkey)
	assert.NoError(t, DeregMR(sim, nil))
	require.NoError(t, DeallocPD(sim, pd))
	assert.Zero(t, sim.LiveObjects())

	assert.ErrorIs(t, DeallocPD(sim, nil), types.ErrInvalidArgument)
}

func TestRegMR_Failures(t *testing.T) {
	addr := types.MustParsePCIAddress("0000:17:00.0")

	for _, tc := range []struct {
		name string
		spec simglue.DeviceSpec
	}{
		{"hca_query", simglue.DeviceSpec{Name: "d", PCI: addr, FailHCAQuery: true}},
		{"umem", simglue.DeviceSpec{Name: "d", PCI: addr, FailUmem: true}},
		{"mkey", simglue.DeviceSpec{Name: "d", PCI: addr, FailMkey: true}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			sim, dev := openSim(t, tc.spec)
			pd, err := AllocPD(sim, dev.Ctx)
			require.NoError(t, err)

			_, err = RegMR(sim, pd, make([]byte, 64), false)
			assert.ErrorIs(t, err, simglue.ErrInjected)
			assert.Equal(t, 1, sim.LiveObjects(), "only the PD remains")
		})
	}

	sim, dev := openSim(t, simglue.DeviceSpec{Name: "d", PCI: addr})
	pd, err := AllocPD(sim, dev.Ctx)
	require.NoError(t, err)
	_, err = RegMR(sim, pd, nil, false)
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
}

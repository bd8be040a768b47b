// Package simglue is an in-memory glue backend driven by a YAML inventory.
// It implements both the verbs and the DevX interfaces and is registered as
// "sim". The inventory file is taken from MLX5_SIM_INVENTORY.
package simglue

import (
	"errors"
	"fmt"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"
	"sigs.k8s.io/yaml"

	"github.com/Nativu5/mlx5-probe/pkg/glue"
	"github.com/Nativu5/mlx5-probe/pkg/types"
)

// EnvInventory names the inventory file used by the registered factory.
const EnvInventory = "MLX5_SIM_INVENTORY"

// ErrInjected is returned by operations configured to fail.
var ErrInjected = errors.New("injected failure")

func init() {
	glue.Register("sim", func() (glue.Glue, error) {
		path := os.Getenv(EnvInventory)
		if path == "" {
			return New(Inventory{}), nil
		}
		inv, err := LoadInventory(path)
		if err != nil {
			return nil, err
		}
		return New(inv), nil
	})
}

// DeviceSpec describes one simulated device.
type DeviceSpec struct {
	Name      string `json:"name"`
	IbDevPath string `json:"ibdevPath,omitempty"`
	// PCI is the BDF the device list reports.
	PCI types.PCIAddress `json:"pci"`
	// RawPCI is the physical BDF returned by a query. Defaults to PCI.
	RawPCI *types.PCIAddress `json:"rawPci,omitempty"`
	// DV marks direct-verbs/DevX open support.
	DV bool `json:"dv"`

	RelaxedOrderingWrite bool `json:"relaxedOrderingWrite,omitempty"`
	RelaxedOrderingRead  bool `json:"relaxedOrderingRead,omitempty"`

	FailOpen     bool `json:"failOpen,omitempty"`
	FailQuery    bool `json:"failQuery,omitempty"`
	FailHCAQuery bool `json:"failHcaQuery,omitempty"`
	FailUmem     bool `json:"failUmem,omitempty"`
	FailMkey     bool `json:"failMkey,omitempty"`
}

// Inventory is the simulated host.
type Inventory struct {
	// Version overrides the reported glue version.
	Version string       `json:"version,omitempty"`
	Devices []DeviceSpec `json:"devices"`
	// FailList makes device list retrieval fail.
	FailList bool `json:"failList,omitempty"`
}

// LoadInventory reads a YAML inventory file.
func LoadInventory(path string) (Inventory, error) {
	var inv Inventory
	data, err := os.ReadFile(path)
	if err != nil {
		return inv, types.Wrap(types.ErrNotFound, fmt.Errorf("cannot read inventory %s: %w", path, err))
	}
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return inv, types.Wrap(types.ErrInvalidArgument, fmt.Errorf("cannot parse inventory %s: %w", path, err))
	}
	return inv, nil
}

type context struct {
	spec *DeviceSpec
	devx bool
}

func (c *context) Name() string { return c.spec.Name }

type object struct {
	id   uint32
	kind string
}

func (o *object) ID() uint32 { return o.id }

// Glue is the simulated backend.
type Glue struct {
	inv Inventory

	mu       sync.Mutex
	nextID   uint32
	open     map[*context]struct{}
	live     map[*object]struct{}
	queries  int
	forkInit bool
	// ShutUpBF records MLX5_SHUT_UP_BF as seen at each open.
	ShutUpBF []string
}

var (
	_ glue.Verbs = (*Glue)(nil)
	_ glue.Devx  = (*Glue)(nil)
)

// New builds a backend over inv.
func New(inv Inventory) *Glue {
	return &Glue{
		inv:    inv,
		nextID: 1,
		open:   map[*context]struct{}{},
		live:   map[*object]struct{}{},
	}
}

func (g *Glue) Version() string {
	if g.inv.Version != "" {
		return g.inv.Version
	}
	return glue.Version
}

func (g *Glue) ForkInit() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.forkInit = true
	return nil
}

// ──────────────────────────────────────────────
//  verbs
// ──────────────────────────────────────────────

func (g *Glue) GetDeviceList() ([]glue.VerbsDevice, error) {
	if g.inv.FailList {
		return nil, ErrInjected
	}
	list := make([]glue.VerbsDevice, 0, len(g.inv.Devices))
	for _, d := range g.inv.Devices {
		list = append(list, glue.VerbsDevice{Name: d.Name, IbDevPath: d.IbDevPath})
	}
	return list, nil
}

func (g *Glue) DVOpenDevice(dev glue.VerbsDevice) (glue.Context, error) {
	spec, err := g.byName(dev.Name)
	if err != nil {
		return nil, err
	}
	if !spec.DV {
		return nil, types.Wrap(types.ErrUnsupported, fmt.Errorf("%s: DevX not supported", dev.Name))
	}
	return g.openSpec(spec, true)
}

func (g *Glue) OpenDevice(dev glue.VerbsDevice) (glue.Context, error) {
	spec, err := g.byName(dev.Name)
	if err != nil {
		return nil, err
	}
	return g.openSpec(spec, false)
}

func (g *Glue) CloseDevice(ctx glue.Context) error {
	c, ok := ctx.(*context)
	if !ok {
		return types.Wrap(types.ErrInvalidArgument, fmt.Errorf("foreign context %T", ctx))
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.open[c]; !ok {
		return types.Wrap(types.ErrInvalidArgument, fmt.Errorf("%s: context already closed", c.Name()))
	}
	delete(g.open, c)
	return nil
}

// ──────────────────────────────────────────────
//  DevX
// ──────────────────────────────────────────────

func (g *Glue) GetDevxDeviceList() ([]glue.DevxBDF, error) {
	if g.inv.FailList {
		return nil, ErrInjected
	}
	list := make([]glue.DevxBDF, 0, len(g.inv.Devices))
	for _, d := range g.inv.Devices {
		list = append(list, glue.BDFFromPCI(d.PCI))
	}
	return list, nil
}

func (g *Glue) QueryDevice(bdf glue.DevxBDF) (glue.DevxDevice, error) {
	g.mu.Lock()
	g.queries++
	g.mu.Unlock()

	spec, err := g.byBDF(bdf)
	if err != nil {
		return glue.DevxDevice{}, err
	}
	if spec.FailQuery {
		return glue.DevxDevice{}, ErrInjected
	}
	raw := spec.PCI
	if spec.RawPCI != nil {
		raw = *spec.RawPCI
	}
	return glue.DevxDevice{Name: spec.Name, RawBDF: glue.BDFFromPCI(raw)}, nil
}

func (g *Glue) OpenDevxDevice(bdf glue.DevxBDF) (glue.Context, error) {
	spec, err := g.byBDF(bdf)
	if err != nil {
		return nil, err
	}
	return g.openSpec(spec, true)
}

func (g *Glue) AllocPD(ctx glue.Context) (glue.Object, error) {
	if _, err := g.ctxSpec(ctx); err != nil {
		return nil, err
	}
	return g.newObject("pd"), nil
}

func (g *Glue) QueryHCAAttr(ctx glue.Context) (glue.HCAAttr, error) {
	spec, err := g.ctxSpec(ctx)
	if err != nil {
		return glue.HCAAttr{}, err
	}
	if spec.FailHCAQuery {
		return glue.HCAAttr{}, ErrInjected
	}
	return glue.HCAAttr{
		RelaxedOrderingWrite: spec.RelaxedOrderingWrite,
		RelaxedOrderingRead:  spec.RelaxedOrderingRead,
	}, nil
}

func (g *Glue) UmemReg(ctx glue.Context, buf []byte, access uint32) (glue.Umem, error) {
	spec, err := g.ctxSpec(ctx)
	if err != nil {
		return nil, err
	}
	if spec.FailUmem {
		return nil, ErrInjected
	}
	return g.newObject("umem"), nil
}

func (g *Glue) UmemDereg(u glue.Umem) error {
	o, ok := u.(*object)
	if !ok || o.kind != "umem" {
		return types.Wrap(types.ErrInvalidArgument, fmt.Errorf("not a umem: %T", u))
	}
	return g.destroy(o)
}

func (g *Glue) MkeyCreate(ctx glue.Context, attr glue.MkeyAttr) (glue.Object, error) {
	spec, err := g.ctxSpec(ctx)
	if err != nil {
		return nil, err
	}
	if spec.FailMkey {
		return nil, ErrInjected
	}
	log.Debugf("sim: mkey on %s size=%d umem=%d pd=%d", spec.Name, attr.Size, attr.UmemID, attr.PDN)
	return g.newObject("mkey"), nil
}

func (g *Glue) ObjDestroy(obj glue.Object) error {
	o, ok := obj.(*object)
	if !ok {
		return types.Wrap(types.ErrInvalidArgument, fmt.Errorf("foreign object %T", obj))
	}
	return g.destroy(o)
}

// ──────────────────────────────────────────────
//  introspection
// ──────────────────────────────────────────────

// OpenContexts returns the number of contexts not yet closed.
func (g *Glue) OpenContexts() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.open)
}

// LiveObjects returns the number of DevX objects and umems not yet released.
func (g *Glue) LiveObjects() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.live)
}

// Queries returns how many times QueryDevice was called.
func (g *Glue) Queries() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.queries
}

// ──────────────────────────────────────────────
//  helpers
// ──────────────────────────────────────────────

func (g *Glue) byName(name string) (*DeviceSpec, error) {
	for i := range g.inv.Devices {
		if g.inv.Devices[i].Name == name {
			return &g.inv.Devices[i], nil
		}
	}
	return nil, types.Wrap(types.ErrNotFound, fmt.Errorf("no simulated device %q", name))
}

func (g *Glue) byBDF(bdf glue.DevxBDF) (*DeviceSpec, error) {
	for i := range g.inv.Devices {
		if glue.BDFFromPCI(g.inv.Devices[i].PCI) == bdf {
			return &g.inv.Devices[i], nil
		}
	}
	return nil, types.Wrap(types.ErrNotFound, fmt.Errorf("no simulated device at bus_id %04x dev %02x fn %x", bdf.BusID, bdf.DevID, bdf.FncID))
}

func (g *Glue) ctxSpec(ctx glue.Context) (*DeviceSpec, error) {
	c, ok := ctx.(*context)
	if !ok {
		return nil, types.Wrap(types.ErrInvalidArgument, fmt.Errorf("foreign context %T", ctx))
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.open[c]; !ok {
		return nil, types.Wrap(types.ErrInvalidArgument, fmt.Errorf("%s: context is closed", c.Name()))
	}
	return c.spec, nil
}

func (g *Glue) openSpec(spec *DeviceSpec, devx bool) (glue.Context, error) {
	if spec.FailOpen {
		return nil, ErrInjected
	}
	c := &context{spec: spec, devx: devx}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.open[c] = struct{}{}
	g.ShutUpBF = append(g.ShutUpBF, os.Getenv(glue.EnvShutUpBF))
	return c, nil
}

func (g *Glue) newObject(kind string) *object {
	g.mu.Lock()
	defer g.mu.Unlock()
	o := &object{id: g.nextID, kind: kind}
	g.nextID++
	g.live[o] = struct{}{}
	return o
}

func (g *Glue) destroy(o *object) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.live[o]; !ok {
		return types.Wrap(types.ErrInvalidArgument, fmt.Errorf("%s %d already destroyed", o.kind, o.id))
	}
	delete(g.live, o)
	return nil
}

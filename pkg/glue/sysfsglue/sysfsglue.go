// Package sysfsglue is the built-in verbs backend. It lists InfiniBand
// devices from sysfs and opens their uverbs character device directly.
// Direct-verbs (DevX) contexts need libmlx5 and are not available here.
package sysfsglue

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Mellanox/rdmamap"
	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/mlx5-probe/pkg/glue"
	"github.com/Nativu5/mlx5-probe/pkg/types"
)

var (
	sysClassInfiniband = "/sys/class/infiniband"
	getCharDevices     = rdmamap.GetRdmaCharDevices
)

func init() {
	glue.Register(glue.DefaultBackend, func() (glue.Glue, error) { return New(), nil })
}

type context struct {
	name string
	file *os.File
}

func (c *context) Name() string { return c.name }

// Glue implements glue.Verbs over sysfs.
type Glue struct{}

var _ glue.Verbs = (*Glue)(nil)

// New returns the sysfs backend.
func New() *Glue {
	return &Glue{}
}

func (g *Glue) Version() string { return glue.Version }

// ForkInit is a no-op: the uverbs file is opened close-on-exec by the Go runtime.
func (g *Glue) ForkInit() error { return nil }

// GetDeviceList lists /sys/class/infiniband.
func (g *Glue) GetDeviceList() ([]glue.VerbsDevice, error) {
	entries, err := os.ReadDir(sysClassInfiniband)
	if err != nil {
		return nil, types.Wrap(types.ErrUnsupported, fmt.Errorf("cannot read %s: %w", sysClassInfiniband, err))
	}
	list := make([]glue.VerbsDevice, 0, len(entries))
	for _, e := range entries {
		list = append(list, glue.VerbsDevice{
			Name:      e.Name(),
			IbDevPath: filepath.Join(sysClassInfiniband, e.Name()),
		})
	}
	return list, nil
}

// DVOpenDevice always fails; callers fall back to OpenDevice.
func (g *Glue) DVOpenDevice(dev glue.VerbsDevice) (glue.Context, error) {
	return nil, types.Wrap(types.ErrUnsupported, fmt.Errorf("%s: direct verbs need libmlx5", dev.Name))
}

// OpenDevice opens the uverbs character device of dev.
func (g *Glue) OpenDevice(dev glue.VerbsDevice) (glue.Context, error) {
	for _, path := range getCharDevices(dev.Name) {
		if !strings.HasPrefix(filepath.Base(path), "uverbs") {
			continue
		}
		log.Debugf("opening %s for %s", path, dev.Name)
		f, err := os.OpenFile(path, os.O_RDWR, 0)
		if err != nil {
			return nil, fmt.Errorf("cannot open %s: %w", path, err)
		}
		return &context{name: dev.Name, file: f}, nil
	}
	return nil, types.Wrap(types.ErrNotFound, fmt.Errorf("%s: no uverbs character device", dev.Name))
}

// CloseDevice closes the uverbs file.
func (g *Glue) CloseDevice(ctx glue.Context) error {
	c, ok := ctx.(*context)
	if !ok {
		return types.Wrap(types.ErrInvalidArgument, fmt.Errorf("foreign context %T", ctx))
	}
	return c.file.Close()
}

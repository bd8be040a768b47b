package mlx5

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/Nativu5/mlx5-probe/pkg/glue"
	"github.com/Nativu5/mlx5-probe/pkg/types"
)

// DoorbellMode selects how Tx doorbell registers are mapped.
type DoorbellMode int

const (
	DoorbellUnset DoorbellMode = iota
	DoorbellCached
	DoorbellNonCached
	DoorbellHeuristic
)

// shutUpBFDefault is applied when no doorbell mode is configured.
const shutUpBFDefault = "0"

// ParseDoorbellMode accepts "", "cached", "ncached" and "heuristic".
func ParseDoorbellMode(s string) (DoorbellMode, error) {
	switch s {
	case "":
		return DoorbellUnset, nil
	case "cached":
		return DoorbellCached, nil
	case "ncached":
		return DoorbellNonCached, nil
	case "heuristic":
		return DoorbellHeuristic, nil
	}
	return DoorbellUnset, types.Wrap(types.ErrInvalidArgument, fmt.Errorf("unknown doorbell mode %q", s))
}

func (m DoorbellMode) shutUpBF() string {
	switch m {
	case DoorbellUnset:
		return shutUpBFDefault
	case DoorbellNonCached:
		return "1"
	}
	return "0"
}

// Config holds per-device open options.
type Config struct {
	Doorbell DoorbellMode
}

// envScope is the part of glue.EnvGuard used while opening a device.
type envScope interface {
	Set(value string) error
	Restore() error
}

// acquireShutUpBF scopes MLX5_SHUT_UP_BF. Replaced in tests.
var acquireShutUpBF = func() envScope { return glue.AcquireEnv(glue.EnvShutUpBF) }

// Device is an open mlx5 device.
type Device struct {
	Name string
	// DevX is true when the context was opened with DevX support.
	DevX bool
	Ctx  glue.Context

	closer interface {
		CloseDevice(glue.Context) error
	}
}

// Close releases the device context.
func (d *Device) Close() error {
	if d == nil || d.Ctx == nil {
		return nil
	}
	err := d.closer.CloseDevice(d.Ctx)
	d.Ctx = nil
	return err
}

// OpenDevice finds the verbs device at addr and opens it, preferring a
// direct-verbs context. MLX5_SHUT_UP_BF is set from cfg while the context is
// created and restored afterwards on every path.
func OpenDevice(g glue.Verbs, addr types.PCIAddress, cfg Config) (dev *Device, e error) {
	list, err := g.GetDeviceList()
	if err != nil {
		return nil, types.Wrap(types.ErrUnsupported, fmt.Errorf("cannot list verbs devices: %w", err))
	}
	ibv, err := FindVerbsDevice(addr, list)
	if err != nil {
		return nil, err
	}
	log.Infof("dev information matches for device %q", ibv.Name)

	guard := acquireShutUpBF()
	defer func() {
		if err := guard.Restore(); err != nil {
			e = multierr.Append(e, fmt.Errorf("cannot restore %s: %w", glue.EnvShutUpBF, err))
			if dev != nil {
				e = multierr.Append(e, dev.Close())
				dev = nil
			}
		}
	}()
	if err := guard.Set(cfg.Doorbell.shutUpBF()); err != nil {
		return nil, fmt.Errorf("cannot configure doorbell mapping: %w", err)
	}

	dev = &Device{Name: ibv.Name, closer: g}
	ctx, dvErr := g.DVOpenDevice(ibv)
	if dvErr == nil {
		dev.Ctx, dev.DevX = ctx, true
		log.Debug("DevX is supported")
		return dev, nil
	}

	ctx, err = g.OpenDevice(ibv)
	if err != nil {
		log.Errorf("failed to open IB device %q", ibv.Name)
		return nil, fmt.Errorf("cannot open IB device %q: %w", ibv.Name, err)
	}
	log.Debugf("DevX is NOT supported: %v", dvErr)
	dev.Ctx = ctx
	return dev, nil
}

// DevxDevice is an open DevX device with its queried attributes.
type DevxDevice struct {
	Device
	Info glue.DevxDevice
}

// OpenDevxDevice finds the DevX device at addr, opens it and queries its
// context fields. The context is closed again if the query fails.
func OpenDevxDevice(g glue.Devx, addr types.PCIAddress) (*DevxDevice, error) {
	list, err := g.GetDevxDeviceList()
	if err != nil {
		log.Error("cannot list devices, is DevX enabled?")
		return nil, types.Wrap(types.ErrUnsupported, fmt.Errorf("cannot list DevX devices: %w", err))
	}
	idx, err := FindDevxDevice(addr, list, g)
	if err != nil {
		return nil, err
	}
	bdf := list[idx]

	ctx, err := g.OpenDevxDevice(bdf)
	if err != nil {
		log.Error("failed to open DevX device")
		return nil, fmt.Errorf("cannot open DevX device %s: %w", addr, err)
	}
	info, err := g.QueryDevice(bdf)
	if err != nil {
		log.Error("failed to query device context fields")
		return nil, multierr.Append(
			fmt.Errorf("cannot query DevX device %s: %w", addr, err),
			g.CloseDevice(ctx),
		)
	}

	return &DevxDevice{
		Device: Device{Name: ctx.Name(), DevX: true, Ctx: ctx, closer: g},
		Info:   info,
	}, nil
}

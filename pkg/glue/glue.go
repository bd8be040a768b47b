// Package glue defines the capability interface between the mlx5 resolver and
// the user-space RDMA stack, and resolves an implementation of it at startup.
//
// A backend is either one of the built-in implementations registered with
// Register, or a Go plugin found on the glue search path that exports a
// symbol named "Glue" of type glue.Glue. Every backend must report the exact
// Version this package was built with.
package glue

import "github.com/Nativu5/mlx5-probe/pkg/types"

// Version is the glue ABI version a backend must report.
const Version = "24.11.0"

// LibraryName is appended to every directory of the glue search path.
const LibraryName = "mlx5-probe-glue.so"

// AccessLocalWrite allows the device to write into a registered region.
const AccessLocalWrite uint32 = 1

// Glue is the part every backend implements.
type Glue interface {
	// Version returns the backend ABI version.
	Version() string
	// ForkInit prepares the backend for a process that may fork later.
	ForkInit() error
}

// VerbsDevice is one entry of a verbs device list.
type VerbsDevice struct {
	Name      string `json:"name"`
	IbDevPath string `json:"ibdev_path"`
}

// DevxBDF is the PCI location DevX reports for a device. The domain is kept
// in the upper byte of BusID and the bus in its lower byte.
type DevxBDF struct {
	BusID uint16 `json:"bus_id"`
	DevID uint8  `json:"dev_id"`
	FncID uint8  `json:"fnc_id"`
}

// DevxDevice holds the fields returned by a DevX device query.
type DevxDevice struct {
	Name string
	// RawBDF is the physical address of the function. It differs from the
	// listed BDF when the entry stands for a virtual function.
	RawBDF DevxBDF
}

// Context is an open device context.
type Context interface {
	Name() string
}

// Object is a DevX object such as a protection domain or a memory key.
type Object interface {
	ID() uint32
}

// Umem is a registered user memory area.
type Umem interface {
	ID() uint32
}

// HCAAttr carries the HCA capabilities needed to create memory keys.
type HCAAttr struct {
	RelaxedOrderingWrite bool
	RelaxedOrderingRead  bool
}

// MkeyAttr describes a memory key to create.
type MkeyAttr struct {
	Size                 uint64
	UmemID               uint32
	PDN                  uint32
	RelaxedOrderingWrite bool
	RelaxedOrderingRead  bool
}

// Verbs is implemented by backends that expose an ibverbs device list.
type Verbs interface {
	Glue
	GetDeviceList() ([]VerbsDevice, error)
	// DVOpenDevice opens the device with direct-verbs (DevX) support.
	DVOpenDevice(dev VerbsDevice) (Context, error)
	OpenDevice(dev VerbsDevice) (Context, error)
	CloseDevice(ctx Context) error
}

// Devx is implemented by backends that expose a DevX device list and DevX
// object commands.
type Devx interface {
	Glue
	GetDevxDeviceList() ([]DevxBDF, error)
	QueryDevice(bdf DevxBDF) (DevxDevice, error)
	OpenDevxDevice(bdf DevxBDF) (Context, error)
	CloseDevice(ctx Context) error
	AllocPD(ctx Context) (Object, error)
	QueryHCAAttr(ctx Context) (HCAAttr, error)
	UmemReg(ctx Context, buf []byte, access uint32) (Umem, error)
	UmemDereg(u Umem) error
	MkeyCreate(ctx Context, attr MkeyAttr) (Object, error)
	ObjDestroy(obj Object) error
}

// BDFFromPCI builds the DevX form of a PCI address. Only the low byte of the
// domain fits.
func BDFFromPCI(addr types.PCIAddress) DevxBDF {
	return DevxBDF{
		BusID: uint16(addr.Domain&0xff)<<8 | uint16(addr.Bus),
		DevID: addr.Device,
		FncID: addr.Function,
	}
}

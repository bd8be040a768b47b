// Package types defines shared data types for the mlx5-probe tool.
package types

// DeviceSpec describes a host device node to expose inside a container.
type DeviceSpec struct {
	// HostPath is the path of the device on the host (e.g. /dev/infiniband/uverbs0).
	HostPath string
	// ContainerPath is the path of the device inside the container.
	ContainerPath string
	// Permissions is the cgroup permissions for the device (e.g. "rw", "rwm").
	Permissions string
}

// Mlx5Device is one mlx5 PCI function together with everything the resolver
// could learn about it from sysfs, netlink and the RDMA subsystem.
type Mlx5Device struct {
	// PciAddress is the PCI address as reported by the kernel uevent.
	PciAddress PCIAddress
	// IbDev is the InfiniBand device name (e.g. "mlx5_0").
	IbDev string
	// IbDevPath is the sysfs directory of the IB device
	// (e.g. /sys/class/infiniband/mlx5_0).
	IbDevPath string
	// IfName is the primary (port 0) network interface. May be empty.
	IfName string
	// PortName is the classification of the interface phys_port_name.
	PortName SwitchInfo
	// Vendor is the PCI vendor ID (e.g. "15b3" for Mellanox).
	Vendor string
	// DeviceID is the PCI device/product ID.
	DeviceID string
	// Driver is the kernel driver bound to the PCI function (e.g. "mlx5_core").
	Driver string
	// LinkType is the link encapsulation type (e.g. "infiniband", "ether").
	LinkType string
	// RdmaDevices lists RDMA character device paths for the PCI function.
	RdmaDevices []string
	// DeviceSpecs is derived from RdmaDevices.
	DeviceSpecs []DeviceSpec
}

// RequiredRdmaDevices lists the RDMA character device types that must be
// present for a device to be opened from user space.
var RequiredRdmaDevices = []string{"rdma_cm", "umad", "uverbs"}

// DeviceDiscoverer abstracts mlx5 device discovery for testability.
type DeviceDiscoverer interface {
	// DiscoverByPCI discovers a device from a PCI address.
	DiscoverByPCI(addr PCIAddress) (*Mlx5Device, error)
	// DiscoverByIfName discovers a device from a network interface name.
	DiscoverByIfName(ifName string) (*Mlx5Device, error)
	// DiscoverAll discovers all mlx5 devices on the host.
	DiscoverAll() ([]*Mlx5Device, error)
}

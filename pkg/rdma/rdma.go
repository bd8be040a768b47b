// Package rdma discovers mlx5 devices on the host. PCI functions are
// enumerated through procfs' sysfs reader, their IB devices and character
// devices through rdmamap, and the remaining identity (uevent address,
// primary interface, switch port name) through the mlx5 resolver.
package rdma

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Mellanox/rdmamap"
	"github.com/prometheus/procfs/sysfs"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"

	"github.com/Nativu5/mlx5-probe/pkg/mlx5"
	"github.com/Nativu5/mlx5-probe/pkg/types"
)

// MellanoxVendorID is the PCI vendor of mlx5 devices.
const MellanoxVendorID = 0x15b3

var (
	sysfsMount         = "/sys"
	sysNetDevices      = "/sys/class/net"
	sysBusPci          = "/sys/bus/pci/devices"
	sysClassInfiniband = "/sys/class/infiniband"

	getRdmaDevicesForPcidev = rdmamap.GetRdmaDevicesForPcidev
	getRdmaCharDevices      = rdmamap.GetRdmaCharDevices
	linkByName              = netlink.LinkByName
)

// Discoverer implements types.DeviceDiscoverer over sysfs, rdmamap and
// netlink.
type Discoverer struct{}

var _ types.DeviceDiscoverer = (*Discoverer)(nil)

// NewDiscoverer returns a host device discoverer.
func NewDiscoverer() *Discoverer {
	return &Discoverer{}
}

// ───────────────────────────────────────────
//  sysfs helpers
// ───────────────────────────────────────────

// GetPciAddress returns the PCI address behind a network interface by
// reading the /sys/class/net/<ifName>/device symlink.
func GetPciAddress(ifName string) (types.PCIAddress, error) {
	ifaceDir := path.Join(sysNetDevices, ifName, "device")
	dirInfo, err := os.Lstat(ifaceDir)
	if err != nil {
		return types.PCIAddress{}, types.Wrap(types.ErrNotFound,
			fmt.Errorf("cannot stat device symlink for interface %q: %w", ifName, err))
	}
	if (dirInfo.Mode() & os.ModeSymlink) == 0 {
		return types.PCIAddress{}, types.Wrap(types.ErrNotFound, fmt.Errorf("no symbolic link for interface %q", ifName))
	}

	pciInfo, err := os.Readlink(ifaceDir)
	if err != nil {
		return types.PCIAddress{}, fmt.Errorf("cannot read device symlink for interface %q: %w", ifName, err)
	}
	// ../../../0000:86:00.0
	return types.ParsePCIAddress(path.Base(pciInfo))
}

// GetNetNames lists the network interfaces of a PCI function from
// /sys/bus/pci/devices/<addr>/net.
func GetNetNames(addr types.PCIAddress) ([]string, error) {
	netDir := filepath.Join(sysBusPci, addr.String(), "net")
	entries, err := os.ReadDir(netDir)
	if err != nil {
		return nil, types.Wrap(types.ErrNotFound, fmt.Errorf("no net directory under PCI device %s: %w", addr, err))
	}
	return lo.Map(entries, func(e os.DirEntry, _ int) string { return e.Name() }), nil
}

// GetPCIDevDriver returns the kernel driver bound to a PCI function.
func GetPCIDevDriver(addr types.PCIAddress) (string, error) {
	driverLink := filepath.Join(sysBusPci, addr.String(), "driver")
	driverInfo, err := os.Readlink(driverLink)
	if err != nil {
		return "", fmt.Errorf("cannot read driver symlink for PCI device %s: %w", addr, err)
	}
	return filepath.Base(driverInfo), nil
}

// GetPCIVendor returns the vendor ID of a PCI function without "0x".
func GetPCIVendor(addr types.PCIAddress) string {
	return readSysfsAttr(filepath.Join(sysBusPci, addr.String(), "vendor"))
}

// GetPCIDeviceID returns the device ID of a PCI function without "0x".
func GetPCIDeviceID(addr types.PCIAddress) string {
	return readSysfsAttr(filepath.Join(sysBusPci, addr.String(), "device"))
}

// GetLinkType returns the link encapsulation type of an interface.
func GetLinkType(ifName string) string {
	if ifName == "" {
		return ""
	}
	link, err := linkByName(ifName)
	if err != nil {
		log.Debugf("cannot query link %s: %v", ifName, err)
		return ""
	}
	return link.Attrs().EncapType
}

func readSysfsAttr(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.TrimSpace(string(data)), "0x")
}

// ListMellanoxPCI returns the PCI functions with vendor 0x15b3, sorted.
func ListMellanoxPCI() ([]types.PCIAddress, error) {
	fs, err := sysfs.NewFS(sysfsMount)
	if err != nil {
		return nil, fmt.Errorf("failed to open sysfs: %w", err)
	}
	devices, err := fs.PciDevices()
	if err != nil {
		return nil, fmt.Errorf("failed to read pci devices: %w", err)
	}

	var addrs []types.PCIAddress
	for _, device := range devices {
		if device.Vendor != MellanoxVendorID {
			log.Debugf("skipping %s: vendor 0x%04x", device.Name(), device.Vendor)
			continue
		}
		addrs = append(addrs, types.PCIAddress{
			Domain:   uint32(device.Location.Segment),
			Bus:      uint8(device.Location.Bus),
			Device:   uint8(device.Location.Device),
			Function: uint8(device.Location.Function),
		})
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].String() < addrs[j].String() })
	return addrs, nil
}

// ───────────────────────────────────────────
//  RDMA character devices
// ───────────────────────────────────────────

// GetIbDevices returns the IB devices of a PCI function.
func GetIbDevices(addr types.PCIAddress) []string {
	return getRdmaDevicesForPcidev(addr.String())
}

// GetRdmaCharDevices returns the RDMA character device paths of all IB
// devices of a PCI function.
func GetRdmaCharDevices(addr types.PCIAddress) []string {
	return charDevicesOf(GetIbDevices(addr))
}

func charDevicesOf(ibdevs []string) []string {
	return lo.FlatMap(ibdevs, func(ibdev string, _ int) []string {
		return getRdmaCharDevices(ibdev)
	})
}

// VerifyRdmaDevices checks that rdma_cm, umad and uverbs devices are all
// present among charDevPaths.
func VerifyRdmaDevices(charDevPaths []string) error {
	for _, required := range types.RequiredRdmaDevices {
		found := lo.ContainsBy(charDevPaths, func(p string) bool {
			return strings.Contains(filepath.Base(p), required)
		})
		if !found {
			return types.Wrap(types.ErrNotFound, fmt.Errorf("required RDMA device type %q not found", required))
		}
	}
	return nil
}

// ───────────────────────────────────────────
//  device building
// ───────────────────────────────────────────

func buildDeviceSpecs(charDevs []string) []types.DeviceSpec {
	return lo.Map(charDevs, func(dev string, _ int) types.DeviceSpec {
		return types.DeviceSpec{HostPath: dev, ContainerPath: dev, Permissions: "rw"}
	})
}

// buildDevice fills an Mlx5Device. Only the PCI address and the character
// devices are mandatory; everything else is best effort.
func buildDevice(addr types.PCIAddress, ibdevs, charDevs []string) *types.Mlx5Device {
	dev := &types.Mlx5Device{
		PciAddress:  addr,
		RdmaDevices: charDevs,
		DeviceSpecs: buildDeviceSpecs(charDevs),
		Vendor:      GetPCIVendor(addr),
		DeviceID:    GetPCIDeviceID(addr),
	}
	if driver, err := GetPCIDevDriver(addr); err == nil {
		dev.Driver = driver
	}

	if len(ibdevs) > 0 {
		dev.IbDev = ibdevs[0]
		dev.IbDevPath = filepath.Join(sysClassInfiniband, dev.IbDev)
		if ueventAddr, err := mlx5.GetPCIAddr(dev.IbDevPath); err != nil {
			log.Debugf("%s: %v", dev.IbDev, err)
		} else if ueventAddr != addr {
			log.Warnf("%s reports PCI address %s, expected %s", dev.IbDev, ueventAddr, addr)
		}
		if ifName, err := mlx5.GetIfNameSysfs(dev.IbDevPath); err == nil {
			dev.IfName = ifName
		} else {
			log.Debugf("%s: no port 0 interface: %v", dev.IbDev, err)
		}
	}
	if dev.IfName == "" {
		if names, err := GetNetNames(addr); err == nil && len(names) > 0 {
			dev.IfName = names[0]
		}
	}

	fillPortInfo(dev)
	return dev
}

func fillPortInfo(dev *types.Mlx5Device) {
	dev.PortName = types.SwitchInfo{}
	if dev.IfName != "" {
		if info, err := mlx5.ReadPhysPortName(dev.IfName); err == nil {
			dev.PortName = info
		}
	}
	dev.LinkType = GetLinkType(dev.IfName)
}

// ───────────────────────────────────────────
//  Discoverer methods
// ───────────────────────────────────────────

// DiscoverByPCI discovers the device at addr. It fails unless the required
// RDMA character devices exist.
func (d *Discoverer) DiscoverByPCI(addr types.PCIAddress) (*types.Mlx5Device, error) {
	ibdevs := GetIbDevices(addr)
	charDevs := charDevicesOf(ibdevs)
	if len(charDevs) == 0 {
		return nil, types.Wrap(types.ErrNotFound, fmt.Errorf("no RDMA character devices found for PCI address %s", addr))
	}
	if err := VerifyRdmaDevices(charDevs); err != nil {
		return nil, fmt.Errorf("RDMA device verification failed for %s: %w", addr, err)
	}
	return buildDevice(addr, ibdevs, charDevs), nil
}

// DiscoverByIfName discovers the device behind a network interface.
func (d *Discoverer) DiscoverByIfName(ifName string) (*types.Mlx5Device, error) {
	addr, err := GetPciAddress(ifName)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve PCI address for interface %q: %w", ifName, err)
	}
	dev, err := d.DiscoverByPCI(addr)
	if err != nil {
		return nil, err
	}
	if dev.IfName != ifName {
		dev.IfName = ifName
		fillPortInfo(dev)
	}
	return dev, nil
}

// DiscoverAll returns every Mellanox PCI function that has RDMA character
// devices. Functions without them are skipped.
func (d *Discoverer) DiscoverAll() ([]*types.Mlx5Device, error) {
	addrs, err := ListMellanoxPCI()
	if err != nil {
		return nil, err
	}

	var devices []*types.Mlx5Device
	for _, addr := range addrs {
		ibdevs := GetIbDevices(addr)
		charDevs := charDevicesOf(ibdevs)
		if len(charDevs) == 0 {
			log.Debugf("skipping %s: no RDMA character devices", addr)
			continue
		}
		devices = append(devices, buildDevice(addr, ibdevs, charDevs))
	}
	if len(devices) == 0 {
		return nil, types.Wrap(types.ErrNotFound, fmt.Errorf("no mlx5 RDMA devices found on the host"))
	}
	return devices, nil
}

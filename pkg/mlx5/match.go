package mlx5

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/mlx5-probe/pkg/glue"
	"github.com/Nativu5/mlx5-probe/pkg/types"
)

// FindVerbsDevice returns the first verbs device whose uevent PCI address
// equals addr. Candidates whose address cannot be read are skipped.
func FindVerbsDevice(addr types.PCIAddress, devices []glue.VerbsDevice) (glue.VerbsDevice, error) {
	for _, dev := range devices {
		log.Debugf("checking device %q", dev.Name)
		paddr, err := GetPCIAddr(dev.IbDevPath)
		if err != nil {
			log.Debugf("skipping %q: %v", dev.Name, err)
			continue
		}
		if paddr == addr {
			return dev, nil
		}
	}
	return glue.VerbsDevice{}, types.Wrap(types.ErrNotFound,
		fmt.Errorf("no verbs device matches PCI device %s", addr))
}

// MatchDevxBDF compares a DevX BDF with a PCI address.
func MatchDevxBDF(bdf glue.DevxBDF, addr types.PCIAddress) bool {
	return addr.Domain == uint32(bdf.BusID>>8) &&
		addr.Bus == uint8(bdf.BusID&0xff) &&
		addr.Device == bdf.DevID &&
		addr.Function == bdf.FncID
}

// RawBDFQuerier retrieves the raw BDF of a listed DevX device.
type RawBDFQuerier interface {
	QueryDevice(bdf glue.DevxBDF) (glue.DevxDevice, error)
}

// MatchDevxDevice reports whether a DevX list entry stands for addr. The
// listed BDF is compared first; only on mismatch is the device queried for
// its raw BDF, which is how virtual functions are found. A query failure is
// returned as an error, distinct from a plain mismatch.
func MatchDevxDevice(bdf glue.DevxBDF, addr types.PCIAddress, q RawBDFQuerier) (bool, error) {
	if MatchDevxBDF(bdf, addr) {
		return true, nil
	}
	dev, err := q.QueryDevice(bdf)
	if err != nil {
		log.Errorf("query_device failed: %v", err)
		return false, fmt.Errorf("query DevX device %04x:%02x.%x: %w", bdf.BusID, bdf.DevID, bdf.FncID, err)
	}
	return MatchDevxBDF(dev.RawBDF, addr), nil
}

// FindDevxDevice returns the index of the first list entry that matches addr.
func FindDevxDevice(addr types.PCIAddress, list []glue.DevxBDF, q RawBDFQuerier) (int, error) {
	for i, bdf := range list {
		ok, err := MatchDevxDevice(bdf, addr, q)
		if err != nil {
			return -1, err
		}
		if ok {
			return i, nil
		}
	}
	log.Warnf("no DevX device matches PCI device %s, is DevX configured?", addr)
	return -1, types.Wrap(types.ErrNotFound, fmt.Errorf("no DevX device matches PCI device %s", addr))
}

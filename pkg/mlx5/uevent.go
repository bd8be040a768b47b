// Package mlx5 resolves mlx5 device identity from sysfs and matches PCI
// addresses against the device lists exposed by a glue backend.
package mlx5

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/Nativu5/mlx5-probe/pkg/types"
)

// ueventLineMax bounds the uevent lines considered for matching. Lines of
// this length or longer, newline included, are consumed and skipped.
const ueventLineMax = 31

var reSlotName = regexp.MustCompile(`^PCI_SLOT_NAME=([[:xdigit:]]+):([[:xdigit:]]+):([[:xdigit:]]+)\.([[:xdigit:]]+)`)

// GetPCIAddr reads <devPath>/device/uevent and returns the address found on
// the first PCI_SLOT_NAME line.
func GetPCIAddr(devPath string) (types.PCIAddress, error) {
	path := filepath.Join(devPath, "device", "uevent")
	f, err := os.Open(path)
	if err != nil {
		return types.PCIAddress{}, types.Wrap(types.ErrNotFound, fmt.Errorf("cannot open %s: %w", path, err))
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		line, err := r.ReadString('\n')
		if len(line) > 0 && len(line) < ueventLineMax {
			if addr, ok := parseSlotName(line); ok {
				return addr, nil
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return types.PCIAddress{}, fmt.Errorf("cannot read %s: %w", path, err)
		}
	}
	return types.PCIAddress{}, types.Wrap(types.ErrNotFound, fmt.Errorf("no PCI_SLOT_NAME in %s", path))
}

func parseSlotName(line string) (addr types.PCIAddress, ok bool) {
	m := reSlotName.FindStringSubmatch(line)
	if m == nil {
		return addr, false
	}
	domain, err := strconv.ParseUint(m[1], 16, 32)
	if err != nil {
		return addr, false
	}
	var fields [3]uint8
	for i, s := range m[2:] {
		v, err := strconv.ParseUint(s, 16, 8)
		if err != nil {
			return addr, false
		}
		fields[i] = uint8(v)
	}
	return types.PCIAddress{
		Domain:   uint32(domain),
		Bus:      fields[0],
		Device:   fields[1],
		Function: fields[2],
	}, true
}

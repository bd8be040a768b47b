package mlx5

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/mlx5-probe/pkg/types"
)

// portIDFile selects which per-interface attribute identifies the port.
type portIDFile int

const (
	portIDDevPort portIDFile = iota // decimal, kernel >= 3.15
	portIDDevID                     // hexadecimal
)

func (m portIDFile) String() string {
	if m == portIDDevID {
		return "dev_id"
	}
	return "dev_port"
}

func (m portIDFile) parse(data []byte) (uint64, error) {
	s := strings.TrimSpace(string(data))
	if m == portIDDevID {
		s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
		return strconv.ParseUint(s, 16, 32)
	}
	return strconv.ParseUint(s, 10, 32)
}

// GetIfNameSysfs returns the network interface of port 0 under
// <ibdevPath>/device/net.
//
// Ports are identified by dev_port. If dev_port is missing for a candidate,
// or two consecutive candidates report the same dev_port (older drivers leave
// it unset), the scan restarts once from the first entry using dev_id.
func GetIfNameSysfs(ibdevPath string) (string, error) {
	netDir := filepath.Join(ibdevPath, "device", "net")
	entries, err := os.ReadDir(netDir)
	if err != nil {
		return "", types.Wrap(types.ErrNotFound, fmt.Errorf("cannot read %s: %w", netDir, err))
	}

	mode := portIDDevPort
	var (
		prev    uint64
		hasPrev bool
		match   string
	)

	// switchToDevID reports whether the scan should restart.
	switchToDevID := func(reason string) bool {
		match = ""
		if mode == portIDDevID {
			return false
		}
		log.Debugf("%s: %s, switching to dev_id", netDir, reason)
		mode = portIDDevID
		hasPrev = false
		return true
	}

scan:
	for i := 0; i < len(entries); i++ {
		name := entries[i].Name()
		data, err := os.ReadFile(filepath.Join(netDir, name, mode.String()))
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				continue
			}
			if !switchToDevID(name + " has no " + mode.String()) {
				break scan
			}
			i = -1
			continue
		}

		id, err := mode.parse(data)
		if err != nil {
			continue
		}
		if hasPrev && id == prev {
			if !switchToDevID(fmt.Sprintf("repeated %s value %d", mode, id)) {
				break scan
			}
			i = -1
			continue
		}
		prev, hasPrev = id, true
		if id == 0 {
			match = name
		}
	}

	if match == "" {
		return "", types.Wrap(types.ErrNotFound, fmt.Errorf("no interface with port 0 under %s", netDir))
	}
	return match, nil
}

package types

import (
	"fmt"
	"regexp"
	"strconv"
)

var rePCI = regexp.MustCompile(`^(?:([[:xdigit:]]{1,8}):)?([[:xdigit:]]{1,2}):([[:xdigit:]]{1,2})\.([0-7])$`)

// PCIAddress is a PCI domain/bus/device/function address.
// Values are compared with ==.
type PCIAddress struct {
	Domain   uint32
	Bus      uint8
	Device   uint8
	Function uint8
}

// String returns the address in 0000:00:01.0 format.
func (a PCIAddress) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%x", a.Domain, a.Bus, a.Device, a.Function)
}

// MarshalText implements encoding.TextMarshaler.
func (a PCIAddress) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *PCIAddress) UnmarshalText(text []byte) (err error) {
	*a, err = ParsePCIAddress(string(text))
	return err
}

// ParsePCIAddress parses "DDDD:BB:DD.F" or "BB:DD.F".
func ParsePCIAddress(input string) (a PCIAddress, err error) {
	m := rePCI.FindStringSubmatch(input)
	if m == nil {
		return PCIAddress{}, Wrap(ErrInvalidArgument, fmt.Errorf("bad PCI address %q", input))
	}

	if m[1] != "" {
		u, _ := strconv.ParseUint(m[1], 16, 32)
		a.Domain = uint32(u)
	}
	u, _ := strconv.ParseUint(m[2], 16, 8)
	a.Bus = uint8(u)
	u, _ = strconv.ParseUint(m[3], 16, 8)
	if u > 0x1f {
		return PCIAddress{}, Wrap(ErrInvalidArgument, fmt.Errorf("bad PCI device id in %q", input))
	}
	a.Device = uint8(u)
	u, _ = strconv.ParseUint(m[4], 16, 8)
	a.Function = uint8(u)
	return a, nil
}

// MustParsePCIAddress parses a PCI address and panics on failure.
func MustParsePCIAddress(input string) PCIAddress {
	a, err := ParsePCIAddress(input)
	if err != nil {
		panic(err)
	}
	return a
}

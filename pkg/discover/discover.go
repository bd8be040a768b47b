// Package discover provides output formatting for the discover and
// port-name subcommands.
package discover

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/Nativu5/mlx5-probe/pkg/types"
)

func orPlaceholder(s, placeholder string) string {
	if s == "" {
		return placeholder
	}
	return s
}

// DescribePort renders a classified port name in the form the kernel would
// print it, e.g. "c1pf0vf3" or "p1". Unknown names render as "-".
func DescribePort(info types.SwitchInfo) string {
	var prefix string
	if info.CtrlNum != 0 {
		prefix = fmt.Sprintf("c%d", info.CtrlNum)
	}
	switch info.NameType {
	case types.NameTypeLegacy:
		return strconv.Itoa(info.PortName)
	case types.NameTypeUplink:
		return fmt.Sprintf("p%d", info.PortName)
	case types.NameTypePFVF:
		return fmt.Sprintf("%spf%dvf%d", prefix, info.PFNum, info.PortName)
	case types.NameTypePFSF:
		return fmt.Sprintf("%spf%dsf%d", prefix, info.PFNum, info.PortName)
	case types.NameTypePFHPF:
		return fmt.Sprintf("%spf%d", prefix, info.PFNum)
	default:
		return "-"
	}
}

// PrintTable renders discovered mlx5 devices as a human-readable table.
func PrintTable(w io.Writer, devices []*types.Mlx5Device) error {
	table := tablewriter.NewTable(w)
	table.Header("PCI ADDRESS", "IB DEVICE", "INTERFACE", "PORT", "DRIVER", "LINK TYPE", "DEVICES")
	for _, dev := range devices {
		err := table.Append(
			dev.PciAddress.String(),
			orPlaceholder(dev.IbDev, "(none)"),
			orPlaceholder(dev.IfName, "(none)"),
			fmt.Sprintf("%s (%s)", DescribePort(dev.PortName), dev.PortName.NameType),
			orPlaceholder(dev.Driver, "(unknown)"),
			orPlaceholder(dev.LinkType, "(unknown)"),
			strings.Join(dev.RdmaDevices, ", "),
		)
		if err != nil {
			return err
		}
	}
	return table.Render()
}

// DeviceJSON is the JSON representation of a discovered mlx5 device.
type DeviceJSON struct {
	PciAddress  string           `json:"pci_address"`
	IbDev       string           `json:"ib_device,omitempty"`
	IfName      string           `json:"interface,omitempty"`
	PortName    types.SwitchInfo `json:"port"`
	Vendor      string           `json:"vendor,omitempty"`
	DeviceID    string           `json:"device_id,omitempty"`
	Driver      string           `json:"driver,omitempty"`
	LinkType    string           `json:"link_type,omitempty"`
	RdmaDevices []string         `json:"rdma_devices"`
}

// PrintJSON renders discovered mlx5 devices as JSON.
func PrintJSON(w io.Writer, devices []*types.Mlx5Device) error {
	out := make([]DeviceJSON, 0, len(devices))
	for _, dev := range devices {
		out = append(out, DeviceJSON{
			PciAddress:  dev.PciAddress.String(),
			IbDev:       dev.IbDev,
			IfName:      dev.IfName,
			PortName:    dev.PortName,
			Vendor:      dev.Vendor,
			DeviceID:    dev.DeviceID,
			Driver:      dev.Driver,
			LinkType:    dev.LinkType,
			RdmaDevices: dev.RdmaDevices,
		})
	}
	return encodeJSON(w, out)
}

// PortNameJSON pairs a raw port name with its classification.
type PortNameJSON struct {
	Name string `json:"name"`
	types.SwitchInfo
}

// PrintPortNames renders port-name classifications as a table. names and
// infos are parallel.
func PrintPortNames(w io.Writer, names []string, infos []types.SwitchInfo) error {
	table := tablewriter.NewTable(w)
	table.Header("NAME", "TYPE", "CTRL", "PF", "PORT")
	for i, info := range infos {
		err := table.Append(
			strconv.Quote(names[i]),
			info.NameType.String(),
			strconv.Itoa(info.CtrlNum),
			strconv.Itoa(info.PFNum),
			strconv.Itoa(info.PortName),
		)
		if err != nil {
			return err
		}
	}
	return table.Render()
}

// PrintPortNamesJSON renders port-name classifications as JSON.
func PrintPortNamesJSON(w io.Writer, names []string, infos []types.SwitchInfo) error {
	out := make([]PortNameJSON, 0, len(infos))
	for i, info := range infos {
		out = append(out, PortNameJSON{Name: names[i], SwitchInfo: info})
	}
	return encodeJSON(w, out)
}

func encodeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

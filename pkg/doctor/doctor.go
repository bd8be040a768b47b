// Package doctor provides mlx5 environment diagnostics.
// It checks character device presence, kernel modules, the identity the
// resolver derives from sysfs, link attributes, RDMA network namespace mode
// and the glue backend.
package doctor

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
	"github.com/vishvananda/netlink"

	"github.com/Nativu5/mlx5-probe/pkg/glue"
	"github.com/Nativu5/mlx5-probe/pkg/mlx5"
	"github.com/Nativu5/mlx5-probe/pkg/rdma"
	"github.com/Nativu5/mlx5-probe/pkg/types"
)

// Severity levels for diagnostic checks.
type Severity string

const (
	Pass Severity = "PASS"
	Warn Severity = "WARN"
	Fail Severity = "FAIL"
)

// requiredKernelModules lists the kernel modules the mlx5 stack needs.
var requiredKernelModules = []string{"mlx5_core", "mlx5_ib", "ib_core", "ib_uverbs", "ib_umad", "rdma_cm", "rdma_ucm"}

var (
	sysModule  = "/sys/module"
	linkByName = netlink.LinkByName
	loadGlue   = glue.Load
)

// CheckResult represents one diagnostic check outcome.
type CheckResult struct {
	Check    string   `json:"check"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Device   string   `json:"device,omitempty"`
}

// Report holds all diagnostic results for a device or the whole host.
type Report struct {
	Results []CheckResult `json:"results"`
	HasWarn bool          `json:"-"`
	HasFail bool          `json:"-"`
}

func (r *Report) add(cr CheckResult) {
	r.Results = append(r.Results, cr)
	switch cr.Severity {
	case Warn:
		r.HasWarn = true
	case Fail:
		r.HasFail = true
	}
}

// addf is add for the common case of a formatted message.
func (r *Report) addf(check string, sev Severity, device, format string, args ...any) {
	r.add(CheckResult{Check: check, Severity: sev, Message: fmt.Sprintf(format, args...), Device: device})
}

// filtered returns results, optionally excluding PASS entries.
func (r *Report) filtered(showPass bool) []CheckResult {
	if showPass {
		return r.Results
	}
	return lo.Filter(r.Results, func(cr CheckResult, _ int) bool { return cr.Severity != Pass })
}

// DiagnoseDevice runs all per-device checks plus the kernel module and
// netns checks.
func DiagnoseDevice(dev *types.Mlx5Device) *Report {
	report := &Report{}
	pci := dev.PciAddress.String()

	verifyErr := rdma.VerifyRdmaDevices(dev.RdmaDevices)
	switch {
	case len(dev.RdmaDevices) == 0:
		report.addf("rdma_devices", Fail, pci, "No RDMA character devices found")
	case verifyErr != nil:
		report.addf("rdma_devices", Fail, pci, "Found %d device(s) but missing required types: %v",
			len(dev.RdmaDevices), verifyErr)
	default:
		report.addf("rdma_devices", Pass, pci, "All required RDMA devices present (%d): %s",
			len(dev.RdmaDevices), strings.Join(dev.RdmaDevices, ", "))
	}

	checkKernelModules(report)
	checkUevent(report, dev)

	if dev.IfName != "" {
		report.addf("net_interface", Pass, pci, "Interface: %s", dev.IfName)
		checkPortName(report, dev)
		checkLinkAttrs(report, dev)
	} else {
		report.addf("net_interface", Warn, pci, "No network interface associated")
	}

	checkRdmaNetnsMode(report, pci)
	return report
}

func checkKernelModules(report *Report) {
	missing := lo.Filter(requiredKernelModules, func(mod string, _ int) bool {
		_, err := os.Stat(filepath.Join(sysModule, mod))
		return os.IsNotExist(err)
	})
	if len(missing) > 0 {
		report.addf("kernel_modules", Fail, "", "Missing kernel modules: %s", strings.Join(missing, ", "))
		return
	}
	report.addf("kernel_modules", Pass, "", "All required kernel modules loaded: %s", strings.Join(requiredKernelModules, ", "))
}

// checkUevent resolves the PCI address from the IB device uevent and
// compares it with the discovered one.
func checkUevent(report *Report, dev *types.Mlx5Device) {
	pci := dev.PciAddress.String()
	if dev.IbDevPath == "" {
		report.addf("pci_uevent", Warn, pci, "No IB device path to resolve")
		return
	}
	addr, err := mlx5.GetPCIAddr(dev.IbDevPath)
	switch {
	case err != nil:
		report.addf("pci_uevent", Fail, pci, "Cannot resolve PCI address of %s: %v", dev.IbDev, err)
	case addr != dev.PciAddress:
		report.addf("pci_uevent", Warn, pci, "%s reports PCI address %s", dev.IbDev, addr)
	default:
		report.addf("pci_uevent", Pass, pci, "%s resolves to %s", dev.IbDev, addr)
	}

	ifName, err := mlx5.GetIfNameSysfs(dev.IbDevPath)
	if err != nil {
		report.addf("port0_interface", Warn, pci, "No port 0 interface under %s: %v", dev.IbDev, err)
		return
	}
	report.addf("port0_interface", Pass, pci, "Port 0 interface: %s", ifName)
}

func checkPortName(report *Report, dev *types.Mlx5Device) {
	pci := dev.PciAddress.String()
	info := dev.PortName
	if info.NameType == types.NameTypeUnknown {
		report.addf("port_name", Warn, pci, "Switch port name of %s is missing or unrecognized", dev.IfName)
		return
	}
	report.addf("port_name", Pass, pci, "Switch port %s: type %s, controller %d, pf %d, port %d",
		dev.IfName, info.NameType, info.CtrlNum, info.PFNum, info.PortName)
}

// checkLinkAttrs uses netlink to inspect link state and encap type.
func checkLinkAttrs(report *Report, dev *types.Mlx5Device) {
	pci := dev.PciAddress.String()
	link, err := linkByName(dev.IfName)
	if err != nil {
		report.addf("link_attrs", Warn, pci, "Cannot query link %s: %v", dev.IfName, err)
		return
	}

	attrs := link.Attrs()
	dev.LinkType = attrs.EncapType

	sev := Warn
	if attrs.OperState == netlink.OperUp {
		sev = Pass
	}
	report.addf("link_state", sev, pci, "Link %s is %s (encap: %s, MTU: %d)",
		dev.IfName, attrs.OperState, attrs.EncapType, attrs.MTU)
}

// checkRdmaNetnsMode reads RDMA netns mode from sysfs.
func checkRdmaNetnsMode(report *Report, pci string) {
	data, err := os.ReadFile(filepath.Join(sysModule, "rdma_cm", "parameters", "net_ns_mode"))
	if err != nil {
		data, err = os.ReadFile(filepath.Join(sysModule, "ib_core", "parameters", "netns_mode"))
		if err != nil {
			report.addf("rdma_netns_mode", Warn, pci, "Cannot read RDMA netns mode (sysfs path not available)")
			return
		}
	}

	mode := strings.TrimSpace(string(data))
	switch mode {
	case "exclusive", "1", "Y":
		report.addf("rdma_netns_mode", Pass, pci, "RDMA netns mode: exclusive (%s)", mode)
	case "shared", "0", "N":
		report.addf("rdma_netns_mode", Warn, pci, "RDMA netns mode: shared (%s); containers may not isolate RDMA traffic", mode)
	default:
		report.addf("rdma_netns_mode", Warn, pci, "Unknown RDMA netns mode: %q", mode)
	}
}

// CheckGlue loads a glue backend with opts and, when it supports verbs,
// lists its devices.
func CheckGlue(opts glue.Options) *Report {
	report := &Report{}
	g, err := loadGlue(opts)
	if err != nil {
		report.addf("glue", Fail, "", "Cannot load glue backend: %v", err)
		return report
	}
	report.addf("glue", Pass, "", "Glue backend %T loaded (version %s)", g, g.Version())

	v, ok := g.(glue.Verbs)
	if !ok {
		report.addf("verbs_devices", Warn, "", "Glue backend has no verbs support")
		return report
	}
	list, err := v.GetDeviceList()
	switch {
	case err != nil:
		report.addf("verbs_devices", Fail, "", "Cannot list verbs devices: %v", err)
	case len(list) == 0:
		report.addf("verbs_devices", Warn, "", "No verbs devices")
	default:
		names := lo.Map(list, func(d glue.VerbsDevice, _ int) string { return d.Name })
		report.addf("verbs_devices", Pass, "", "Verbs devices (%d): %s", len(list), strings.Join(names, ", "))
	}
	return report
}

// PrintTable renders the diagnostic report as a table.
// When showPass is false, only WARN/FAIL results are shown.
func PrintTable(w io.Writer, report *Report, showPass bool) error {
	results := report.filtered(showPass)
	if len(results) == 0 {
		_, err := fmt.Fprintln(w, "All checks passed.")
		return err
	}
	table := tablewriter.NewTable(w)
	table.Header("STATUS", "CHECK", "DEVICE", "MESSAGE")
	for _, r := range results {
		marker := "✓"
		switch r.Severity {
		case Warn:
			marker = "!"
		case Fail:
			marker = "✗"
		}
		dev := r.Device
		if dev == "" {
			dev = "(host)"
		}
		if err := table.Append(fmt.Sprintf("%s %s", marker, r.Severity), r.Check, dev, r.Message); err != nil {
			return err
		}
	}
	return table.Render()
}

// PrintJSON renders the diagnostic report as JSON.
// When showPass is false, only WARN/FAIL results are included.
func PrintJSON(w io.Writer, report *Report, showPass bool) error {
	results := report.filtered(showPass)
	if results == nil {
		results = []CheckResult{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}

// MergeReports combines multiple reports into one.
func MergeReports(reports ...*Report) *Report {
	merged := &Report{}
	for _, r := range reports {
		for _, cr := range r.Results {
			merged.add(cr)
		}
	}
	return merged
}

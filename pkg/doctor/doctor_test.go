package doctor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vishvananda/netlink"

	"github.com/Nativu5/mlx5-probe/pkg/glue"
	"github.com/Nativu5/mlx5-probe/pkg/glue/simglue"
	"github.com/Nativu5/mlx5-probe/pkg/types"
)

// helpers

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

// fakeHost points the sysfs paths and the netlink hook at a temporary
// tree holding a healthy mlx5_0 at 0000:17:00.0, and returns its IB device
// path.
func fakeHost(t *testing.T, operState netlink.LinkOperState) string {
	t.Helper()
	root := t.TempDir()

	origModule, origLink, origLoad := sysModule, linkByName, loadGlue
	t.Cleanup(func() { sysModule, linkByName, loadGlue = origModule, origLink, origLoad })

	sysModule = filepath.Join(root, "module")
	for _, mod := range requiredKernelModules {
		if err := os.MkdirAll(filepath.Join(sysModule, mod), 0755); err != nil {
			t.Fatal(err)
		}
	}
	writeFile(t, filepath.Join(sysModule, "ib_core", "parameters", "netns_mode"), "1\n")

	ibdev := filepath.Join(root, "class", "infiniband", "mlx5_0")
	writeFile(t, filepath.Join(ibdev, "device", "uevent"), "DRIVER=mlx5_core\nPCI_SLOT_NAME=0000:17:00.0\n")
	writeFile(t, filepath.Join(ibdev, "device", "net", "enp23s0f0np0", "dev_port"), "0\n")

	linkByName = func(name string) (netlink.Link, error) {
		if name != "enp23s0f0np0" {
			return nil, errors.New("link not found")
		}
		attrs := netlink.NewLinkAttrs()
		attrs.Name = name
		attrs.MTU = 1500
		attrs.EncapType = "ether"
		attrs.OperState = operState
		return &netlink.Device{LinkAttrs: attrs}, nil
	}
	return ibdev
}

func fullDevice(ibdevPath string) *types.Mlx5Device {
	return &types.Mlx5Device{
		PciAddress: types.MustParsePCIAddress("0000:17:00.0"),
		IbDev:      "mlx5_0",
		IbDevPath:  ibdevPath,
		IfName:     "enp23s0f0np0",
		PortName:   types.SwitchInfo{NameType: types.NameTypeUplink, PortName: 0},
		Driver:     "mlx5_core",
		RdmaDevices: []string{
			"/dev/infiniband/rdma_cm",
			"/dev/infiniband/umad0",
			"/dev/infiniband/uverbs0",
		},
	}
}

func brokenDevice() *types.Mlx5Device {
	return &types.Mlx5Device{
		PciAddress:  types.MustParsePCIAddress("0000:17:00.2"),
		RdmaDevices: nil,
	}
}

func severityOf(report *Report, check string) (Severity, bool) {
	for _, r := range report.Results {
		if r.Check == check {
			return r.Severity, true
		}
	}
	return "", false
}

// DiagnoseDevice tests

func TestDiagnoseDevice_FullyHealthy(t *testing.T) {
	dev := fullDevice(fakeHost(t, netlink.OperUp))
	report := DiagnoseDevice(dev)

	if report.HasFail || report.HasWarn {
		for _, r := range report.Results {
			t.Logf("  %s: %s - %s", r.Severity, r.Check, r.Message)
		}
		t.Fatal("healthy device should only have PASS results")
	}
	for _, check := range []string{"rdma_devices", "kernel_modules", "pci_uevent", "port0_interface", "net_interface", "port_name", "link_state", "rdma_netns_mode"} {
		if sev, ok := severityOf(report, check); !ok || sev != Pass {
			t.Errorf("%s = %q, want PASS", check, sev)
		}
	}
	if dev.LinkType != "ether" {
		t.Errorf("LinkType = %q, want ether from netlink", dev.LinkType)
	}
}

func TestDiagnoseDevice_Degraded(t *testing.T) {
	ibdev := fakeHost(t, netlink.OperDown)
	if err := os.Remove(filepath.Join(sysModule, "mlx5_ib")); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(sysModule, "ib_core", "parameters", "netns_mode"), "0\n")
	writeFile(t, filepath.Join(ibdev, "device", "uevent"), "PCI_SLOT_NAME=0000:17:00.1\n")

	dev := fullDevice(ibdev)
	dev.PortName = types.SwitchInfo{}
	report := DiagnoseDevice(dev)

	want := map[string]Severity{
		"kernel_modules":  Fail,
		"pci_uevent":      Warn,
		"port_name":       Warn,
		"link_state":      Warn,
		"rdma_netns_mode": Warn,
	}
	for check, sev := range want {
		if got, _ := severityOf(report, check); got != sev {
			t.Errorf("%s = %q, want %s", check, got, sev)
		}
	}
}

func TestDiagnoseDevice_NoCharDevices(t *testing.T) {
	fakeHost(t, netlink.OperUp)
	report := DiagnoseDevice(brokenDevice())

	if !report.HasFail {
		t.Error("device with no char devices should have FAILs")
	}
	if sev, _ := severityOf(report, "rdma_devices"); sev != Fail {
		t.Error("expected FAIL for rdma_devices check")
	}
	if sev, _ := severityOf(report, "pci_uevent"); sev != Warn {
		t.Error("expected WARN for pci_uevent without an IB device")
	}
}

func TestDiagnoseDevice_UnreadableUevent(t *testing.T) {
	dev := fullDevice(filepath.Join(fakeHost(t, netlink.OperUp), "..", "mlx5_9"))
	report := DiagnoseDevice(dev)
	if sev, _ := severityOf(report, "pci_uevent"); sev != Fail {
		t.Errorf("pci_uevent = %q, want FAIL", sev)
	}
}

func TestDiagnoseDevice_NoInterface(t *testing.T) {
	dev := fullDevice(fakeHost(t, netlink.OperUp))
	dev.IfName = ""
	report := DiagnoseDevice(dev)

	found := false
	for _, r := range report.Results {
		if r.Check == "net_interface" && r.Severity == Warn {
			found = true
		}
	}
	if !found {
		t.Error("expected WARN for missing net interface")
	}
}

func TestDiagnoseDevice_MissingRequiredDevices(t *testing.T) {
	dev := fullDevice(fakeHost(t, netlink.OperUp))
	dev.RdmaDevices = []string{"/dev/infiniband/uverbs0"}
	report := DiagnoseDevice(dev)

	found := false
	for _, r := range report.Results {
		if r.Check == "rdma_devices" && r.Severity == Fail {
			found = true
		}
	}
	if !found {
		t.Error("expected FAIL for missing required device types")
	}
}

// CheckGlue tests

func TestCheckGlue(t *testing.T) {
	fakeHost(t, netlink.OperUp)
	loadGlue = func(glue.Options) (glue.Glue, error) {
		return simglue.New(simglue.Inventory{Devices: []simglue.DeviceSpec{
			{Name: "mlx5_0", PCI: types.MustParsePCIAddress("0000:17:00.0")},
			{Name: "mlx5_1", PCI: types.MustParsePCIAddress("0000:17:00.1")},
		}}), nil
	}
	report := CheckGlue(glue.Options{Backend: "sim"})
	if report.HasFail || report.HasWarn {
		t.Fatalf("unexpected results %+v", report.Results)
	}
	if !strings.Contains(report.Results[1].Message, "mlx5_0, mlx5_1") {
		t.Errorf("device list missing from %q", report.Results[1].Message)
	}

	loadGlue = func(glue.Options) (glue.Glue, error) {
		return simglue.New(simglue.Inventory{FailList: true}), nil
	}
	if sev, _ := severityOf(CheckGlue(glue.Options{}), "verbs_devices"); sev != Fail {
		t.Errorf("verbs_devices = %q, want FAIL", sev)
	}

	loadGlue = func(glue.Options) (glue.Glue, error) {
		return nil, types.ErrUnsupported
	}
	report = CheckGlue(glue.Options{})
	if !report.HasFail || len(report.Results) != 1 {
		t.Errorf("expected a single FAIL, got %+v", report.Results)
	}
}

// MergeReports tests

func TestMergeReports(t *testing.T) {
	report := func(sevs ...Severity) *Report {
		r := &Report{}
		for i, sev := range sevs {
			r.addf(fmt.Sprintf("c%d", i), sev, "mlx5_0", "%s", sev)
		}
		return r
	}
	tests := []struct {
		name     string
		reports  []*Report
		results  int
		wantWarn bool
		wantFail bool
	}{
		{"empty", nil, 0, false, false},
		{"pass_only", []*Report{report(Pass), report(Pass, Pass)}, 3, false, false},
		{"device_warn", []*Report{report(Pass, Warn), report(Pass)}, 3, true, false},
		{"glue_fail", []*Report{report(Pass), report(Fail)}, 2, false, true},
		{"warn_and_fail", []*Report{report(Warn), report(Fail, Pass)}, 3, true, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			merged := MergeReports(tc.reports...)
			if len(merged.Results) != tc.results {
				t.Errorf("got %d results, want %d", len(merged.Results), tc.results)
			}
			if merged.HasWarn != tc.wantWarn || merged.HasFail != tc.wantFail {
				t.Errorf("HasWarn=%v HasFail=%v, want %v %v", merged.HasWarn, merged.HasFail, tc.wantWarn, tc.wantFail)
			}
		})
	}
}

// Output tests

func TestPrintTable_Output(t *testing.T) {
	report := &Report{}
	report.add(CheckResult{Check: "test_check", Severity: Pass, Message: "all good", Device: "0000:17:00.0"})
	report.add(CheckResult{Check: "test_warn", Severity: Warn, Message: "heads up", Device: "0000:17:00.0"})

	// With showPass=true, both entries visible
	var buf bytes.Buffer
	if err := PrintTable(&buf, report, true); err != nil {
		t.Fatal(err)
	}
	output := buf.String()
	if !strings.Contains(output, "PASS") {
		t.Error("table with showPass=true should contain PASS")
	}
	if !strings.Contains(output, "WARN") {
		t.Error("table with showPass=true should contain WARN")
	}

	// With showPass=false, only WARN visible
	buf.Reset()
	if err := PrintTable(&buf, report, false); err != nil {
		t.Fatal(err)
	}
	output = buf.String()
	if strings.Contains(output, "PASS") {
		t.Error("table with showPass=false should not contain PASS")
	}
	if !strings.Contains(output, "WARN") {
		t.Error("table with showPass=false should still contain WARN")
	}
}

func TestPrintTable_AllPass_NoShowPass(t *testing.T) {
	report := &Report{}
	report.add(CheckResult{Check: "ok", Severity: Pass, Message: "fine"})

	var buf bytes.Buffer
	if err := PrintTable(&buf, report, false); err != nil {
		t.Fatal(err)
	}
	output := buf.String()
	if !strings.Contains(output, "All checks passed.") {
		t.Errorf("expected 'All checks passed.' message, got: %q", output)
	}
}

func TestPrintJSON_Output(t *testing.T) {
	report := &Report{}
	report.add(CheckResult{Check: "test", Severity: Pass, Message: "ok", Device: "0000:17:00.0"})

	var buf bytes.Buffer
	if err := PrintJSON(&buf, report, true); err != nil {
		t.Fatalf("PrintJSON failed: %v", err)
	}

	var results []CheckResult
	if err := json.Unmarshal(buf.Bytes(), &results); err != nil {
		t.Fatalf("JSON output is not valid: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("expected 1 result, got %d", len(results))
	}

	// With showPass=false, PASS should be excluded
	buf.Reset()
	if err := PrintJSON(&buf, report, false); err != nil {
		t.Fatalf("PrintJSON failed: %v", err)
	}
	var filtered []CheckResult
	if err := json.Unmarshal(buf.Bytes(), &filtered); err != nil {
		t.Fatalf("JSON output is not valid: %v", err)
	}
	if len(filtered) != 0 {
		t.Errorf("expected 0 results with showPass=false, got %d", len(filtered))
	}
}

// Severity values

func TestSeverityValues(t *testing.T) {
	if string(Pass) != "PASS" {
		t.Errorf("Pass = %q, want PASS", Pass)
	}
	if string(Warn) != "WARN" {
		t.Errorf("Warn = %q, want WARN", Warn)
	}
	if string(Fail) != "FAIL" {
		t.Errorf("Fail = %q, want FAIL", Fail)
	}
}

package main

import (
	"fmt"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Nativu5/mlx5-probe/pkg/cdi"
	"github.com/Nativu5/mlx5-probe/pkg/discover"
	"github.com/Nativu5/mlx5-probe/pkg/doctor"
	"github.com/Nativu5/mlx5-probe/pkg/glue"
	"github.com/Nativu5/mlx5-probe/pkg/types"
)

// locatorFlags selects one device by PCI address or interface name, or all
// of them.
type locatorFlags struct {
	all    bool
	pci    string
	ifname string
}

func (l *locatorFlags) register(cmd *cobra.Command, allDefault bool, allHelp string) {
	cmd.Flags().BoolVar(&l.all, "all", allDefault, allHelp)
	cmd.Flags().StringVar(&l.pci, "pci", "", "PCI BDF address (e.g. 0000:86:00.0)")
	cmd.Flags().StringVar(&l.ifname, "ifname", "", "Network interface name")
	cmd.MarkFlagsMutuallyExclusive("pci", "ifname")
}

// resolve returns the selected devices. A specific target overrides --all.
func (l *locatorFlags) resolve() ([]*types.Mlx5Device, error) {
	if (l.pci != "" || l.ifname != "") && l.all {
		log.Warn("--all ignored because --pci or --ifname was specified")
	}
	devices, err := resolveDevices(l.pci, l.ifname)
	if err != nil {
		return nil, fmt.Errorf("device discovery failed: %w", err)
	}
	return devices, nil
}

// ──────────────────────────────────────────────
//  discover
// ──────────────────────────────────────────────

func newDiscoverCmd() *cobra.Command {
	var (
		loc    locatorFlags
		output string
	)

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Discover mlx5 devices with their identity and character devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := loc.resolve()
			if err != nil {
				return err
			}
			if output == "json" {
				return discover.PrintJSON(cmd.OutOrStdout(), devices)
			}
			return discover.PrintTable(cmd.OutOrStdout(), devices)
		},
	}

	loc.register(cmd, true, "Discover all mlx5 devices on the host")
	cmd.Flags().StringVar(&output, "output", "table", "Output format (table|json)")
	return cmd
}

// ──────────────────────────────────────────────
//  doctor
// ──────────────────────────────────────────────

func newDoctorCmd(gf *glueFlags) *cobra.Command {
	var (
		loc       locatorFlags
		checkGlue bool
		strict    bool
		showPass  bool
		output    string
	)

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run environment diagnostics for mlx5 device readiness",
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := loc.resolve()
			if err != nil {
				return err
			}

			reports := make([]*doctor.Report, 0, len(devices)+1)
			for _, dev := range devices {
				reports = append(reports, doctor.DiagnoseDevice(dev))
			}
			if checkGlue {
				reports = append(reports, doctor.CheckGlue(gf.options()))
			}
			merged := doctor.MergeReports(reports...)

			if output == "json" {
				err = doctor.PrintJSON(cmd.OutOrStdout(), merged, showPass)
			} else {
				err = doctor.PrintTable(cmd.OutOrStdout(), merged, showPass)
			}
			if err != nil {
				return err
			}

			if merged.HasFail || (strict && merged.HasWarn) {
				return errChecksFailed
			}
			return nil
		},
	}

	loc.register(cmd, true, "Check all mlx5 devices")
	cmd.Flags().BoolVar(&checkGlue, "glue", true, "Also check that a glue backend loads")
	cmd.Flags().BoolVar(&strict, "strict", false, "Exit non-zero on warnings")
	cmd.Flags().BoolVar(&showPass, "show-pass", false, "Show passed checks in output")
	cmd.Flags().StringVar(&output, "output", "table", "Output format (table|json)")
	return cmd
}

// ──────────────────────────────────────────────
//  generate
// ──────────────────────────────────────────────

func newGenerateCmd(gf *glueFlags) *cobra.Command {
	var (
		loc       locatorFlags
		prefix    string
		name      string
		outputDir string
		format    string
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate CDI spec files for mlx5 devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			env := glue.ConstructorEnv(gf.cacheLineSize)
			devices, err := loc.resolve()
			if err != nil {
				return err
			}

			write := func(name string, dev *types.Mlx5Device) error {
				if err := cdi.CreateCDISpec(prefix, name, []types.Mlx5Device{*dev}, outputDir, format, env); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "CDI spec written to %s\n",
					filepath.Join(outputDir, cdi.SpecFileName(prefix, name, format)))
				return nil
			}

			if !loc.all {
				if name == "" {
					name = deriveDefaultName(loc.pci, loc.ifname)
				}
				if err := write(name, devices[0]); err != nil {
					return fmt.Errorf("CDI spec generation failed: %w", err)
				}
				return nil
			}

			var errCount int
			for _, dev := range devices {
				if err := write(deriveDefaultName(dev.PciAddress.String(), ""), dev); err != nil {
					log.Errorf("failed to generate spec for %s: %v", dev.PciAddress, err)
					errCount++
				}
			}
			if errCount > 0 {
				return fmt.Errorf("%d device(s) failed to generate", errCount)
			}
			return nil
		},
	}

	loc.register(cmd, false, "Generate specs for all discovered mlx5 devices")
	cmd.Flags().StringVar(&prefix, "prefix", cdi.DefaultPrefix, "CDI resource prefix")
	cmd.Flags().StringVar(&name, "name", "", "CDI resource name (auto-derived if omitted; incompatible with --all)")
	cmd.Flags().StringVar(&outputDir, "output-dir", cdi.DefaultOutputDir, "Output directory for CDI spec files")
	cmd.Flags().StringVar(&format, "format", "yaml", "Output format (json|yaml)")

	cmd.MarkFlagsMutuallyExclusive("all", "pci")
	cmd.MarkFlagsMutuallyExclusive("all", "ifname")
	cmd.MarkFlagsOneRequired("all", "pci", "ifname")
	cmd.MarkFlagsMutuallyExclusive("all", "name")
	return cmd
}

// ──────────────────────────────────────────────
//  cleanup
// ──────────────────────────────────────────────

func newCleanupCmd() *cobra.Command {
	var (
		prefix    string
		name      string
		outputDir string
		dryRun    bool
	)

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove CDI spec files created by this tool",
		RunE: func(cmd *cobra.Command, args []string) error {
			removed, err := cdi.CleanupSpecs(outputDir, prefix, name, dryRun)
			if err != nil {
				return err
			}
			if len(removed) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No matching spec files found.")
				return nil
			}
			action := "Removed"
			if dryRun {
				action = "Would remove"
			}
			for _, f := range removed {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", action, f)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&prefix, "prefix", cdi.DefaultPrefix, "CDI resource prefix to match")
	cmd.Flags().StringVar(&name, "name", "", "CDI resource name to match (all if omitted)")
	cmd.Flags().StringVar(&outputDir, "output-dir", cdi.DefaultOutputDir, "CDI spec directory")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Preview files that would be removed")
	return cmd
}

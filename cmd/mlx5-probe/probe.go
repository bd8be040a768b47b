package main

import (
	"errors"
	"fmt"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/Nativu5/mlx5-probe/pkg/discover"
	"github.com/Nativu5/mlx5-probe/pkg/glue"
	"github.com/Nativu5/mlx5-probe/pkg/mlx5"
	"github.com/Nativu5/mlx5-probe/pkg/types"
)

// ──────────────────────────────────────────────
//  pci-addr
// ──────────────────────────────────────────────

func newPCIAddrCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pci-addr IBDEV_PATH...",
		Short: "Resolve the PCI address of IB devices from their uevent",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var errs error
			for _, path := range args {
				addr, err := mlx5.GetPCIAddr(path)
				if err != nil {
					errs = multierr.Append(errs, fmt.Errorf("%s: %w", path, err))
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", path, addr)
			}
			return errs
		},
	}
}

// ──────────────────────────────────────────────
//  port-name
// ──────────────────────────────────────────────

func newPortNameCmd() *cobra.Command {
	var (
		ifnames bool
		output  string
	)

	cmd := &cobra.Command{
		Use:   "port-name NAME...",
		Short: "Classify switch port names",
		Long:  "Classify switch port names such as pf0vf3, c1pf0sf12, p1 or 7. With --ifname, the arguments are interfaces whose phys_port_name is read.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			names := args
			infos := make([]types.SwitchInfo, len(args))
			for i, arg := range args {
				if !ifnames {
					infos[i] = mlx5.TranslatePortName(arg)
					continue
				}
				info, err := mlx5.ReadPhysPortName(arg)
				if err != nil {
					log.Warnf("%s: %v", arg, err)
				}
				infos[i] = info
			}

			if output == "json" {
				return discover.PrintPortNamesJSON(cmd.OutOrStdout(), names, infos)
			}
			return discover.PrintPortNames(cmd.OutOrStdout(), names, infos)
		},
	}

	cmd.Flags().BoolVar(&ifnames, "ifname", false, "Treat arguments as network interface names")
	cmd.Flags().StringVar(&output, "output", "table", "Output format (table|json)")
	return cmd
}

// ──────────────────────────────────────────────
//  ifname
// ──────────────────────────────────────────────

func newIfNameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ifname IBDEV_PATH",
		Short: "Find the network interface of port 0 of an IB device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := mlx5.GetIfNameSysfs(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), name)
			return nil
		},
	}
}

// ──────────────────────────────────────────────
//  match
// ──────────────────────────────────────────────

func newMatchCmd(gf *glueFlags) *cobra.Command {
	var pci string

	cmd := &cobra.Command{
		Use:   "match",
		Short: "Find the verbs and DevX devices matching a PCI address",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := types.ParsePCIAddress(pci)
			if err != nil {
				return err
			}
			g, err := gf.load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			matched := false
			if v, ok := g.(glue.Verbs); ok {
				list, err := v.GetDeviceList()
				if err != nil {
					return fmt.Errorf("cannot list verbs devices: %w", err)
				}
				if dev, err := mlx5.FindVerbsDevice(addr, list); err == nil {
					fmt.Fprintf(out, "verbs\t%s\t%s\n", dev.Name, dev.IbDevPath)
					matched = true
				} else {
					log.Debugf("verbs: %v (devices: %v)", err, verbsNames(list))
				}
			}
			if d, ok := g.(glue.Devx); ok {
				list, err := d.GetDevxDeviceList()
				if err != nil {
					return fmt.Errorf("cannot list DevX devices: %w", err)
				}
				idx, err := mlx5.FindDevxDevice(addr, list, d)
				switch {
				case err == nil:
					bdf := list[idx]
					fmt.Fprintf(out, "devx\t%d\t%04x:%02x.%x\n", idx, bdf.BusID, bdf.DevID, bdf.FncID)
					matched = true
				case errors.Is(err, types.ErrNotFound):
					log.Debugf("devx: %v", err)
				default:
					return err
				}
			}
			if !matched {
				return types.Wrap(types.ErrNotFound, fmt.Errorf("no device matches PCI address %s", addr))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&pci, "pci", "", "PCI BDF address (e.g. 0000:86:00.0)")
	_ = cmd.MarkFlagRequired("pci")
	return cmd
}

// ──────────────────────────────────────────────
//  open
// ──────────────────────────────────────────────

func newOpenCmd(gf *glueFlags) *cobra.Command {
	var (
		pci      string
		doorbell string
		devx     bool
		regMR    int
		relaxed  bool
	)

	cmd := &cobra.Command{
		Use:   "open",
		Short: "Open the device at a PCI address and optionally register a memory region",
		RunE: func(cmd *cobra.Command, args []string) (e error) {
			addr, err := types.ParsePCIAddress(pci)
			if err != nil {
				return err
			}
			g, err := gf.load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if !devx {
				if regMR > 0 {
					return types.Wrap(types.ErrInvalidArgument, errors.New("--reg-mr requires --devx"))
				}
				mode, err := mlx5.ParseDoorbellMode(doorbell)
				if err != nil {
					return err
				}
				v, ok := g.(glue.Verbs)
				if !ok {
					return types.Wrap(types.ErrUnsupported, fmt.Errorf("glue backend has no verbs support"))
				}
				dev, err := mlx5.OpenDevice(v, addr, mlx5.Config{Doorbell: mode})
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "opened %s (devx: %t)\n", dev.Name, dev.DevX)
				return dev.Close()
			}

			d, ok := g.(glue.Devx)
			if !ok {
				return types.Wrap(types.ErrUnsupported, fmt.Errorf("glue backend has no DevX support"))
			}
			dev, err := mlx5.OpenDevxDevice(d, addr)
			if err != nil {
				return err
			}
			defer func() { e = multierr.Append(e, dev.Close()) }()
			fmt.Fprintf(out, "opened %s (devx: true, raw bdf: %04x:%02x.%x)\n",
				dev.Name, dev.Info.RawBDF.BusID, dev.Info.RawBDF.DevID, dev.Info.RawBDF.FncID)

			if regMR <= 0 {
				return nil
			}
			return registerMR(cmd, d, dev, regMR, relaxed)
		},
	}

	cmd.Flags().StringVar(&pci, "pci", "", "PCI BDF address (e.g. 0000:86:00.0)")
	cmd.Flags().StringVar(&doorbell, "doorbell", "", "Tx doorbell mapping (cached|ncached|heuristic)")
	cmd.Flags().BoolVar(&devx, "devx", false, "Open through the DevX device list")
	cmd.Flags().IntVar(&regMR, "reg-mr", 0, "Register a memory region of this many bytes (requires --devx)")
	cmd.Flags().BoolVar(&relaxed, "relaxed-ordering", false, "Request relaxed ordering for the memory region")
	_ = cmd.MarkFlagRequired("pci")
	cmd.MarkFlagsMutuallyExclusive("devx", "doorbell")
	return cmd
}

func registerMR(cmd *cobra.Command, g glue.Devx, dev *mlx5.DevxDevice, size int, relaxed bool) (e error) {
	pd, err := mlx5.AllocPD(g, dev.Ctx)
	if err != nil {
		return err
	}
	defer func() { e = multierr.Append(e, mlx5.DeallocPD(g, pd)) }()

	mr, err := mlx5.RegMR(g, pd, make([]byte, size), relaxed)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "registered %d bytes, lkey 0x%x\n", mr.Len(), mr.LKey)
	return mlx5.DeregMR(g, mr)
}

// verbsNames lists the names of a verbs device list.
func verbsNames(list []glue.VerbsDevice) []string {
	return lo.Map(list, func(d glue.VerbsDevice, _ int) string { return d.Name })
}

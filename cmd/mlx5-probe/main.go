// mlx5-probe inspects mlx5 devices on the host: it resolves their PCI
// addresses, switch port names and network interfaces, opens them through a
// glue backend, generates CDI spec files for them and drives the ML
// inference benchmark.
//
// Usage:
//
//	mlx5-probe discover --all
//	mlx5-probe port-name pf0vf3 c1pf0sf12 p1
//	mlx5-probe open --pci 0000:86:00.0 --glue-backend sim
//	mlx5-probe generate --pci 0000:86:00.0
//	mlx5-probe bench --config bench.yaml
package main

import (
	"errors"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Nativu5/mlx5-probe/pkg/glue"
	_ "github.com/Nativu5/mlx5-probe/pkg/glue/simglue"
	_ "github.com/Nativu5/mlx5-probe/pkg/glue/sysfsglue"
	"github.com/Nativu5/mlx5-probe/pkg/rdma"
	"github.com/Nativu5/mlx5-probe/pkg/types"
	"github.com/Nativu5/mlx5-probe/pkg/utils"
)

// Exit codes following CLI conventions.
const (
	exitOK           = 0
	exitRuntimeError = 1
)

// Build-time variables injected via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// errChecksFailed is returned after a report has been printed, so only the
// exit code carries it.
var errChecksFailed = errors.New("checks failed")

func main() {
	if err := rootCmd().Execute(); err != nil {
		if !errors.Is(err, errChecksFailed) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(exitRuntimeError)
	}
	os.Exit(exitOK)
}

// glueFlags are the persistent flags selecting a glue backend.
type glueFlags struct {
	backend       string
	pmdPath       string
	cacheLineSize int
}

func (f *glueFlags) options() glue.Options {
	return glue.Options{Backend: f.backend, PMDPath: f.pmdPath, CacheLineSize: f.cacheLineSize}
}

func (f *glueFlags) load() (glue.Glue, error) {
	g, err := glue.Load(f.options())
	if err != nil {
		return nil, fmt.Errorf("cannot load glue backend: %w", err)
	}
	return g, nil
}

// rootCmd builds the top-level cobra command tree.
func rootCmd() *cobra.Command {
	var (
		logLevel string
		gf       glueFlags
	)

	root := &cobra.Command{
		Use:   "mlx5-probe",
		Short: "mlx5 device probe",
		Long:  "A standalone tool for resolving, opening and diagnosing mlx5 devices, generating CDI spec files for them and benchmarking ML inference.",
		// Silence default usage on runtime errors; we handle exit codes ourselves.
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			lvl, err := log.ParseLevel(logLevel)
			if err != nil {
				return fmt.Errorf("invalid log level %q: %w", logLevel, err)
			}
			log.SetLevel(lvl)
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")
	pf.StringVar(&gf.backend, "glue-backend", "", "Glue backend name (default: $"+glue.EnvBackend+", then plugins, then "+glue.DefaultBackend+")")
	pf.StringVar(&gf.pmdPath, "glue-pmd-path", "", "Driver directory whose -glue sibling is searched for plugins")
	pf.IntVar(&gf.cacheLineSize, "cache-line-size", 64, "CPU cache line size in bytes")

	root.AddCommand(
		newPCIAddrCmd(),
		newPortNameCmd(),
		newIfNameCmd(),
		newMatchCmd(&gf),
		newOpenCmd(&gf),
		newDiscoverCmd(),
		newDoctorCmd(&gf),
		newGenerateCmd(&gf),
		newCleanupCmd(),
		newBenchCmd(),
		newVersionCmd(),
	)

	return root
}

// ──────────────────────────────────────────────
//  version
// ──────────────────────────────────────────────

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mlx5-probe %s (commit: %s, built: %s, glue: %s)\n",
				version, commit, buildDate, glue.Version)
		},
	}
}

// ──────────────────────────────────────────────
//  helpers
// ──────────────────────────────────────────────

// resolveDevices discovers the device named by pci or ifname, or every
// device when both are empty.
func resolveDevices(pci, ifname string) ([]*types.Mlx5Device, error) {
	discoverer := rdma.NewDiscoverer()
	switch {
	case pci != "":
		addr, err := types.ParsePCIAddress(pci)
		if err != nil {
			return nil, err
		}
		dev, err := discoverer.DiscoverByPCI(addr)
		if err != nil {
			return nil, err
		}
		return []*types.Mlx5Device{dev}, nil
	case ifname != "":
		dev, err := discoverer.DiscoverByIfName(ifname)
		if err != nil {
			return nil, err
		}
		return []*types.Mlx5Device{dev}, nil
	default:
		return discoverer.DiscoverAll()
	}
}

// deriveDefaultName builds a default resource name from the locator flags.
func deriveDefaultName(pci, ifname string) string {
	if ifname != "" {
		return utils.SanitizeName(ifname)
	}
	if pci != "" {
		return utils.SanitizeName("pci-" + pci)
	}
	return "unknown"
}

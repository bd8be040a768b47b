// Package cdi generates CDI (Container Device Interface) spec files for mlx5
// devices. Each device exposes its RDMA character devices, and the spec
// carries the environment the RDMA libraries expect inside the container.
package cdi

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	cdiapi "tags.cncf.io/container-device-interface/pkg/cdi"
	cdiparser "tags.cncf.io/container-device-interface/pkg/parser"
	cdiSpecs "tags.cncf.io/container-device-interface/specs-go"

	"github.com/Nativu5/mlx5-probe/pkg/types"
	"github.com/Nativu5/mlx5-probe/pkg/utils"

	"sigs.k8s.io/yaml"
)

const (
	// FilePrefix is prepended to all spec files written by this tool
	// to enable safe cleanup without affecting specs from other sources.
	FilePrefix = "mlx5-probe"

	// DefaultOutputDir is the standard CDI spec directory.
	DefaultOutputDir = cdiapi.DefaultStaticDir

	// DefaultPrefix is used when no --prefix is provided.
	DefaultPrefix = "mellanox.com"
)

// SpecFileName returns the deterministic file name for a given prefix, name, and format.
// Format: mlx5-probe_<prefix>_<name>.<ext>
func SpecFileName(prefix, name, format string) string {
	safePrefix := strings.ReplaceAll(prefix, "/", "_")
	return fmt.Sprintf("%s_%s_%s.%s", FilePrefix, safePrefix, name, format)
}

// DeviceName returns the CDI device name of dev, derived from its PCI
// address.
func DeviceName(dev types.Mlx5Device) string {
	return utils.SanitizeName(dev.PciAddress.String())
}

func containerEdits(dev types.Mlx5Device) cdiSpecs.ContainerEdits {
	edits := cdiSpecs.ContainerEdits{
		DeviceNodes: lo.Map(dev.DeviceSpecs, func(spec types.DeviceSpec, _ int) *cdiSpecs.DeviceNode {
			return &cdiSpecs.DeviceNode{
				Path:        spec.ContainerPath,
				HostPath:    spec.HostPath,
				Permissions: spec.Permissions,
			}
		}),
	}
	if dev.IfName != "" {
		edits.Env = append(edits.Env, "MLX5_NETDEV="+dev.IfName)
	}
	if dev.IbDev != "" {
		edits.Env = append(edits.Env, "MLX5_IBDEV="+dev.IbDev)
	}
	return edits
}

// CreateCDISpec generates a CDI spec file for the given devices and writes it
// to outputDir. The file is named according to SpecFileName(). env is set on
// every container that receives any of the devices.
func CreateCDISpec(resourcePrefix, resourceName string, devices []types.Mlx5Device, outputDir, format string, env []string) error {
	log.Infof("creating CDI spec for resource %q (prefix=%s)", resourceName, resourcePrefix)

	spec := &cdiSpecs.Spec{
		Version: cdiSpecs.CurrentVersion,
		Kind:    resourcePrefix + "/" + resourceName,
		Devices: lo.Map(devices, func(dev types.Mlx5Device, _ int) cdiSpecs.Device {
			return cdiSpecs.Device{Name: DeviceName(dev), ContainerEdits: containerEdits(dev)}
		}),
		ContainerEdits: cdiSpecs.ContainerEdits{Env: env},
	}

	if err := validateSpec(spec); err != nil {
		return fmt.Errorf("generated CDI spec is invalid: %w", err)
	}

	data, err := marshalSpec(spec, format)
	if err != nil {
		return fmt.Errorf("cannot marshal CDI spec: %w", err)
	}

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return fmt.Errorf("cannot create output directory %s: %w", outputDir, err)
	}
	filePath := filepath.Join(outputDir, SpecFileName(resourcePrefix, resourceName, format))
	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return fmt.Errorf("cannot write CDI spec file %s: %w", filePath, err)
	}

	log.Infof("CDI spec written to %s", filePath)
	return nil
}

// CreateContainerAnnotations generates CDI container annotations for the
// given devices. Keys are CDI qualified names (vendor/class=deviceName).
func CreateContainerAnnotations(devices []types.Mlx5Device, resourcePrefix, resourceKind string) (map[string]string, error) {
	if len(devices) == 0 {
		return nil, types.Wrap(types.ErrInvalidArgument, fmt.Errorf("devices list is empty"))
	}

	annotations := make(map[string]string)
	for _, dev := range devices {
		qn := cdiparser.QualifiedName(resourcePrefix, resourceKind, DeviceName(dev))
		annotations[qn] = qn
	}

	log.Debugf("created CDI annotations: %v", annotations)
	return annotations, nil
}

// CleanupSpecs removes CDI spec files created by this tool from dir.
// If name is empty, all specs matching the given prefix are removed.
// If name is non-empty, only the exact match is removed.
func CleanupSpecs(dir, prefix, name string, dryRun bool) ([]string, error) {
	if dir == "" {
		dir = DefaultOutputDir
	}

	exts := []string{"json", "yaml"}
	if name != "" {
		return cleanupFiles(lo.Map(exts, func(ext string, _ int) string {
			return filepath.Join(dir, SpecFileName(prefix, name, ext))
		}), dryRun)
	}

	// Only known extensions are matched.
	var matches []string
	for _, ext := range exts {
		pattern := filepath.Join(dir, SpecFileName(prefix, "*", ext))
		m, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("glob error for pattern %s: %w", pattern, err)
		}
		matches = append(matches, m...)
	}
	return cleanupFiles(matches, dryRun)
}

func cleanupFiles(paths []string, dryRun bool) ([]string, error) {
	removed := make([]string, 0)
	for _, p := range paths {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			continue
		}
		if dryRun {
			log.Infof("[dry-run] would remove: %s", p)
			removed = append(removed, p)
			continue
		}
		log.Infof("removing CDI spec file: %s", p)
		if err := os.Remove(p); err != nil {
			return removed, fmt.Errorf("cannot remove %s: %w", p, err)
		}
		removed = append(removed, p)
	}
	return removed, nil
}

// validateSpec checks the kind and every device name against the CDI
// naming rules.
func validateSpec(spec *cdiSpecs.Spec) error {
	vendor, class := cdiparser.ParseQualifier(spec.Kind)
	if err := cdiparser.ValidateVendorName(vendor); err != nil {
		return types.Wrap(types.ErrInvalidArgument, fmt.Errorf("invalid kind %q: %w", spec.Kind, err))
	}
	if err := cdiparser.ValidateClassName(class); err != nil {
		return types.Wrap(types.ErrInvalidArgument, fmt.Errorf("invalid kind %q: %w", spec.Kind, err))
	}
	if len(spec.Devices) == 0 {
		return types.Wrap(types.ErrInvalidArgument, fmt.Errorf("spec must contain at least one device"))
	}
	for _, dev := range spec.Devices {
		if err := cdiparser.ValidateDeviceName(dev.Name); err != nil {
			return types.Wrap(types.ErrInvalidArgument, err)
		}
	}
	return nil
}

// marshalSpec serializes a CDI spec to JSON or YAML bytes.
func marshalSpec(spec *cdiSpecs.Spec, format string) ([]byte, error) {
	switch strings.ToLower(format) {
	case "json":
		return json.MarshalIndent(spec, "", "  ")
	case "yaml":
		jsonData, err := json.Marshal(spec)
		if err != nil {
			return nil, err
		}
		return yaml.JSONToYAML(jsonData)
	default:
		return nil, types.Wrap(types.ErrInvalidArgument, fmt.Errorf("unsupported format %q: use json or yaml", format))
	}
}

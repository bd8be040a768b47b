package glue

import (
	"errors"
	"fmt"
	"os"
	"plugin"
	"sort"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/mlx5-probe/pkg/types"
)

// DefaultBackend is used when neither a backend name nor a plugin is found.
const DefaultBackend = "sysfs"

// Factory builds a backend instance.
type Factory func() (Glue, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a built-in backend available under name.
// Registering the same name twice replaces the previous factory.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// Lookup returns the factory registered under name.
func Lookup(name string) (Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[name]
	return f, ok
}

// Names lists registered backends in lexical order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Options controls how Load resolves a backend.
type Options struct {
	// Backend names a registered backend. When empty, MLX5_GLUE_BACKEND is
	// consulted, then the plugin search path, then DefaultBackend.
	Backend string
	// PMDPath is the driver directory whose "-glue" sibling is searched for
	// plugins. Empty means the bare library name is tried.
	PMDPath string
	// CacheLineSize feeds the constructor environment.
	CacheLineSize int
}

// openPlugin is replaced in tests.
var openPlugin = openGoPlugin

// Load sets up the constructor environment, resolves a backend, checks its
// version and runs its fork initialization.
func Load(opts Options) (Glue, error) {
	if err := Constructor(opts.CacheLineSize); err != nil {
		return nil, err
	}

	g, err := resolve(opts)
	if err != nil {
		log.Warn("cannot initialize mlx5 glue due to missing run-time dependency on rdma-core libraries")
		return nil, err
	}

	if v := g.Version(); v != Version {
		return nil, types.Wrap(types.ErrInvalidArgument,
			fmt.Errorf("rdma-core glue %q mismatch: %q is required", v, Version))
	}
	if err := g.ForkInit(); err != nil {
		return nil, fmt.Errorf("glue fork init failed: %w", err)
	}
	return g, nil
}

func resolve(opts Options) (Glue, error) {
	name := opts.Backend
	if name == "" {
		name = os.Getenv(EnvBackend)
	}
	if name != "" {
		f, ok := Lookup(name)
		if !ok {
			return nil, types.Wrap(types.ErrNotFound,
				fmt.Errorf("unknown glue backend %q (available: %s)", name, strings.Join(Names(), ", ")))
		}
		return f()
	}

	paths, err := SearchPaths(opts.PMDPath)
	if err != nil {
		log.Errorf("glue search path: %v", err)
	}
	for _, p := range paths {
		log.Debugf("looking for rdma-core glue as %q", p)
		g, err := openPlugin(p)
		if err == nil {
			return g, nil
		}
		log.Debugf("cannot load glue library %q: %v", p, err)
	}

	f, ok := Lookup(DefaultBackend)
	if !ok {
		return nil, types.Wrap(types.ErrUnsupported, errors.New("no glue library found and no default backend registered"))
	}
	log.Debugf("using built-in glue backend %q", DefaultBackend)
	return f()
}

// SearchPaths returns the candidate plugin files in search order.
//
// MLX5_GLUE_PATH is honoured only when the real and effective user and group
// ids agree. Each search entry may list several directories separated by ':'
// or ';'; an empty directory yields the bare library name.
func SearchPaths(pmdPath string) ([]string, error) {
	var entries []string
	if os.Geteuid() == os.Getuid() && os.Getegid() == os.Getgid() {
		if v, ok := os.LookupEnv(EnvGluePath); ok {
			entries = append(entries, v)
		}
	}

	var pathErr error
	if pmdPath == "" {
		entries = append(entries, "")
	} else if p, err := gluePath(pmdPath); err != nil {
		pathErr = err
	} else {
		entries = append(entries, p)
	}

	var out []string
	for _, entry := range entries {
		for _, dir := range strings.Split(strings.ReplaceAll(entry, ";", ":"), ":") {
			if dir == "" || strings.HasSuffix(dir, "/") {
				out = append(out, dir+LibraryName)
			} else {
				out = append(out, dir+"/"+LibraryName)
			}
		}
	}
	return out, pathErr
}

// gluePath suffixes the last component of pmdPath with "-glue".
func gluePath(pmdPath string) (string, error) {
	p := strings.TrimRight(pmdPath, "/")
	last := p[strings.LastIndex(p, "/")+1:]
	switch last {
	case "", ".", "..":
		return "", types.Wrap(types.ErrInvalidArgument,
			fmt.Errorf("unable to append \"-glue\" to last component of %q", pmdPath))
	}
	return p + "-glue", nil
}

func openGoPlugin(path string) (Glue, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, err
	}
	sym, err := p.Lookup("Glue")
	if err != nil {
		return nil, fmt.Errorf("cannot resolve glue symbol: %w", err)
	}
	switch g := sym.(type) {
	case *Glue:
		if g == nil || *g == nil {
			return nil, errors.New("glue symbol is nil")
		}
		return *g, nil
	case Glue:
		return g, nil
	default:
		return nil, fmt.Errorf("glue symbol has unexpected type %T", sym)
	}
}

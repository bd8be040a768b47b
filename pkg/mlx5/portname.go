package mlx5

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Nativu5/mlx5-probe/pkg/types"
)

var sysClassNet = "/sys/class/net"

// portNameMatcher recognizes one naming scheme. It returns false when the
// whole input does not follow the scheme.
type portNameMatcher struct {
	nameType types.NameType
	match    func(s string, info *types.SwitchInfo) bool
}

// portNameMatchers is tried in order; the first match wins.
var portNameMatchers = []portNameMatcher{
	{types.NameTypePFVF, func(s string, info *types.SwitchInfo) bool {
		return matchPFSub(s, "vf", info)
	}},
	{types.NameTypePFSF, func(s string, info *types.SwitchInfo) bool {
		return matchPFSub(s, "sf", info)
	}},
	{types.NameTypeUplink, matchUplink},
	{types.NameTypePFHPF, matchPFHPF},
	{types.NameTypeLegacy, matchLegacy},
}

// TranslatePortName classifies a switch port name such as "pf0vf3", "p1",
// "c1pf0sf8" or "2".
func TranslatePortName(name string) types.SwitchInfo {
	var info types.SwitchInfo

	s := name
	if rest, ok := strings.CutPrefix(s, "c"); ok {
		if n, after, ok := scanInt(rest); ok {
			info.CtrlNum = n
			s = after
		}
	}

	for _, m := range portNameMatchers {
		candidate := info
		if m.match(s, &candidate) {
			candidate.NameType = m.nameType
			return candidate
		}
	}
	info.NameType = types.NameTypeUnknown
	return info
}

// pf<N><sub><M>
func matchPFSub(s, sub string, info *types.SwitchInfo) bool {
	rest, ok := strings.CutPrefix(s, "pf")
	if !ok {
		return false
	}
	pf, rest, ok := scanInt(rest)
	if !ok {
		return false
	}
	rest, ok = strings.CutPrefix(rest, sub)
	if !ok {
		return false
	}
	port, rest, ok := scanInt(rest)
	if !ok || rest != "" {
		return false
	}
	info.PFNum = pf
	info.PortName = port
	return true
}

// p<N>
func matchUplink(s string, info *types.SwitchInfo) bool {
	rest, ok := strings.CutPrefix(s, "p")
	if !ok {
		return false
	}
	port, rest, ok := scanInt(rest)
	if !ok || rest != "" {
		return false
	}
	info.PortName = port
	return true
}

// pf<N>
func matchPFHPF(s string, info *types.SwitchInfo) bool {
	rest, ok := strings.CutPrefix(s, "pf")
	if !ok {
		return false
	}
	pf, rest, ok := scanInt(rest)
	if !ok || rest != "" {
		return false
	}
	info.PFNum = pf
	info.PortName = -1
	return true
}

// A bare integer with C base-prefix rules: 0x for hex, leading 0 for octal.
func matchLegacy(s string, info *types.SwitchInfo) bool {
	t := strings.TrimLeft(s, " \t\n\v\f\r")
	if t == "" || strings.Contains(t, "_") {
		return false
	}
	v, err := strconv.ParseInt(t, 0, 32)
	if err != nil {
		return false
	}
	if len(t) > 1 && t[0] == '0' && (t[1] == 'o' || t[1] == 'O' || t[1] == 'b' || t[1] == 'B') {
		return false
	}
	info.PortName = int(v)
	return true
}

// scanInt reads a 32-bit decimal integer the way scanf's %d does: optional
// leading blanks, an optional sign, then at least one digit. Values that do
// not fit in 32 bits are rejected.
func scanInt(s string) (n int, rest string, ok bool) {
	t := strings.TrimLeft(s, " \t\n\v\f\r")
	i := 0
	if i < len(t) && (t[i] == '+' || t[i] == '-') {
		i++
	}
	start := i
	for i < len(t) && t[i] >= '0' && t[i] <= '9' {
		i++
	}
	if i == start {
		return 0, s, false
	}
	v, err := strconv.ParseInt(t[:i], 10, 32)
	if err != nil {
		return 0, s, false
	}
	return int(v), t[i:], true
}

// ReadPhysPortName reads and classifies /sys/class/net/<ifName>/phys_port_name.
func ReadPhysPortName(ifName string) (types.SwitchInfo, error) {
	data, err := os.ReadFile(filepath.Join(sysClassNet, ifName, "phys_port_name"))
	if err != nil {
		return types.SwitchInfo{}, types.Wrap(types.ErrNotFound, err)
	}
	return TranslatePortName(strings.TrimSpace(string(data))), nil
}

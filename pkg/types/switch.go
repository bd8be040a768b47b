package types

// NameType is the naming scheme recognized in a switch port name.
type NameType int

const (
	NameTypeUnknown NameType = iota
	NameTypeLegacy
	NameTypeUplink
	NameTypePFVF
	NameTypePFSF
	NameTypePFHPF
)

var nameTypeStrings = map[NameType]string{
	NameTypeUnknown: "unknown",
	NameTypeLegacy:  "legacy",
	NameTypeUplink:  "uplink",
	NameTypePFVF:    "pfvf",
	NameTypePFSF:    "pfsf",
	NameTypePFHPF:   "pfhpf",
}

func (t NameType) String() string {
	if s, ok := nameTypeStrings[t]; ok {
		return s
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (t NameType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Unrecognized names
// decode as NameTypeUnknown.
func (t *NameType) UnmarshalText(text []byte) error {
	*t = NameTypeUnknown
	for k, v := range nameTypeStrings {
		if v == string(text) {
			*t = k
			break
		}
	}
	return nil
}

// SwitchInfo is the result of classifying a switch port name.
// Only the fields relevant to NameType carry meaning; check NameType first.
type SwitchInfo struct {
	NameType NameType `json:"name_type"`
	// CtrlNum is the controller number from a "c<N>" prefix, 0 when absent.
	CtrlNum int `json:"ctrl_num"`
	// PFNum is set for PFVF, PFSF and PFHPF.
	PFNum int `json:"pf_num"`
	// PortName is the VF/SF number, the uplink or legacy port number,
	// or -1 for PFHPF.
	PortName int `json:"port_name"`
}

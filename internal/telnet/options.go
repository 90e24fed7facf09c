package telnet

import "fmt"

// Telnet command bytes per RFC 854.
const (
	SE    byte = 240 // end of subnegotiation parameters
	NOP   byte = 241 // no operation
	DATMK byte = 242 // data stream portion of a sync
	BRK   byte = 243 // NVT character BRK
	IP    byte = 244 // interrupt process
	AO    byte = 245 // abort output
	AYT   byte = 246 // are you there
	EC    byte = 247 // erase character
	EL    byte = 248 // erase line
	GA    byte = 249 // go ahead
	SB    byte = 250 // subnegotiation begin
	WILL  byte = 251
	WONT  byte = 252
	DO    byte = 253
	DONT  byte = 254
	IAC   byte = 255 // interpret as command
)

// Subnegotiation parameter bytes.
const (
	ParamIS   byte = 0
	ParamSEND byte = 1
)

// Telnet option codes.
const (
	OptBinary   byte = 0  // RFC 856
	OptEcho     byte = 1  // RFC 857
	OptSGA      byte = 3  // RFC 858, suppress go-ahead
	OptStatus   byte = 5  // RFC 859
	OptTType    byte = 24 // RFC 1091, terminal type
	OptNAWS     byte = 31 // RFC 1073, negotiate about window size
	OptTSpeed   byte = 32 // RFC 1079, terminal speed
	OptLinemode byte = 34 // RFC 1184
)

// OptionState is one side of an option negotiation. The zero value is
// StateUnknown, meaning the option has never been discussed.
type OptionState int8

const (
	StateUnknown OptionState = iota
	StateDisabled
	StateEnabled
)

// String returns a short label for logging.
func (s OptionState) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateEnabled:
		return "enabled"
	default:
		return "unknown"
	}
}

// OptionEntry tracks the negotiated status of a single Telnet option on one
// connection. Local is our side, Remote is the peer's side. ReplyPending is
// set while a DO/DONT/WILL/WONT we sent has not yet been answered.
type OptionEntry struct {
	Local        OptionState
	Remote       OptionState
	ReplyPending bool
	Text         string
}

// optionNames maps option codes to display names, used when populating
// OptionEntry.Text for debug logging. Sparse; unlisted codes render as
// "option <n>".
var optionNames = map[byte]string{
	0:   "Binary Transmission",
	1:   "Echo",
	2:   "Reconnection",
	3:   "Suppress Go Ahead",
	5:   "Status",
	6:   "Timing Mark",
	10:  "Output Carriage-Return Disposition",
	17:  "Extended ASCII",
	18:  "Logout",
	23:  "Send Location",
	24:  "Terminal Type",
	25:  "End of Record",
	31:  "Negotiate About Window Size",
	32:  "Terminal Speed",
	33:  "Remote Flow Control",
	34:  "Line Mode",
	36:  "Environment Option",
	39:  "New Environment Option",
	42:  "CHARSET",
	255: "Extended Options List",
}

// optionName returns the display name for an option code.
func optionName(opt byte) string {
	if name, ok := optionNames[opt]; ok {
		return name
	}
	return fmt.Sprintf("option %d", opt)
}

// optionTable is the sparse per-connection mapping of option code to entry.
// Entries are created lazily on first reference.
type optionTable map[byte]*OptionEntry

// get returns the entry for opt, creating it if necessary.
func (t optionTable) get(opt byte) *OptionEntry {
	e, ok := t[opt]
	if !ok {
		e = &OptionEntry{Text: optionName(opt)}
		t[opt] = e
	}
	return e
}

// optionPolicy selects the negotiation behavior for an option.
type optionPolicy int8

const (
	// policyRefuse declines the option once and ignores further requests.
	policyRefuse optionPolicy = iota
	// policySymmetric negotiates the option on our side (DO -> WILL).
	policySymmetric
	// policyRemote accepts the option on the peer's side (WILL -> DO).
	policyRemote
	// policyTType accepts WILL and then requests the type string via SB.
	policyTType
	// policyTSpeed accepts WILL and then requests the speed string via SB.
	policyTSpeed
)

// localPolicy classifies an incoming DO/DONT for opt.
func localPolicy(opt byte) optionPolicy {
	switch opt {
	case OptBinary, OptEcho, OptSGA:
		return policySymmetric
	default:
		return policyRefuse
	}
}

// remotePolicy classifies an incoming WILL/WONT for opt.
func remotePolicy(opt byte) optionPolicy {
	switch opt {
	case OptNAWS, OptSGA:
		return policyRemote
	case OptTType:
		return policyTType
	case OptTSpeed:
		return policyTSpeed
	default:
		return policyRefuse
	}
}

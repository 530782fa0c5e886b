package gpio

// Mode is the function currently assigned to a pin. The values follow the
// BCM283x FSEL field encoding, so Alt5/Alt4 sort before Alt0.
type Mode uint8

const (
	Input Mode = iota
	Output
	Alt5
	Alt4
	Alt0
	Alt1
	Alt2
	Alt3
)

func (m Mode) String() string {
	switch m {
	case Input:
		return "input"
	case Output:
		return "output"
	case Alt0:
		return "alt0"
	case Alt1:
		return "alt1"
	case Alt2:
		return "alt2"
	case Alt3:
		return "alt3"
	case Alt4:
		return "alt4"
	case Alt5:
		return "alt5"
	default:
		return "unknown"
	}
}

// Level is the logic level of a pin, High (true) or Low (false).
type Level bool

const (
	Low  Level = false
	High Level = true
)

func (l Level) String() string {
	if l == High {
		return "high"
	}
	return "low"
}

// Trigger selects which level transitions fire an interrupt.
type Trigger uint8

const (
	TriggerNone Trigger = iota
	RisingEdge
	FallingEdge
	BothEdges
)

func (t Trigger) String() string {
	switch t {
	case RisingEdge:
		return "rising"
	case FallingEdge:
		return "falling"
	case BothEdges:
		return "both"
	default:
		return "none"
	}
}

// Pull selects the built-in pull resistor state.
// Values match the BCM2835 GPPUD field.
type Pull uint8

const (
	PullOff Pull = iota
	PullDown
	PullUp
)

func (p Pull) String() string {
	switch p {
	case PullUp:
		return "up"
	case PullDown:
		return "down"
	default:
		return "off"
	}
}

package negotiation

// GateState is the progress of the callee rendezvous: answering needs both
// the local approval and the remote offer, in either order.
type GateState int

const (
	GateAwaitingBoth GateState = iota
	GateAwaitingAgreement
	GateAwaitingDescription
	GateOpen
)

func (s GateState) String() string {
	switch s {
	case GateAwaitingBoth:
		return "awaiting-both"
	case GateAwaitingAgreement:
		return "awaiting-agreement"
	case GateAwaitingDescription:
		return "awaiting-description"
	case GateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Gate is the callee rendezvous. Agree and Describe each report true only on
// the call that opens the gate, so the answer is triggered once.
type Gate struct {
	state GateState
}

// Agree records local approval of the invitation.
func (g *Gate) Agree() (opened bool) {
	switch g.state {
	case GateAwaitingBoth:
		g.state = GateAwaitingDescription
	case GateAwaitingAgreement:
		g.state = GateOpen
		return true
	}
	return false
}

// Describe records that the remote offer has been applied.
func (g *Gate) Describe() (opened bool) {
	switch g.state {
	case GateAwaitingBoth:
		g.state = GateAwaitingAgreement
	case GateAwaitingDescription:
		g.state = GateOpen
		return true
	}
	return false
}

func (g *Gate) State() GateState { return g.state }

func (g *Gate) Reset() { g.state = GateAwaitingBoth }

// Package login tracks whether the remote client is logged in and drives the
// QR challenge until it is.
package login

// State is the connection state of a session. The string values are what the
// HTTP layer reports.
type State string

const (
	NotStarted    State = "not_started"
	Initializing  State = "initializing"
	WaitingQRScan State = "waiting_qr_scan"
	Connected     State = "connected"
	Error         State = "error"
)

func (s State) String() string { return string(s) }

// Observation is the outcome of one probe against the page.
type Observation int

const (
	// ObserveStart marks an explicit creation attempt.
	ObserveStart Observation = iota
	ObserveConnected
	ObserveChallenge
	// ObserveNothing means neither signal was found on this probe.
	ObserveNothing
	// ObserveExhausted means the bounded probe loop gave up.
	ObserveExhausted
	ObserveFailure
)

var observationNames = [...]string{"start", "connected", "challenge", "nothing", "exhausted", "failure"}

func (o Observation) String() string {
	if int(o) < len(observationNames) {
		return observationNames[o]
	}
	return "unknown"
}

// Next is the transition function. Only ObserveStart leaves Error, and
// Connected is only left through a failure.
func Next(s State, o Observation) State {
	if o == ObserveStart {
		return Initializing
	}
	if o == ObserveFailure {
		return Error
	}

	switch s {
	case Initializing:
		switch o {
		case ObserveConnected:
			return Connected
		case ObserveChallenge:
			return WaitingQRScan
		case ObserveExhausted:
			return Error
		}
		return Initializing
	case WaitingQRScan:
		if o == ObserveConnected {
			return Connected
		}
		return WaitingQRScan
	}
	// NotStarted, Connected and Error are sticky.
	return s
}

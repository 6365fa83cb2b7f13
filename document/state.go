package document

// State is a step of the load sequence.
type State int

const (
	Unloaded State = iota
	HeaderChecked
	XRefLocated
	Parsed
	FirstPageVerified
	Ready
	// RecoveryRequested means the trailer chain failed and the file is
	// being re-indexed by a full scan.
	RecoveryRequested
	Failed
)

var stateNames = [...]string{
	Unloaded:          "unloaded",
	HeaderChecked:     "header-checked",
	XRefLocated:       "xref-located",
	Parsed:            "parsed",
	FirstPageVerified: "first-page-verified",
	Ready:             "ready",
	RecoveryRequested: "recovery-requested",
	Failed:            "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

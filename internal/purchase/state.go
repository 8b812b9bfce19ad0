package purchase

// State is a step of one purchase attempt.
type State int

const (
	StateIdle State = iota
	StatePaying
	StateVerifying
	StatePersisting
	StateUnlocked

	// Terminal error exits.
	StateCancelled
	StateNetworkError
	StateVerificationFailed
	StateDBError
	StateUnknownError
)

var stateNames = map[State]string{
	StateIdle:               "idle",
	StatePaying:             "paying",
	StateVerifying:          "verifying",
	StatePersisting:         "persisting",
	StateUnlocked:           "unlocked",
	StateCancelled:          "cancelled",
	StateNetworkError:       "network_error",
	StateVerificationFailed: "verification_failed",
	StateDBError:            "db_error",
	StateUnknownError:       "unknown_error",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "invalid"
}

// Terminal reports whether no further transition follows s.
func (s State) Terminal() bool {
	return s >= StateUnlocked
}

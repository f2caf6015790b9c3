package handler

// State is the lifecycle state of an entity.
//
//	CREATE_IN_PROGRESS ──► ACTIVE ◄──────────────┐
//	        │                │  ▲                 │
//	        │                ▼  │                 │
//	        │           UNRECONCILED ◄──► INDOUBT │
//	        │                │                    │
//	        ▼                ▼                    │ (explicit reset)
//	     CORRUPT ───────► DELETE_PENDING ─────────┘
//	                         │
//	                         ▼
//	                      DELETED
type State int

const (
	StateCreateInProgress State = iota
	StateActive
	StateUnreconciled
	StateIndoubt
	StateCorrupt
	StateDeletePending
	StateDeleted
)

func (s State) String() string {
	switch s {
	case StateCreateInProgress:
		return "CREATE_IN_PROGRESS"
	case StateActive:
		return "ACTIVE"
	case StateUnreconciled:
		return "UNRECONCILED"
	case StateIndoubt:
		return "INDOUBT"
	case StateCorrupt:
		return "CORRUPT"
	case StateDeletePending:
		return "DELETE_PENDING"
	case StateDeleted:
		return "DELETED"
	default:
		return "UNKNOWN"
	}
}

// Quarantined reports states that must never be handed to callers
func (s State) Quarantined() bool {
	return s == StateCorrupt || s == StateIndoubt
}

// AllStates lists every state, in declaration order
var AllStates = []State{
	StateCreateInProgress,
	StateActive,
	StateUnreconciled,
	StateIndoubt,
	StateCorrupt,
	StateDeletePending,
	StateDeleted,
}

// ValidTransition reports whether from -> to is a legal state change.
func ValidTransition(from, to State) bool {
	switch from {
	case StateCreateInProgress:
		return to == StateActive || to == StateDeletePending || to == StateCorrupt
	case StateActive:
		return to == StateUnreconciled || to == StateDeletePending || to == StateCorrupt || to == StateIndoubt
	case StateUnreconciled:
		return to == StateActive || to == StateIndoubt || to == StateDeletePending || to == StateCorrupt
	case StateIndoubt:
		return to == StateUnreconciled || to == StateDeletePending
	case StateCorrupt:
		return to == StateDeletePending
	case StateDeletePending:
		// ACTIVE only through an explicit reset of the to-be-deleted flag
		return to == StateDeleted || to == StateActive
	case StateDeleted:
		return false
	}
	return false
}

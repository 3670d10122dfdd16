package event

import "strings"

// Kind is the closed set of event categories the host emits. Anything
// the relay does not recognise decodes as KindUnknown and is delivered
// untouched.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindGameState
	KindHandPlayed
	KindCardsDiscarded
	KindJokersChanged
	KindRoundChanged
	KindPhaseChanged
	KindRoundComplete
	KindLearningDecision
	KindHeartbeat
	KindConnectionTest
	KindError
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindGameState:
		return "GAME_STATE"
	case KindHandPlayed:
		return "HAND_PLAYED"
	case KindCardsDiscarded:
		return "CARDS_DISCARDED"
	case KindJokersChanged:
		return "JOKERS_CHANGED"
	case KindRoundChanged:
		return "ROUND_CHANGED"
	case KindPhaseChanged:
		return "PHASE_CHANGED"
	case KindRoundComplete:
		return "ROUND_COMPLETE"
	case KindLearningDecision:
		return "LEARNING_DECISION"
	case KindHeartbeat:
		return "HEARTBEAT"
	case KindConnectionTest:
		return "CONNECTION_TEST"
	case KindError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseKind maps a wire name to a Kind. Matching is case-insensitive;
// unrecognised names return KindUnknown.
func ParseKind(name string) Kind {
	switch strings.ToUpper(name) {
	case "GAME_STATE":
		return KindGameState
	case "HAND_PLAYED":
		return KindHandPlayed
	case "CARDS_DISCARDED":
		return KindCardsDiscarded
	case "JOKERS_CHANGED":
		return KindJokersChanged
	case "ROUND_CHANGED":
		return KindRoundChanged
	case "PHASE_CHANGED":
		return KindPhaseChanged
	case "ROUND_COMPLETE":
		return KindRoundComplete
	case "LEARNING_DECISION":
		return KindLearningDecision
	case "HEARTBEAT":
		return KindHeartbeat
	case "CONNECTION_TEST":
		return KindConnectionTest
	case "ERROR":
		return KindError
	default:
		return KindUnknown
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	*k = ParseKind(string(text))
	return nil
}

// Priority controls whether an event waits for the batch window.
type Priority uint8

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

// String returns the wire name of the priority.
func (p Priority) String() string {
	if p == PriorityHigh {
		return "high"
	}
	return "normal"
}

// MarshalText implements encoding.TextMarshaler.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Anything other
// than "high" is normal priority.
func (p *Priority) UnmarshalText(text []byte) error {
	if strings.EqualFold(string(text), "high") {
		*p = PriorityHigh
	} else {
		*p = PriorityNormal
	}
	return nil
}

package enums

import "fmt"

// ActionKind names the cart intent carried by a mutation or a queued action.
type ActionKind string

const (
	ActionKindAdd    ActionKind = "add"
	ActionKindUpdate ActionKind = "update"
	ActionKindRemove ActionKind = "remove"
	ActionKindClear  ActionKind = "clear"
)

var validActionKinds = []ActionKind{
	ActionKindAdd,
	ActionKindUpdate,
	ActionKindRemove,
	ActionKindClear,
}

// String implements fmt.Stringer.
func (a ActionKind) String() string {
	return string(a)
}

// IsValid reports whether the value is a known ActionKind.
func (a ActionKind) IsValid() bool {
	for _, candidate := range validActionKinds {
		if candidate == a {
			return true
		}
	}
	return false
}

// ParseActionKind converts raw input into an ActionKind.
func ParseActionKind(value string) (ActionKind, error) {
	for _, candidate := range validActionKinds {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid action kind %q", value)
}

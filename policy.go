package cosmigrate

import "fmt"

// ItemFailurePolicy defines what happens to a unit when one of its items
// cannot be written, either because it was rejected or because retries ran out.
type ItemFailurePolicy int

const (
	// SkipItemFailurePolicy counts the item as rejected and continues with the unit.
	SkipItemFailurePolicy ItemFailurePolicy = iota
	// AbortUnitItemFailurePolicy fails the unit, keeping its last checkpoint.
	AbortUnitItemFailurePolicy
)

const (
	SkipItemFailurePolicyName      = "skip"
	AbortUnitItemFailurePolicyName = "abort-unit"
)

var itemFailurePolicyNames = map[ItemFailurePolicy]string{
	SkipItemFailurePolicy:      SkipItemFailurePolicyName,
	AbortUnitItemFailurePolicy: AbortUnitItemFailurePolicyName,
}

func (p ItemFailurePolicy) String() string {
	return itemFailurePolicyNames[p]
}

// ParseItemFailurePolicy parses "skip" or "abort-unit".
func ParseItemFailurePolicy(s string) (ItemFailurePolicy, error) {
	switch s {
	case SkipItemFailurePolicyName:
		return SkipItemFailurePolicy, nil
	case AbortUnitItemFailurePolicyName:
		return AbortUnitItemFailurePolicy, nil
	default:
		return 0, fmt.Errorf("invalid item failure policy: %s", s)
	}
}

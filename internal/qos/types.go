package qos

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// Type is the rule used to combine the requests of a class into one value.
type Type int

const (
	// Min picks the lowest requested value.
	Min Type = iota + 1
	// Max picks the highest requested value.
	Max
	// Sum adds every requested value.
	Sum
	// ForceMax picks the highest requested value and notifies on every
	// mutation, whether or not the aggregate moved.
	ForceMax
)

// DefaultValue is the request value meaning "use the class default".
const DefaultValue int32 = -1

var typeNames = map[Type]string{
	Min:      "min",
	Max:      "max",
	Sum:      "sum",
	ForceMax: "force_max",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// ParseType is the inverse of Type.String.
func ParseType(s string) (Type, error) {
	want := strings.ToLower(strings.TrimSpace(s))
	for t, name := range typeNames {
		if name == want {
			return t, nil
		}
	}
	return 0, errors.Newf("qos: unknown aggregation type %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (t Type) MarshalText() ([]byte, error) {
	if _, ok := typeNames[t]; !ok {
		return nil, errors.Newf("qos: unknown aggregation type %d", int(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Type) UnmarshalText(text []byte) error {
	parsed, err := ParseType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ClassConfig describes one constraint set.
type ClassConfig struct {
	Name              string
	Type              Type
	DefaultValue      int32
	NoConstraintValue int32
}

// ConstraintsUpdate carries the fields UpdateConstraints may override. Zero
// fields are left alone.
type ConstraintsUpdate struct {
	TargetValue  int32
	DefaultValue int32
	Type         Type
}

// ClassID identifies a class inside its registry. The zero ID marks an
// inactive request.
type ClassID int

// Stats is a consistent snapshot of a class.
type Stats struct {
	Name           string  `json:"name"`
	Type           Type    `json:"type"`
	Target         int32   `json:"target"`
	Default        int32   `json:"default"`
	PerCPU         []int32 `json:"per_cpu"`
	ActiveRequests int     `json:"active_requests"`
	TotalRequests  int     `json:"total_requests"`
}

var (
	// ErrNilRequest is returned when a nil request is passed in.
	ErrNilRequest = errors.New("qos: nil request")
	// ErrRequestActive is returned when adding a request that is already in a class.
	ErrRequestActive = errors.New("qos: request already added")
	// ErrRequestInactive is returned when operating on a request that was never added.
	ErrRequestInactive = errors.New("qos: request not active")
	// ErrNoData is returned when a request's value cannot be found in its class.
	ErrNoData = errors.New("qos: no data for request")
	// ErrUnknownClass is returned for lookups of classes not in the registry.
	ErrUnknownClass = errors.New("qos: unknown class")
	// ErrNotifierRegistered is returned when a notifier is registered twice.
	ErrNotifierRegistered = errors.New("qos: notifier already registered")
	// ErrNotifierUnknown is returned when removing a notifier that is not registered.
	ErrNotifierUnknown = errors.New("qos: notifier not registered")
)

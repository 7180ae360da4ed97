package intercept

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of a Layer.
type State int32

const (
	Uninstalled State = iota
	Installing
	Active
	Superseded
)

func (s State) String() string {
	switch s {
	case Uninstalled:
		return "uninstalled"
	case Installing:
		return "installing"
	case Active:
		return "active"
	case Superseded:
		return "superseded"
	default:
		return "unknown"
	}
}

var (
	// ErrNotActive is returned when a layer is used outside the Active state.
	ErrNotActive = errors.New("interception layer not active")

	// ErrSuperseded is returned when installing a layer that was already
	// decommissioned. It matches ErrNotActive.
	ErrSuperseded = fmt.Errorf("%w: superseded", ErrNotActive)
)

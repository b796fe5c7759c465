package contracts

import (
	"fmt"
)

// FaultTypeTag is the type tag of the built-in Fault payload.
const FaultTypeTag = "queuebus.Fault"

// Fault is sent back to a requester when the handler processing its request
// fails instead of replying.
type Fault struct {
	Reason  string `json:"reason"`
	Error   string `json:"error"`
	TypeTag string `json:"typeTag,omitempty"`
}

// Err converts the fault into an error value.
func (f *Fault) Err() error {
	if f.TypeTag != "" {
		return fmt.Errorf("%s handling %s: %s", f.Reason, f.TypeTag, f.Error)
	}
	return fmt.Errorf("%s: %s", f.Reason, f.Error)
}

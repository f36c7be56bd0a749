package contracts

import (
	"errors"
	"fmt"
)

// ErrMalformedPacket matches every packet decoding or validation failure
var ErrMalformedPacket = errors.New("contracts: malformed packet")

// MalformedPacketError describes why a packet was rejected
type MalformedPacketError struct {
	Field  string // Offending field, if known
	Reason string
	Err    error // Underlying decode error
}

func (e *MalformedPacketError) Error() string {
	msg := "malformed packet"
	if e.Field != "" {
		msg += fmt.Sprintf(" (%s)", e.Field)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

func (e *MalformedPacketError) Unwrap() error {
	return e.Err
}

// Is makes every MalformedPacketError match ErrMalformedPacket
func (e *MalformedPacketError) Is(target error) bool {
	return target == ErrMalformedPacket
}

package scheduler

import "errors"

var (
	// ErrUnknownNotification is returned when an ack names no notification
	ErrUnknownNotification = errors.New("unknown notification")

	// ErrOutOfOrderAck is returned when an ack does not follow the delivery state machine
	ErrOutOfOrderAck = errors.New("out-of-order acknowledgement")
)

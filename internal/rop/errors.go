package rop

import "errors"

var (
	ErrNullInput        = errors.New("rop: nil input")
	ErrInvalidOpcode    = errors.New("rop: invalid opcode")
	ErrTruncated        = errors.New("rop: truncated data")
	ErrDataSize         = errors.New("rop: data size does not match size class")
	ErrDataTooLarge     = errors.New("rop: data larger than largest size class")
	ErrCapacityExceeded = errors.New("rop: capacity exceeded")
	ErrMalformedFrame   = errors.New("rop: malformed frame")
	ErrUnknownVariable  = errors.New("rop: unknown variable")
)

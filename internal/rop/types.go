package rop

import (
	"bytes"
	"fmt"
	"strings"
)

// Opcode identifies what a remote operation does to its variable.
type Opcode uint8

const (
	OpNone Opcode = 0
	OpAsk  Opcode = 1
	OpSay  Opcode = 2
	OpSet  Opcode = 3
	OpSig  Opcode = 4
)

// Valid reports whether o may appear on the wire.
func (o Opcode) Valid() bool {
	switch o {
	case OpAsk, OpSay, OpSet, OpSig:
		return true
	default:
		return false
	}
}

// CarriesData reports whether o normally transports the variable value.
func (o Opcode) CarriesData() bool {
	return o == OpSay || o == OpSet || o == OpSig
}

func (o Opcode) String() string {
	switch o {
	case OpNone:
		return "none"
	case OpAsk:
		return "ask"
	case OpSay:
		return "say"
	case OpSet:
		return "set"
	case OpSig:
		return "sig"
	default:
		return fmt.Sprintf("opcode(%d)", uint8(o))
	}
}

// ParseOpcode maps a lowercase opcode name to its value.
func ParseOpcode(name string) (Opcode, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "ask":
		return OpAsk, nil
	case "say":
		return OpSay, nil
	case "set":
		return OpSet, nil
	case "sig":
		return OpSig, nil
	default:
		return OpNone, fmt.Errorf("%w: %q", ErrInvalidOpcode, name)
	}
}

// Address names a network variable.
type Address struct {
	Endpoint uint16
	ID       uint32
}

func (a Address) String() string {
	return fmt.Sprintf("%d/%d", a.Endpoint, a.ID)
}

// SizeClass indexes SizeClassTable.
type SizeClass uint8

// SizeClassTable maps a size class to the data length on the wire. Both ends
// must agree on it; it is never negotiated.
var SizeClassTable = [16]uint16{0, 1, 2, 4, 6, 8, 12, 16, 20, 24, 32, 40, 48, 64, 96, 128}

// MaxDataSize is the largest data field a single operation can carry.
const MaxDataSize = 128

// Bytes returns the effective data length for c.
func (c SizeClass) Bytes() int {
	return int(SizeClassTable[c&0x0f])
}

// SizeClassFor returns the smallest class able to hold n bytes.
func SizeClassFor(n int) (SizeClass, error) {
	if n < 0 {
		return 0, ErrDataSize
	}
	for i, size := range SizeClassTable {
		if int(size) >= n {
			return SizeClass(i), nil
		}
	}
	return 0, ErrDataTooLarge
}

// Operation is one decoded remote operation.
type Operation struct {
	Opcode    Opcode
	Addr      Address
	HasData   bool
	SizeClass SizeClass
	Data      []byte
	HasSign   bool
	Sign      uint32
	HasTime   bool
	Time      uint64
	Reserved  bool
}

// Validate checks the record invariants the former relies on.
func (op *Operation) Validate() error {
	if op == nil {
		return ErrNullInput
	}
	if !op.Opcode.Valid() {
		return ErrInvalidOpcode
	}
	if op.SizeClass > 0x0f {
		return ErrDataSize
	}
	if op.HasData && len(op.Data) != op.SizeClass.Bytes() {
		return ErrDataSize
	}
	if !op.HasData && len(op.Data) != 0 {
		return ErrDataSize
	}
	return nil
}

// WireSize is the number of bytes Encode writes for op.
func (op *Operation) WireSize() int {
	n := HeaderSize
	if op.HasData {
		n += op.SizeClass.Bytes()
	}
	if op.HasSign {
		n += signSize
	}
	if op.HasTime {
		n += timeSize
	}
	return n
}

// SetData pads data to its size class and marks the operation as carrying it.
func (op *Operation) SetData(data []byte) error {
	class, err := SizeClassFor(len(data))
	if err != nil {
		return err
	}
	buf := make([]byte, class.Bytes())
	copy(buf, data)
	op.HasData = true
	op.SizeClass = class
	op.Data = buf
	return nil
}

// Equal reports whether a and b encode to the same record.
func Equal(a, b Operation) bool {
	if a.Opcode != b.Opcode || a.Addr != b.Addr || a.Reserved != b.Reserved {
		return false
	}
	if a.HasData != b.HasData || a.SizeClass != b.SizeClass || !bytes.Equal(a.Data, b.Data) {
		return false
	}
	if a.HasSign != b.HasSign || (a.HasSign && a.Sign != b.Sign) {
		return false
	}
	if a.HasTime != b.HasTime || (a.HasTime && a.Time != b.Time) {
		return false
	}
	return true
}

// Descriptor is what callers hand to the transmitter. Data may be left nil for
// data-carrying opcodes, in which case the value is read from the variable set.
type Descriptor struct {
	Opcode   Opcode
	Addr     Address
	Data     []byte
	HasSign  bool
	Sign     uint32
	PlusTime bool
}

// Matches reports whether d addresses the same regular slot as other.
func (d Descriptor) Matches(other Descriptor) bool {
	return d.Opcode == other.Opcode && d.Addr == other.Addr
}

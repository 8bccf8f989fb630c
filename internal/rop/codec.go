package rop

import "encoding/binary"

const (
	HeaderSize = 8
	signSize   = 4
	timeSize   = 8

	ctrlHasData  = 0x01
	ctrlHasSign  = 0x02
	ctrlHasTime  = 0x04
	ctrlReserved = 0x08
	ctrlClassPos = 4
)

// Encode writes op into dst and returns the number of bytes written. Nothing
// is written when an error is returned.
func Encode(dst []byte, op *Operation) (int, error) {
	if err := op.Validate(); err != nil {
		return 0, err
	}
	size := op.WireSize()
	if len(dst) < size {
		return 0, ErrCapacityExceeded
	}

	dst[0] = encodeControl(op)
	dst[1] = byte(op.Opcode)
	binary.LittleEndian.PutUint16(dst[2:4], op.Addr.Endpoint)
	binary.LittleEndian.PutUint32(dst[4:8], op.Addr.ID)
	n := HeaderSize

	if op.HasData {
		n += copy(dst[n:], op.Data)
	}
	if op.HasSign {
		binary.LittleEndian.PutUint32(dst[n:n+signSize], op.Sign)
		n += signSize
	}
	if op.HasTime {
		binary.LittleEndian.PutUint64(dst[n:n+timeSize], op.Time)
		n += timeSize
	}
	return n, nil
}

// Decode parses one operation from the front of src and returns it with the
// number of bytes consumed.
func Decode(src []byte) (Operation, int, error) {
	if len(src) < HeaderSize {
		return Operation{}, 0, ErrTruncated
	}
	ctrl := src[0]
	op := Operation{
		Opcode:    Opcode(src[1]),
		Addr:      Address{Endpoint: binary.LittleEndian.Uint16(src[2:4]), ID: binary.LittleEndian.Uint32(src[4:8])},
		HasData:   ctrl&ctrlHasData != 0,
		HasSign:   ctrl&ctrlHasSign != 0,
		HasTime:   ctrl&ctrlHasTime != 0,
		Reserved:  ctrl&ctrlReserved != 0,
		SizeClass: SizeClass(ctrl >> ctrlClassPos),
	}
	if !op.Opcode.Valid() {
		return Operation{}, 0, ErrInvalidOpcode
	}

	n := HeaderSize
	if op.HasData {
		size := op.SizeClass.Bytes()
		if len(src)-n < size {
			return Operation{}, 0, ErrTruncated
		}
		op.Data = make([]byte, size)
		copy(op.Data, src[n:n+size])
		n += size
	}
	if op.HasSign {
		if len(src)-n < signSize {
			return Operation{}, 0, ErrTruncated
		}
		op.Sign = binary.LittleEndian.Uint32(src[n : n+signSize])
		n += signSize
	}
	if op.HasTime {
		if len(src)-n < timeSize {
			return Operation{}, 0, ErrTruncated
		}
		op.Time = binary.LittleEndian.Uint64(src[n : n+timeSize])
		n += timeSize
	}
	return op, n, nil
}

func encodeControl(op *Operation) byte {
	var ctrl byte
	if op.HasData {
		ctrl |= ctrlHasData
	}
	if op.HasSign {
		ctrl |= ctrlHasSign
	}
	if op.HasTime {
		ctrl |= ctrlHasTime
	}
	if op.Reserved {
		ctrl |= ctrlReserved
	}
	ctrl |= byte(op.SizeClass&0x0f) << ctrlClassPos
	return ctrl
}

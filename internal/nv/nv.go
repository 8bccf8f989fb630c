package nv

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/ropnet/internal/rop"
)

var (
	ErrNotReadable = errors.New("nv: variable not readable")
	ErrNotWritable = errors.New("nv: variable not writable")
	ErrInvalidSize = errors.New("nv: invalid variable size")
	ErrDuplicate   = errors.New("nv: variable already defined")
	ErrUnknown     = errors.New("nv: unknown location")
)

// Access is a bitmask of what remote operations may do to a variable.
type Access uint8

const (
	AccessRead  Access = 1 << 0
	AccessWrite Access = 1 << 1

	AccessReadWrite = AccessRead | AccessWrite
)

func (a Access) Readable() bool { return a&AccessRead != 0 }
func (a Access) Writable() bool { return a&AccessWrite != 0 }

func (a Access) String() string {
	switch a {
	case AccessRead:
		return "r"
	case AccessWrite:
		return "w"
	case AccessReadWrite:
		return "rw"
	default:
		return "none"
	}
}

// Owner says which host holds the authoritative value.
type Owner uint8

const (
	OwnerLocal Owner = iota
	OwnerRemote
)

func (o Owner) String() string {
	if o == OwnerRemote {
		return "remote"
	}
	return "local"
}

// Variable declares one network variable.
type Variable struct {
	Addr    rop.Address
	Size    int
	Access  Access
	Owner   Owner
	Initial []byte
}

// Location is the resolved handle of a variable inside a Set.
type Location struct {
	Addr   rop.Address
	Size   int
	Access Access
	Owner  Owner
	index  int
}

// Set is the variable storage the protocol operates on.
type Set interface {
	Lookup(addr rop.Address) (Location, bool)
	Read(loc Location) ([]byte, error)
	Write(loc Location, data []byte) error
}

// Refresher is implemented by sets that accept values pushed by the owner of a
// remote variable without going through the write access check.
type Refresher interface {
	Refresh(loc Location, data []byte) error
}

// Table is an in-memory Set safe for concurrent use.
type Table struct {
	mu     sync.RWMutex
	index  map[rop.Address]int
	vars   []Location
	values [][]byte
}

func NewTable() *Table {
	return &Table{index: make(map[rop.Address]int)}
}

// Define adds a variable. Sizes are bounded by the largest size class.
func (t *Table) Define(v Variable) error {
	if v.Size <= 0 || v.Size > rop.MaxDataSize {
		return fmt.Errorf("%w: %s size=%d", ErrInvalidSize, v.Addr, v.Size)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.index[v.Addr]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, v.Addr)
	}
	value := make([]byte, v.Size)
	copy(value, v.Initial)
	loc := Location{Addr: v.Addr, Size: v.Size, Access: v.Access, Owner: v.Owner, index: len(t.vars)}
	t.index[v.Addr] = loc.index
	t.vars = append(t.vars, loc)
	t.values = append(t.values, value)
	return nil
}

func (t *Table) Lookup(addr rop.Address) (Location, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	i, ok := t.index[addr]
	if !ok {
		return Location{}, false
	}
	return t.vars[i], true
}

func (t *Table) Read(loc Location) ([]byte, error) {
	if !loc.Access.Readable() {
		return nil, ErrNotReadable
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.valid(loc) {
		return nil, ErrUnknown
	}
	out := make([]byte, len(t.values[loc.index]))
	copy(out, t.values[loc.index])
	return out, nil
}

// Write stores data, truncated or zero-padded to the variable size.
func (t *Table) Write(loc Location, data []byte) error {
	if !loc.Access.Writable() {
		return ErrNotWritable
	}
	return t.store(loc, data)
}

// Refresh updates a variable regardless of its remote access rights. It is the
// path for values received from the owner of a remote variable.
func (t *Table) Refresh(loc Location, data []byte) error {
	return t.store(loc, data)
}

func (t *Table) store(loc Location, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.valid(loc) {
		return ErrUnknown
	}
	value := t.values[loc.index]
	n := copy(value, data)
	clear(value[n:])
	return nil
}

// Variables lists every defined location ordered by address.
func (t *Table) Variables() []Location {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Location, len(t.vars))
	copy(out, t.vars)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Addr.Endpoint != out[j].Addr.Endpoint {
			return out[i].Addr.Endpoint < out[j].Addr.Endpoint
		}
		return out[i].Addr.ID < out[j].Addr.ID
	})
	return out
}

func (t *Table) valid(loc Location) bool {
	return loc.index >= 0 && loc.index < len(t.vars) && t.vars[loc.index].Addr == loc.Addr
}

package nv

import (
	"sync"
	"time"

	"github.com/danmuck/ropnet/internal/rop"
)

// Entry is the cached value of a remotely owned variable.
type Entry struct {
	Addr      rop.Address
	Value     []byte
	Sign      uint32
	HasSign   bool
	UpdatedAt time.Time
	Updates   uint64
}

// Proxy caches the last value received for each remotely owned variable.
type Proxy struct {
	mu      sync.RWMutex
	now     func() time.Time
	entries map[rop.Address]Entry
}

func NewProxy() *Proxy {
	return &Proxy{now: time.Now, entries: make(map[rop.Address]Entry)}
}

// Store records a value received for addr.
func (p *Proxy) Store(op rop.Operation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.entries[op.Addr]
	e.Addr = op.Addr
	e.Value = append(e.Value[:0], op.Data...)
	e.Sign = op.Sign
	e.HasSign = op.HasSign
	e.UpdatedAt = p.now()
	e.Updates++
	p.entries[op.Addr] = e
}

func (p *Proxy) Get(addr rop.Address) (Entry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[addr]
	if !ok {
		return Entry{}, false
	}
	e.Value = append([]byte(nil), e.Value...)
	return e, true
}

func (p *Proxy) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

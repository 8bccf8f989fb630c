package transceiver

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrChannelConflict = errors.New("transceiver: channel already open with a different configuration")

// Registry holds at most one transceiver per remote address and port.
type Registry struct {
	mu    sync.Mutex
	items map[string]*Transceiver
}

func NewRegistry() *Registry {
	return &Registry{items: make(map[string]*Transceiver)}
}

// Open returns the transceiver for cfg's remote, creating it on first use.
// Reopening with the same sizes, protection and remote limit returns the
// existing instance; any other difference is a conflict.
func (r *Registry) Open(cfg Config) (*Transceiver, error) {
	cfg = cfg.withDefaults()
	key := cfg.Remote.String()

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.items[key]; ok {
		if err := existing.sameShape(cfg); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrChannelConflict, key, err)
		}
		return existing, nil
	}
	t, err := New(cfg)
	if err != nil {
		return nil, err
	}
	r.items[key] = t
	return t, nil
}

// Resolve returns the transceiver open for remote ("ip:port").
func (r *Registry) Resolve(remote string) (*Transceiver, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.items[remote]
	return t, ok
}

// Close forgets the transceiver for remote.
func (r *Registry) Close(remote string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[remote]; !ok {
		return false
	}
	delete(r.items, remote)
	return true
}

// List returns every open transceiver ordered by remote.
func (r *Registry) List() []*Transceiver {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := make([]*Transceiver, 0, len(r.items))
	for _, t := range r.items {
		list = append(list, t)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Remote().String() < list[j].Remote().String()
	})
	return list
}

func (t *Transceiver) sameShape(cfg Config) error {
	switch {
	case t.cfg.Sizes != cfg.Sizes:
		return fmt.Errorf("sizes %+v, open with %+v", cfg.Sizes, t.cfg.Sizes)
	case t.cfg.Protection != cfg.Protection:
		return fmt.Errorf("protection %s, open with %s", cfg.Protection, t.cfg.Protection)
	case t.cfg.MaxRemotes != cfg.MaxRemotes:
		return fmt.Errorf("max remotes %d, open with %d", cfg.MaxRemotes, t.cfg.MaxRemotes)
	}
	return nil
}

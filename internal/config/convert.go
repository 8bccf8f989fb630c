package config

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/danmuck/ropnet/internal/nv"
	"github.com/danmuck/ropnet/internal/rop"
)

// Table builds an in-memory variable set from the catalog.
func (c CatalogConfig) Table() (*nv.Table, error) {
	tbl := nv.NewTable()
	for i, v := range c.Variables {
		access, err := parseAccess(v.Access)
		if err != nil {
			return nil, fmt.Errorf("variables[%d]: %w", i, err)
		}
		owner, err := parseOwner(v.Owner)
		if err != nil {
			return nil, fmt.Errorf("variables[%d]: %w", i, err)
		}
		initial, err := hex.DecodeString(strings.TrimSpace(v.Initial))
		if err != nil {
			return nil, fmt.Errorf("variables[%d]: %w", i, err)
		}
		if err := tbl.Define(nv.Variable{
			Addr:    rop.Address{Endpoint: v.Endpoint, ID: v.ID},
			Size:    v.Size,
			Access:  access,
			Owner:   owner,
			Initial: initial,
		}); err != nil {
			return nil, fmt.Errorf("variables[%d]: %w", i, err)
		}
	}
	return tbl, nil
}

// Descriptors returns the regular operations in declaration order.
func (c CatalogConfig) Descriptors() ([]rop.Descriptor, error) {
	out := make([]rop.Descriptor, 0, len(c.Regulars))
	for i, r := range c.Regulars {
		opcode, err := rop.ParseOpcode(r.Opcode)
		if err != nil {
			return nil, fmt.Errorf("regulars[%d]: %w", i, err)
		}
		d := rop.Descriptor{
			Opcode:   opcode,
			Addr:     rop.Address{Endpoint: r.Endpoint, ID: r.ID},
			PlusTime: r.PlusTime,
		}
		if r.Sign != nil {
			d.HasSign = true
			d.Sign = *r.Sign
		}
		out = append(out, d)
	}
	return out, nil
}

// empty defaults to read-write
func parseAccess(s string) (nv.Access, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "rw":
		return nv.AccessReadWrite, nil
	case "r":
		return nv.AccessRead, nil
	case "w":
		return nv.AccessWrite, nil
	default:
		return 0, fmt.Errorf("unknown access %q (want r, w or rw)", s)
	}
}

func parseOwner(s string) (nv.Owner, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "local":
		return nv.OwnerLocal, nil
	case "remote":
		return nv.OwnerRemote, nil
	default:
		return 0, fmt.Errorf("unknown owner %q (want local or remote)", s)
	}
}

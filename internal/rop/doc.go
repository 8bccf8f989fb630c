// Package rop owns the remote operation wire contract.
//
// Ownership boundary:
// - operation record model and opcode set
// - size-class table shared by both ends of the link
// - former/parser for a single operation record
package rop

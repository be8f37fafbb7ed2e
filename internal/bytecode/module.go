// Package bytecode holds the read-only input model of the verifier: modules,
// struct and function definitions, types, and the stack-machine instruction
// set. It also contains a small textual assembler used as the loader seam by
// tests and the command-line driver.
package bytecode

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// =============================================================================
// Identifiers
// =============================================================================

// ModuleID identifies a module by account address and name.
type ModuleID struct {
	Address common.Address
	Name    string
}

func (m ModuleID) String() string {
	return FormatAddress(m.Address) + "::" + m.Name
}

// FormatAddress renders an address in its short hex form (0x1, 0xcafe).
func FormatAddress(a common.Address) string {
	return "0x" + a.Big().Text(16)
}

// ParseAddress parses a hex address literal with or without the 0x prefix.
func ParseAddress(s string) (common.Address, error) {
	h := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if h == "" || len(h) > 2*common.AddressLength {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	for _, c := range h {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return common.Address{}, fmt.Errorf("invalid address %q", s)
		}
	}
	if len(h)%2 == 1 {
		h = "0" + h
	}
	return common.HexToAddress(h), nil
}

// ParseModuleID parses "0x1::Name".
func ParseModuleID(s string) (ModuleID, error) {
	addr, name, ok := strings.Cut(s, "::")
	if !ok || name == "" || strings.Contains(name, "::") {
		return ModuleID{}, fmt.Errorf("invalid module id %q", s)
	}
	a, err := ParseAddress(addr)
	if err != nil {
		return ModuleID{}, err
	}
	return ModuleID{Address: a, Name: name}, nil
}

// StructRef names a struct declared in some module.
type StructRef struct {
	Module ModuleID
	Name   string
}

func (r StructRef) String() string { return r.Module.String() + "::" + r.Name }

// FunctionRef names a function declared in some module.
type FunctionRef struct {
	Module ModuleID
	Name   string
}

func (r FunctionRef) String() string { return r.Module.String() + "::" + r.Name }

// ParseStructRef parses an unqualified struct name, resolved against self,
// or a fully qualified "0x1::M::S".
func ParseStructRef(s string, self ModuleID) (StructRef, error) {
	name, mod, err := splitQualified(s, self)
	if err != nil {
		return StructRef{}, err
	}
	return StructRef{Module: mod, Name: name}, nil
}

// ParseFunctionRef parses an unqualified or fully qualified function name.
func ParseFunctionRef(s string, self ModuleID) (FunctionRef, error) {
	name, mod, err := splitQualified(s, self)
	if err != nil {
		return FunctionRef{}, err
	}
	return FunctionRef{Module: mod, Name: name}, nil
}

func splitQualified(s string, self ModuleID) (string, ModuleID, error) {
	parts := strings.Split(s, "::")
	switch len(parts) {
	case 1:
		if !isIdent(parts[0]) {
			return "", ModuleID{}, fmt.Errorf("invalid identifier %q", s)
		}
		return parts[0], self, nil
	case 3:
		mod, err := ParseModuleID(parts[0] + "::" + parts[1])
		if err != nil {
			return "", ModuleID{}, err
		}
		if !isIdent(parts[2]) {
			return "", ModuleID{}, fmt.Errorf("invalid identifier %q", s)
		}
		return parts[2], mod, nil
	}
	return "", ModuleID{}, fmt.Errorf("invalid qualified name %q", s)
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, c := range s {
		switch {
		case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case i > 0 && c >= '0' && c <= '9':
		default:
			return false
		}
	}
	return true
}

// =============================================================================
// Definitions
// =============================================================================

// Field is a named struct field.
type Field struct {
	Name string
	Type Type
}

// StructDef declares a struct. Resources (HasKey) may live in global storage.
type StructDef struct {
	Ref    StructRef
	Fields []Field
	HasKey bool
	Range  Range
}

// FieldIndex returns the position of the named field or -1.
func (s *StructDef) FieldIndex(name string) int {
	for i, f := range s.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// Local is a named function local. Parameters are the first locals.
type Local struct {
	Name string
	Type Type
}

// FunctionDef declares a function. Code is nil for native functions.
type FunctionDef struct {
	Ref     FunctionRef
	Params  []Local
	Returns []Type
	Locals  []Local // parameters first, then declared locals
	Code    []Instruction
	Labels  map[string]int // label -> instruction index
	Public  bool
	Native  bool
	Range   Range
}

// ID returns the stable identifier of the function.
func (f *FunctionDef) ID() string { return f.Ref.String() }

// LocalIndex returns the index of the named local or -1.
func (f *FunctionDef) LocalIndex(name string) int {
	for i, l := range f.Locals {
		if l.Name == name {
			return i
		}
	}
	return -1
}

// LabelAt returns a label naming instruction index pc, if any.
func (f *FunctionDef) LabelAt(pc int) (string, bool) {
	names := make([]string, 0, len(f.Labels))
	for name, at := range f.Labels {
		if at == pc {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "", false
	}
	sort.Strings(names)
	return names[0], true
}

// Module is a compiled module together with the source text its ranges
// point into.
type Module struct {
	ID        ModuleID
	File      string
	Source    []byte
	Structs   []*StructDef
	Functions []*FunctionDef
}

// Struct returns the struct with the given name.
func (m *Module) Struct(name string) *StructDef {
	for _, s := range m.Structs {
		if s.Ref.Name == name {
			return s
		}
	}
	return nil
}

// Function returns the function with the given name.
func (m *Module) Function(name string) *FunctionDef {
	for _, f := range m.Functions {
		if f.Ref.Name == name {
			return f
		}
	}
	return nil
}

// =============================================================================
// Program
// =============================================================================

// Program is the dependency closure handed to the verifier: the modules
// under verification and every module they reference.
type Program struct {
	Modules []*Module
	byID    map[ModuleID]*Module
}

// NewProgram indexes modules. Duplicate module ids are rejected.
func NewProgram(modules ...*Module) (*Program, error) {
	p := &Program{byID: make(map[ModuleID]*Module)}
	for _, m := range modules {
		if _, dup := p.byID[m.ID]; dup {
			return nil, fmt.Errorf("duplicate module %s", m.ID)
		}
		p.byID[m.ID] = m
		p.Modules = append(p.Modules, m)
	}
	sort.Slice(p.Modules, func(i, j int) bool {
		return p.Modules[i].ID.String() < p.Modules[j].ID.String()
	})
	return p, nil
}

// Module returns the module with the given id.
func (p *Program) Module(id ModuleID) *Module {
	return p.byID[id]
}

// Struct resolves a struct reference.
func (p *Program) Struct(ref StructRef) *StructDef {
	m := p.byID[ref.Module]
	if m == nil {
		return nil
	}
	return m.Struct(ref.Name)
}

// Function resolves a function reference.
func (p *Program) Function(ref FunctionRef) *FunctionDef {
	m := p.byID[ref.Module]
	if m == nil {
		return nil
	}
	return m.Function(ref.Name)
}

// Functions returns every function in deterministic order.
func (p *Program) Functions() []*FunctionDef {
	var out []*FunctionDef
	for _, m := range p.Modules {
		out = append(out, m.Functions...)
	}
	return out
}

// Source returns the source text of the module containing r.
func (p *Program) Source(r Range) []byte {
	m := p.byID[r.Module]
	if m == nil {
		return nil
	}
	return m.Source
}

// Position converts the start of r to a file position.
func (p *Program) Position(r Range) Position {
	m := p.byID[r.Module]
	if m == nil {
		return Position{File: r.Module.String()}
	}
	return NewLineIndex(m.File, m.Source).Position(r.Start)
}

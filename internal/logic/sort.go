// Package logic defines the terms verification conditions are built from
// and prints them as SMT-LIB2.
package logic

import "strings"

// SortKind classifies a sort.
type SortKind int

const (
	SortBool SortKind = iota
	SortInt
	SortData  // a struct datatype
	SortArray // (Array Key Value)
)

// Sort is the logical type of a term.
type Sort struct {
	Kind  SortKind
	Name  string // SortData
	Key   *Sort  // SortArray
	Value *Sort  // SortArray
}

var (
	BoolSort = Sort{Kind: SortBool}
	IntSort  = Sort{Kind: SortInt}
)

// DataSort returns the sort of a declared datatype.
func DataSort(name string) Sort { return Sort{Kind: SortData, Name: name} }

// ArraySort returns an array sort.
func ArraySort(key, value Sort) Sort {
	k, v := key, value
	return Sort{Kind: SortArray, Key: &k, Value: &v}
}

// Equal reports structural equality.
func (s Sort) Equal(o Sort) bool {
	if s.Kind != o.Kind {
		return false
	}
	switch s.Kind {
	case SortData:
		return s.Name == o.Name
	case SortArray:
		return s.Key.Equal(*o.Key) && s.Value.Equal(*o.Value)
	}
	return true
}

func (s Sort) String() string {
	switch s.Kind {
	case SortBool:
		return "Bool"
	case SortInt:
		return "Int"
	case SortData:
		return Symbol(s.Name)
	case SortArray:
		return "(Array " + s.Key.String() + " " + s.Value.String() + ")"
	}
	return "?"
}

// Field is a datatype field.
type Field struct {
	Name string
	Sort Sort
}

// Datatype is a single-constructor datatype modelling a struct.
type Datatype struct {
	Name   string
	Fields []Field
}

// Sort returns the sort of the datatype.
func (d *Datatype) Sort() Sort { return DataSort(d.Name) }

// Ctor returns the constructor name.
func (d *Datatype) Ctor() string { return "mk-" + d.Name }

// Selector returns the selector of field i.
func (d *Datatype) Selector(i int) string { return d.Name + "-" + d.Fields[i].Name }

// Symbol renders name as an SMT-LIB2 symbol, quoting it when it is not a
// simple symbol.
func Symbol(name string) string {
	if isSimpleSymbol(name) {
		return name
	}
	return "|" + strings.NewReplacer("|", "_", "\\", "_").Replace(name) + "|"
}

func isSimpleSymbol(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		case strings.ContainsRune("~!@$%^&*_-+=<>.?/", r):
		default:
			return false
		}
	}
	return true
}

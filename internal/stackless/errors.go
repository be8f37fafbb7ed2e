package stackless

import (
	"fmt"

	"github.com/mpyw/resprove/internal/bytecode"
)

// UnsupportedBytecodeError reports bytecode the translator has no rule for,
// or a body it cannot translate without guessing. It is scoped to one
// function.
type UnsupportedBytecodeError struct {
	Function bytecode.FunctionRef
	PC       int // -1 when not tied to one instruction
	Op       bytecode.Opcode
	Range    bytecode.Range
	Msg      string
}

func (e *UnsupportedBytecodeError) Error() string {
	if e.PC < 0 {
		return fmt.Sprintf("%s: %s", e.Function, e.Msg)
	}
	return fmt.Sprintf("%s at pc %d (%s): %s", e.Function, e.PC, e.Op, e.Msg)
}

func (t *translator) unsupported(pc int, format string, args ...any) error {
	e := &UnsupportedBytecodeError{Function: t.def.Ref, PC: pc, Msg: fmt.Sprintf(format, args...)}
	if pc >= 0 && pc < len(t.def.Code) {
		e.Op = t.def.Code[pc].Op
		e.Range = t.def.Code[pc].Range
	} else {
		e.Range = t.def.Range
	}
	return e
}

package spec

import (
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/math"

	"github.com/mpyw/resprove/internal/bytecode"
)

// Supported pragma names.
const (
	PragmaVerify            = "verify"
	PragmaTimeout           = "timeout"
	PragmaAbortsIfIsPartial = "aborts_if_is_partial"
	PragmaOpaque            = "opaque"
)

// Pragmas are per-function verification switches.
type Pragmas struct {
	// Verify is false when the function is excluded from verification. Its
	// contract is still used at call sites.
	Verify bool
	// Timeout overrides the solver timeout when non-zero.
	Timeout time.Duration
	// AbortsIfIsPartial weakens aborts_if checking: declared conditions need
	// not cover every abort.
	AbortsIfIsPartial bool
	// Opaque forces modular treatment at call sites even without other
	// conditions.
	Opaque bool
}

// DefaultPragmas returns the pragmas of a function without pragma lines.
func DefaultPragmas() Pragmas {
	return Pragmas{Verify: true}
}

// parsePragma applies "name", "name = value" to p.
// Bare boolean pragmas mean true.
func parsePragma(text string, r bytecode.Range, p *Pragmas) *SpecTypeError {
	name, value, hasValue := strings.Cut(text, "=")
	name = strings.TrimSpace(name)
	value = strings.TrimSpace(value)

	boolValue := func() (bool, *SpecTypeError) {
		if !hasValue {
			return true, nil
		}
		b, err := strconv.ParseBool(value)
		if err != nil {
			return false, typeError(r, "bool", value, "pragma %s needs a boolean", name)
		}
		return b, nil
	}

	var err *SpecTypeError
	switch name {
	case PragmaVerify:
		p.Verify, err = boolValue()
	case PragmaAbortsIfIsPartial:
		p.AbortsIfIsPartial, err = boolValue()
	case PragmaOpaque:
		p.Opaque, err = boolValue()
	case PragmaTimeout:
		secs, ok := math.ParseUint64(value)
		if !hasValue || !ok || secs == 0 {
			return typeError(r, "positive seconds", value, "pragma timeout needs a positive integer")
		}
		nanos, overflow := math.SafeMul(secs, uint64(time.Second))
		if overflow || nanos > 1<<63-1 {
			return typeError(r, "positive seconds", value, "pragma timeout is out of range")
		}
		p.Timeout = time.Duration(nanos)
	default:
		return plainError(r, "unknown pragma %q", name)
	}
	return err
}

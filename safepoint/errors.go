package safepoint

import "fmt"

// InvariantError is the panic value for a broken caller contract: pcs
// registered out of order, a deoptimization update or lookup with no
// matching entry, or an entry index out of range. These are bugs in the
// code generator or runtime and are never recovered.
type InvariantError struct {
	Op  string // operation that detected the breach
	Msg string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("safepoint: %s: %s", e.Op, e.Msg)
}

func invariantf(op, format string, args ...any) {
	panic(&InvariantError{Op: op, Msg: fmt.Sprintf(format, args...)})
}

// CapacityError is the panic value raised by Builder.Emit when a derived
// field width does not fit the configuration word. The function is too
// large to describe and must not be installed.
type CapacityError struct {
	Field string
	Value int
	Max   int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("safepoint: %s of %d exceeds table capacity (max %d)", e.Field, e.Value, e.Max)
}

// Recover converts a CapacityError panic into an error stored in *errp.
// It must be deferred directly by a compile driver:
//
//	defer safepoint.Recover(&err)
//
// Any other panic, including an InvariantError, is re-raised.
func Recover(errp *error) {
	r := recover()
	if r == nil {
		return
	}
	if ce, ok := r.(*CapacityError); ok {
		*errp = ce
		return
	}
	panic(r)
}

// Package kernel contains the error type and raw memory helpers shared by all
// kernel packages.
package kernel

// Error describes a kernel error. All kernel errors must be defined as global
// variables that are pointers to the Error structure. The memory manager runs
// before any heap exists so errors.New and fmt.Errorf are not an option.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

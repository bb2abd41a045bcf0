package intercept

import "fmt"

// PanicError carries a value recovered from a panicking provider call.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	if err, ok := e.Value.(error); ok {
		return err.Error()
	}
	return fmt.Sprint(e.Value)
}

// Unwrap returns the panic value when it is an error.
func (e *PanicError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}

// safely runs fn, logging instead of propagating any panic. Instrumentation
// never changes the outcome the caller observes.
func (ic *Interceptor) safely(stage string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			ic.logger.Error("instrumentation failure",
				"stage", stage,
				"panic", r,
			)
		}
	}()
	fn()
}

package safe

import (
	"reflect"

	"pigeon/logger"
	"pigeon/tools/errs"
)

// MustNotNil panics if the given value is nil.
// Useful for enforcing required fields during struct initialization.
func MustNotNil(v any, name string) {
	if v == nil || reflect.ValueOf(v).IsNil() {
		panic(name + " must not be nil")
	}
}

// Go starts a goroutine that recovers from panic, so a single bad
// worker cannot take down the whole process.
func Go(name string, f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("[safe.Go] %s panic recovered: %v", name, errs.ErrPanic(r))
			}
		}()
		f()
	}()
}

package events

import (
	"fmt"
	"runtime"
	"strings"
)

// PanicError is produced when a handler panics.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap exposes panics raised with an error value.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// Protect runs fn and converts a panic into a *PanicError.
func Protect(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			full := make([]byte, 8096)
			n := runtime.Stack(full, false)
			err = &PanicError{Value: r, Stack: cleanStackTrace(full[:n])}
		}
	}()
	return fn()
}

func cleanStackTrace(stack []byte) []byte {
	lines := strings.Split(string(stack), "\n")

	panicLineIndex := -1
	for i, line := range lines {
		if strings.Contains(line, "panic(") {
			panicLineIndex = i
			break
		}
	}

	// drop the panic() frame and its file reference
	if panicLineIndex >= 0 && panicLineIndex+2 < len(lines) {
		lines = lines[panicLineIndex+2:]
	}

	return []byte(strings.Join(lines, "\n"))
}

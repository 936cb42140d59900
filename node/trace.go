package node

import (
	"fmt"
	"runtime"
	"strings"
)

const modulePrefix = "proxy-rmi/"

// hiddenFrame reports frames of this library and of the Go runtime, which are
// stripped from backtraces so that they point at caller code.
func hiddenFrame(f runtime.Frame) bool {
	if strings.HasSuffix(f.File, "_test.go") {
		return false
	}
	fn := f.Function
	return strings.HasPrefix(fn, modulePrefix) ||
		strings.HasPrefix(fn, "runtime.") ||
		strings.HasPrefix(fn, "reflect.") ||
		strings.HasPrefix(fn, "testing.")
}

// callerTrace returns the filtered stack of the calling goroutine.
func callerTrace(skip int) []string {
	pcs := make([]uintptr, 64)
	n := runtime.Callers(skip+2, pcs)
	return formatFrames(pcs[:n])
}

func formatFrames(pcs []uintptr) []string {
	var out []string
	frames := runtime.CallersFrames(pcs)
	for {
		f, more := frames.Next()
		if f.Function != "" && !hiddenFrame(f) {
			out = append(out, fmt.Sprintf("%s %s:%d", f.Function, f.File, f.Line))
		}
		if !more {
			return out
		}
	}
}

// funcTrace names the function at pc as a one-frame backtrace, used for
// errors returned (rather than panicked) by a method.
func funcTrace(pc uintptr) []string {
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return nil
	}
	file, line := fn.FileLine(fn.Entry())
	return []string{fmt.Sprintf("%s %s:%d", fn.Name(), file, line)}
}

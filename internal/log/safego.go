package log

import (
	"fmt"
	"runtime/debug"
)

// SafeGo runs fn on a new goroutine. A panic inside fn is recovered and
// logged under CatLoop with its stack instead of crashing the process.
func SafeGo(name string, fn func()) {
	go func() {
		defer Recover(name)
		fn()
	}()
}

// Recover logs a recovered panic. It must be called directly via defer.
func Recover(name string) {
	if r := recover(); r != nil {
		Error(CatLoop, "goroutine panicked",
			"goroutine", name,
			"panic", fmt.Sprint(r),
			"stack", string(debug.Stack()))
	}
}

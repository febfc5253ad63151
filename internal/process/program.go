package process

import "context"

// WaitMode says what a step waits for after its Run returns.
type WaitMode int

const (
	// WaitNone continues with the next step on the following loop turn.
	WaitNone WaitMode = iota
	// WaitImmediate enters WAITING on a signal that is already resolved.
	WaitImmediate
	// WaitSignal enters WAITING until Resume is called.
	WaitSignal
)

// Step is one unit of a program.
type Step struct {
	Name string
	Run  func(ctx context.Context) error
	Wait WaitMode
}

// Program is the ordered list of steps a Machine executes.
type Program []Step

func noop(context.Context) error { return nil }

// Dummy runs RUNNING -> WAITING on an immediately resolved signal -> FINISHED.
func Dummy() Program {
	return Program{{Name: "dummy", Run: noop, Wait: WaitImmediate}}
}

// WaitForSignal runs RUNNING -> WAITING until Resume -> FINISHED.
func WaitForSignal() Program {
	return Program{{Name: "wait_for_signal", Run: noop, Wait: WaitSignal}}
}

// Failing runs RUNNING -> EXCEPTED with err as the exception.
func Failing(err error) Program {
	return Program{{Name: "failing", Run: func(context.Context) error { return err }}}
}

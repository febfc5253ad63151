package controller

import (
	"errors"
	"fmt"

	"github.com/zjrosen/procctl/internal/message"
)

// ErrRemote matches every *RemoteError via errors.Is.
var ErrRemote = errors.New("remote process rejected task")

// RemoteError is a failure response sent back by the target process.
type RemoteError struct {
	Pid     message.Pid
	Intent  message.Intent
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s on %s failed remotely: %s", e.Intent, e.Pid, e.Message)
}

// Is makes errors.Is(err, ErrRemote) true for any RemoteError.
func (e *RemoteError) Is(target error) bool {
	return target == ErrRemote
}

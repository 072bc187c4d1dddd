package acl

import "fmt"

// CallbackFunc runs on the runtime's callback workers once every command
// submitted before it has settled. A returned error or a panic fails the
// command. A callback must not synchronize the stream that runs it.
type CallbackFunc func() error

// LaunchCallback enqueues fn as a host callback command.
func (s *Stream) LaunchCallback(fn CallbackFunc) (*Task, error) {
	if fn == nil {
		return nil, newError(InvalidArgument, "stream.launch_callback", ErrNilArgument)
	}
	return s.enqueue("stream.launch_callback", &command{kind: HostCallback, callback: fn})
}

// runCallback hands fn to the worker pool and waits for its result, so the
// stream does not move on until the callback has returned.
func (s *Stream) runCallback(fn CallbackFunc) error {
	result, err := s.rt().callbacks.Submit(func() error { return fn() })
	if err != nil {
		return newError(InvalidHandle, "stream.callback", err)
	}
	// Panics arrive as worker.ErrPanic and fail the command like any error.
	if err := <-result; err != nil {
		return newError(DeviceExecutionFailed, "stream.callback", fmt.Errorf("%w: %w", ErrForeignCallback, err))
	}
	return nil
}

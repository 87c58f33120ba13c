package backend

import "context"

// Signal is a coalescing change notification: any number of Notify calls between two
// receives collapse into one.
type Signal struct {
	ch chan struct{}
}

// NewSignal returns a ready Signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{}, 1)}
}

// Notify marks the signal pending without blocking.
func (s *Signal) Notify() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// C returns the channel that receives pending notifications.
func (s *Signal) C() <-chan struct{} { return s.ch }

// Watch drives one subscription until ctx is done. It delivers fetch's result once up
// front and again after every notification. A fetch error, or an error received on failed,
// is reported through onError and ends the loop. Nothing is delivered once ctx is done.
func Watch(ctx context.Context, fetch func(context.Context) ([]Document, error), notify <-chan struct{}, failed <-chan error, onChange ChangeFunc, onError ErrorFunc) {
	deliver := func() bool {
		docs, err := fetch(ctx)
		if ctx.Err() != nil {
			return false
		}
		if err != nil {
			onError(err)
			return false
		}
		onChange(docs)
		return true
	}

	if !deliver() {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-failed:
			if !ok {
				failed = nil
				continue
			}
			if ctx.Err() == nil {
				onError(err)
			}
			return
		case <-notify:
			if !deliver() {
				return
			}
		}
	}
}

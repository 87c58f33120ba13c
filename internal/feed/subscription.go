package feed

import "sync"

// Subscription is one consumer's handle on a feed.
type Subscription struct {
	mode   Mode
	onData DataFunc
	detach func()

	cancelOnce sync.Once
	finishOnce sync.Once
	done       chan struct{}
}

func finishedSubscription(mode Mode) *Subscription {
	s := &Subscription{mode: mode, done: make(chan struct{})}
	s.finish()
	return s
}

// Mode is the transport the subscription was created on. A poll subscription is done as
// soon as its single snapshot has been delivered.
func (s *Subscription) Mode() Mode { return s.mode }

// Done is closed once no further automatic deliveries will happen: after Cancel, after the
// push transport failed and the fallback snapshot was delivered, or right away in poll mode.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Cancel detaches the consumer. The shared transport closes with its last consumer.
// Cancel is safe to call more than once.
func (s *Subscription) Cancel() {
	s.cancelOnce.Do(func() {
		if s.detach != nil {
			s.detach()
		}
		s.finish()
	})
}

func (s *Subscription) finish() {
	s.finishOnce.Do(func() { close(s.done) })
}

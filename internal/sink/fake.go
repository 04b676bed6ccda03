package sink

import "sync"

// Fake records published updates for test assertions.
type Fake struct {
	mu sync.Mutex

	Updates []Update
	// PublishError, if set, is returned by Publish.
	PublishError error
	Closed       bool
}

func NewFake() *Fake {
	return &Fake{}
}

func (f *Fake) Publish(u Update) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	f.Updates = append(f.Updates, u)
	return nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

// Snapshot returns a copy of the recorded updates.
func (f *Fake) Snapshot() []Update {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Update(nil), f.Updates...)
}

package channel

import "sync"

// DrawList is the ordered set of channels a frame driver shows every frame.
type DrawList struct {
	mu    sync.Mutex
	chans []*Channel
}

// Add appends c, detaching it from any list it was on first.
func (l *DrawList) Add(c *Channel) {
	c.RemoveFromDrawList()
	c.mu.Lock()
	c.list = l
	c.mu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.chans = append(l.chans, c)
}

func (l *DrawList) remove(c *Channel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, x := range l.chans {
		if x == c {
			l.chans = append(l.chans[:i], l.chans[i+1:]...)
			return
		}
	}
}

// Channels returns a snapshot in insertion order.
func (l *DrawList) Channels() []*Channel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Channel(nil), l.chans...)
}

func (l *DrawList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.chans)
}

// ByName returns the first channel with the given name.
func (l *DrawList) ByName(name string) *Channel {
	for _, c := range l.Channels() {
		if c.Name() == name {
			return c
		}
	}
	return nil
}

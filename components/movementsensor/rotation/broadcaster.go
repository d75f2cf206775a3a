package rotation

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"go.viam.com/rotationfusion/spatialmath"
)

// ErrSubscriberFull is returned by Emit when at least one subscriber had no room for the matrix.
var ErrSubscriberFull = errors.New("rotation subscriber buffer full")

// Broadcaster fans emitted matrices out to any number of subscriber channels without ever
// blocking the sample path.
type Broadcaster struct {
	buffer int

	mu     sync.Mutex
	nextID int
	subs   map[int]chan spatialmath.RotationMatrix
	closed bool

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewBroadcaster returns a broadcaster whose subscriber channels hold buffer matrices.
func NewBroadcaster(buffer int) *Broadcaster {
	return &Broadcaster{buffer: buffer, subs: map[int]chan spatialmath.RotationMatrix{}}
}

// Subscribe registers a new channel. The channel is closed by Unsubscribe or Close.
func (b *Broadcaster) Subscribe() (int, <-chan spatialmath.RotationMatrix) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan spatialmath.RotationMatrix, b.buffer)
	if b.closed {
		close(ch)
		return -1, ch
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	return id, ch
}

// Unsubscribe removes and closes a channel and returns how many subscribers remain.
func (b *Broadcaster) Unsubscribe(id int) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
	return len(b.subs)
}

// Len returns the number of subscribers.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Emit offers m to every subscriber. Subscribers with a full buffer miss it.
func (b *Broadcaster) Emit(m spatialmath.RotationMatrix) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var missed int
	for _, ch := range b.subs {
		select {
		case ch <- m:
			b.delivered.Inc()
		default:
			b.dropped.Inc()
			missed++
		}
	}
	if missed > 0 {
		return errors.Wrapf(ErrSubscriberFull, "%d of %d subscribers missed a rotation", missed, len(b.subs))
	}
	return nil
}

// Delivered returns how many matrices reached a subscriber.
func (b *Broadcaster) Delivered() uint64 {
	return b.delivered.Load()
}

// Dropped returns how many matrices a subscriber missed.
func (b *Broadcaster) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel. Later subscribers get an already closed channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	b.closed = true
}

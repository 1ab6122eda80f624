package camera

import (
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/camlink/internal/protocol"
)

// NumSlots is the fixed number of frame buffers per connection.
const NumSlots = 3

const noSlot = -1

// SlotStatus is the externally visible state of one slot.
type SlotStatus int

const (
	SlotFree SlotStatus = iota
	SlotBusy
)

func (s SlotStatus) String() string {
	if s == SlotBusy {
		return "busy"
	}
	return "free"
}

// Frame is one complete image payload as handed to the consumer.
type Frame struct {
	Seq        uint64
	ReceivedAt time.Time
	Data       []byte
}

// slot is Busy while the receiver writes it or while any lease reads it.
// "Free" means available for a future read or overwrite, not empty.
type slot struct {
	payload    []byte
	seq        uint64
	receivedAt time.Time
	writing    bool
	readers    int
}

func (s *slot) status() SlotStatus {
	if s.writing || s.readers > 0 {
		return SlotBusy
	}
	return SlotFree
}

// Pool is the triple-buffered hand-off between the receive loop and the consumer.
//
// Thread-safety:
//   - all slot bookkeeping and latest are guarded by mu
//   - mu is held for O(1) bookkeeping only, never for I/O or payload copies
//   - exactly one producer (the receive loop) calls SelectSlotToFill/Publish/Abandon
type Pool struct {
	mu     sync.Mutex
	slots  [NumSlots]slot
	latest int
	seq    uint64

	published uint64
	abandoned uint64
	dropped   uint64
	taken     uint64
}

func NewPool() *Pool {
	return &Pool{latest: noSlot}
}

// SelectSlotToFill returns the first free slot other than the freshest one,
// marked busy for writing. It fails with protocol.ErrPoolExhausted when leases
// pin every other slot, e.g. two consumers copying at once while a third slot
// holds the freshest frame. The receive loop drops the frame in that case.
func (p *Pool) SelectSlotToFill() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.slots {
		if i == p.latest {
			continue
		}
		if p.slots[i].status() == SlotFree {
			p.slots[i].writing = true
			return i, nil
		}
	}
	return noSlot, fmt.Errorf("%w: latest=%d statuses=%v", protocol.ErrPoolExhausted, p.latest, p.statusesLocked())
}

// Release drops the payload of a slot the producer holds for writing so the
// old frame can be collected before the next one is read.
func (p *Pool) Release(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !validIndex(index) || !p.slots[index].writing {
		return
	}
	p.slots[index].payload = nil
}

// Publish stores payload in a slot held for writing and makes it the freshest frame.
func (p *Pool) Publish(index int, payload []byte) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !validIndex(index) {
		return 0, fmt.Errorf("camera: publish slot %d out of range", index)
	}
	s := &p.slots[index]
	if !s.writing {
		return 0, fmt.Errorf("camera: publish slot %d not held for writing", index)
	}
	p.seq++
	s.payload = payload
	s.seq = p.seq
	s.receivedAt = time.Now()
	s.writing = false
	p.latest = index
	p.published++
	return s.seq, nil
}

// Abandon returns a slot held for writing without publishing it.
func (p *Pool) Abandon(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !validIndex(index) || !p.slots[index].writing {
		return
	}
	p.slots[index].writing = false
	p.slots[index].payload = nil
	p.abandoned++
}

// Drop counts a frame the producer read but could not store. It returns the
// running total.
func (p *Pool) Drop() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dropped++
	return p.dropped
}

// Lease is a read hold on the freshest slot at acquire time. The slot stays
// busy, so the producer will not overwrite it, until Release.
type Lease struct {
	pool  *Pool
	index int
	frame Frame
	once  sync.Once
}

// Frame returns the leased frame. Data must not be modified or retained after Release.
func (l *Lease) Frame() Frame { return l.frame }

// Release is idempotent.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.pool.mu.Lock()
		defer l.pool.mu.Unlock()
		if l.pool.slots[l.index].readers > 0 {
			l.pool.slots[l.index].readers--
		}
	})
}

// Acquire leases the freshest slot. It reports false when nothing has been published.
func (p *Pool) Acquire() (*Lease, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.latest == noSlot {
		return nil, false
	}
	s := &p.slots[p.latest]
	s.readers++
	p.taken++
	return &Lease{
		pool:  p,
		index: p.latest,
		frame: Frame{Seq: s.seq, ReceivedAt: s.receivedAt, Data: s.payload},
	}, true
}

// TakeLatest returns a copy of the freshest frame.
func (p *Pool) TakeLatest() (Frame, bool) {
	lease, ok := p.Acquire()
	if !ok {
		return Frame{}, false
	}
	defer lease.Release()
	f := lease.Frame()
	data := make([]byte, len(f.Data))
	copy(data, f.Data)
	f.Data = data
	return f, true
}

// PoolStats is a point-in-time snapshot of pool bookkeeping.
type PoolStats struct {
	Published uint64
	Abandoned uint64
	Dropped   uint64
	Taken     uint64
	LatestSeq uint64
	Latest    int
	Slots     [NumSlots]SlotStatus
}

func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := PoolStats{
		Published: p.published,
		Abandoned: p.abandoned,
		Dropped:   p.dropped,
		Taken:     p.taken,
		Latest:    p.latest,
		Slots:     p.statusesLocked(),
	}
	if p.latest != noSlot {
		out.LatestSeq = p.slots[p.latest].seq
	}
	return out
}

// Reset drops every payload. Callers must ensure the producer has stopped.
// Outstanding leases keep their Frame data; it is simply no longer pooled.
func (p *Pool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.slots {
		p.slots[i].payload = nil
		p.slots[i].writing = false
	}
	p.latest = noSlot
}

func (p *Pool) statusesLocked() [NumSlots]SlotStatus {
	var out [NumSlots]SlotStatus
	for i := range p.slots {
		out[i] = p.slots[i].status()
	}
	return out
}

func validIndex(i int) bool {
	return i >= 0 && i < NumSlots
}

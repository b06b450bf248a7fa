package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SlotState is the ownership state of one box
type SlotState int

// Box states. A box only moves Free → Reserved → (Running →) Cleaning → Free,
// or to Quarantined when its cleanup failed.
const (
	SlotFree SlotState = iota
	SlotReserved
	SlotRunning
	SlotCleaning
	SlotQuarantined
)

func (s SlotState) String() string {
	switch s {
	case SlotFree:
		return "free"
	case SlotReserved:
		return "reserved"
	case SlotRunning:
		return "running"
	case SlotCleaning:
		return "cleaning"
	case SlotQuarantined:
		return "quarantined"
	default:
		return fmt.Sprintf("SlotState(%d)", int(s))
	}
}

var allowedTransitions = map[SlotState][]SlotState{
	SlotReserved: {SlotRunning, SlotCleaning},
	SlotRunning:  {SlotCleaning},
}

type slot struct {
	id         int
	state      SlotState
	generation uint64
	workDir    string
}

// Lease is exclusive ownership of one box, handed out by Acquire.
type Lease struct {
	// ID is the box id passed to the isolation primitive.
	ID int

	index      int
	generation uint64
}

// PoolStats is a snapshot of box states
type PoolStats struct {
	Size        int
	Free        int
	Reserved    int
	Running     int
	Cleaning    int
	Quarantined int
}

// InUse returns the number of boxes held by in-flight executions
func (s PoolStats) InUse() int {
	return s.Reserved + s.Running + s.Cleaning
}

// BoxPool hands out a fixed set of box ids to concurrent executions so that no
// two executions ever hold the same id at once.
type BoxPool struct {
	logger         *zap.Logger
	acquireTimeout time.Duration

	mu    sync.Mutex
	slots []slot
	free  chan int // indexes into slots
}

// NewBoxPool creates a pool of size boxes numbered firstID..firstID+size-1.
// An acquireTimeout of zero waits until the context is done.
func NewBoxPool(logger *zap.Logger, firstID, size int, acquireTimeout time.Duration) (*BoxPool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("pool size must be positive, got: %d", size)
	}
	if firstID < 0 {
		return nil, fmt.Errorf("first box id must not be negative, got: %d", firstID)
	}

	p := &BoxPool{
		logger:         logger,
		acquireTimeout: acquireTimeout,
		slots:          make([]slot, size),
		free:           make(chan int, size),
	}
	for i := range p.slots {
		p.slots[i] = slot{id: firstID + i, state: SlotFree}
		p.free <- i
	}
	return p, nil
}

// Size returns the fixed number of boxes
func (p *BoxPool) Size() int {
	return len(p.slots)
}

// IDs returns every box id managed by the pool
func (p *BoxPool) IDs() []int {
	ids := make([]int, len(p.slots))
	for i := range p.slots {
		ids[i] = p.slots[i].id
	}
	return ids
}

// Acquire blocks until a box is free and reserves it for the caller.
// It fails with ErrPoolExhausted after the acquire timeout and with the
// context error when ctx is done; neither case changes pool state.
func (p *BoxPool) Acquire(ctx context.Context) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var timeout <-chan time.Time
	if p.acquireTimeout > 0 {
		timer := time.NewTimer(p.acquireTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case idx := <-p.free:
		if err := ctx.Err(); err != nil {
			// Never blocks: idx was just taken from the channel
			p.free <- idx
			return nil, err
		}
		return p.reserve(idx), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout:
		return nil, fmt.Errorf("%w: no box free after %s", ErrPoolExhausted, p.acquireTimeout)
	}
}

func (p *BoxPool) reserve(idx int) *Lease {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := &p.slots[idx]
	if s.state != SlotFree {
		// The free channel only ever carries free boxes
		panic(fmt.Sprintf("box %d handed out in state %s", s.id, s.state))
	}
	s.state = SlotReserved
	s.generation++
	return &Lease{ID: s.id, index: idx, generation: s.generation}
}

// owned returns the slot behind a lease if the lease still owns it.
// Caller must hold p.mu.
func (p *BoxPool) owned(lease *Lease) (*slot, error) {
	if lease == nil || lease.index < 0 || lease.index >= len(p.slots) {
		return nil, fmt.Errorf("%w: unknown lease", ErrNotOwner)
	}
	s := &p.slots[lease.index]
	if s.generation != lease.generation || s.state == SlotFree || s.state == SlotQuarantined {
		return nil, fmt.Errorf("%w: box %d (state %s)", ErrNotOwner, s.id, s.state)
	}
	return s, nil
}

// Transition moves an owned box to the next state of its execution
func (p *BoxPool) Transition(lease *Lease, to SlotState) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.owned(lease)
	if err != nil {
		return err
	}
	for _, next := range allowedTransitions[s.state] {
		if next == to {
			s.state = to
			return nil
		}
	}
	return fmt.Errorf("invalid box %d transition %s -> %s", s.id, s.state, to)
}

// State returns the current state of an owned box
func (p *BoxPool) State(lease *Lease) (SlotState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.owned(lease)
	if err != nil {
		return SlotFree, err
	}
	return s.state, nil
}

// SetWorkDir records the box working directory for diagnostics
func (p *BoxPool) SetWorkDir(lease *Lease, dir string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.owned(lease)
	if err != nil {
		return err
	}
	s.workDir = dir
	return nil
}

// Release returns a cleaned box to the pool. The box must be in Cleaning and
// owned by lease; anything else is a programming error reported as ErrNotOwner.
func (p *BoxPool) Release(lease *Lease) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.owned(lease)
	if err != nil {
		return err
	}
	if s.state != SlotCleaning {
		return fmt.Errorf("%w: box %d released in state %s", ErrNotOwner, s.id, s.state)
	}
	s.state = SlotFree
	s.workDir = ""
	// Never blocks: the channel has room for every box
	p.free <- lease.index
	return nil
}

// Quarantine takes an owned box out of rotation because it could not be
// cleaned. The pool shrinks by one until the process restarts.
func (p *BoxPool) Quarantine(lease *Lease, reason error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.owned(lease)
	if err != nil {
		return err
	}
	s.state = SlotQuarantined
	p.logger.Error("box quarantined",
		zap.Int("box_id", s.id),
		zap.String("work_dir", s.workDir),
		zap.Error(reason))
	return nil
}

// Stats returns a snapshot of box states
func (p *BoxPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := PoolStats{Size: len(p.slots)}
	for i := range p.slots {
		switch p.slots[i].state {
		case SlotFree:
			st.Free++
		case SlotReserved:
			st.Reserved++
		case SlotRunning:
			st.Running++
		case SlotCleaning:
			st.Cleaning++
		case SlotQuarantined:
			st.Quarantined++
		}
	}
	return st
}

// Package memory provides the hierarchical memory pool tree used by task
// execution: one pool per task, with child pools per plan node and
// grandchild pools per operator. Pools track reservations and expose a
// reclaim protocol that lets an external arbitrator release memory from
// running operators, typically by forcing a spill.
//
// Pools use their own locking and never take task-level locks; reclaim
// coordination with running drivers happens through task pause/resume, not
// through the pool tree.
package memory

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/atomic"
)

var (
	// ErrPoolAborted is wrapped by errors returned from operations on a pool
	// whose subtree has been aborted.
	ErrPoolAborted = errors.New("memory pool aborted")

	// ErrCapacityExceeded is returned by Reserve when the root capacity
	// would be exceeded.
	ErrCapacityExceeded = errors.New("memory pool capacity exceeded")
)

// Stats accumulates the outcome of reclaim operations across a pool subtree.
type Stats struct {
	// NumNonReclaimableAttempts counts pools that were asked to reclaim but
	// had nothing reclaimable.
	NumNonReclaimableAttempts int

	// ReclaimWaitTime is time spent waiting for the owning task to pause.
	ReclaimWaitTime time.Duration

	// ReclaimExecTime is time spent running reclaimers.
	ReclaimExecTime time.Duration

	ReclaimedBytes int64

	// SpilledBytes and SpilledFiles record spill activity performed by
	// operator reclaimers.
	SpilledBytes int64
	SpilledFiles int64
}

// Add merges other into s.
func (s *Stats) Add(other Stats) {
	s.NumNonReclaimableAttempts += other.NumNonReclaimableAttempts
	s.ReclaimWaitTime += other.ReclaimWaitTime
	s.ReclaimExecTime += other.ReclaimExecTime
	s.ReclaimedBytes += other.ReclaimedBytes
	s.SpilledBytes += other.SpilledBytes
	s.SpilledFiles += other.SpilledFiles
}

// Empty reports whether no reclaim or spill activity has been recorded.
func (s Stats) Empty() bool {
	return s == Stats{}
}

// Reclaimer releases memory from the subtree rooted at a pool. Leaf pools
// owned by operators install reclaimers that spill; aggregate pools without
// a reclaimer fall back to the generic tree walk.
type Reclaimer interface {
	// ReclaimableBytes returns the number of bytes that can currently be
	// reclaimed from pool, and whether the pool is reclaimable at all.
	ReclaimableBytes(pool *Pool) (int64, bool)

	// Reclaim releases up to targetBytes from pool, recording activity in
	// stats. It returns the number of bytes actually reclaimed.
	Reclaim(pool *Pool, targetBytes int64, maxWait time.Duration, stats *Stats) (int64, error)

	// Abort propagates a fatal error into pool's subtree. Implementations
	// must not block indefinitely.
	Abort(pool *Pool, err error)
}

// PoolOptions configures a pool created by NewPool or Pool.AddChild.
type PoolOptions struct {
	// MaxCapacity bounds reservations against the subtree rooted at this
	// pool. Zero means unbounded. Only consulted on the pool it is set on.
	MaxCapacity int64

	// Reclaimer handles reclaim and abort for this pool. Nil aggregate
	// pools use the generic child walk.
	Reclaimer Reclaimer
}

// Pool is one node of the memory pool tree.
type Pool struct {
	name      string
	parent    *Pool
	opts      PoolOptions
	reserved atomic.Int64 // includes children
	peak     atomic.Int64

	mu       sync.Mutex
	children map[string]*Pool
	aborted  error
	closed   bool
}

// NewPool creates a root pool.
func NewPool(name string, opts PoolOptions) *Pool {
	return &Pool{
		name:     name,
		opts:     opts,
		children: make(map[string]*Pool),
	}
}

// AddChild creates a child pool. Child names must be unique within a parent.
func (p *Pool) AddChild(name string, opts PoolOptions) (*Pool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, fmt.Errorf("adding child %q: pool %q is closed", name, p.name)
	}
	if _, ok := p.children[name]; ok {
		return nil, fmt.Errorf("child pool %q already exists under %q", name, p.name)
	}
	child := &Pool{
		name:     name,
		parent:   p,
		opts:     opts,
		children: make(map[string]*Pool),
	}
	p.children[name] = child
	return child, nil
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.name }

// Parent returns the parent pool, or nil for the root.
func (p *Pool) Parent() *Pool { return p.parent }

// Root returns the root of the tree p belongs to.
func (p *Pool) Root() *Pool {
	root := p
	for root.parent != nil {
		root = root.parent
	}
	return root
}

// Reserve accounts bytes against this pool and every ancestor. It fails if
// the subtree has been aborted or a capacity bound would be exceeded.
func (p *Pool) Reserve(bytes int64) error {
	if err := p.abortedErr(); err != nil {
		return err
	}
	for node := p; node != nil; node = node.parent {
		if cap := node.opts.MaxCapacity; cap > 0 && node.reserved.Load()+bytes > cap {
			// Undo the partial walk.
			for undo := p; undo != node; undo = undo.parent {
				undo.reserved.Sub(bytes)
			}
			return fmt.Errorf("%w: pool %q: reserving %s on top of %s exceeds capacity %s",
				ErrCapacityExceeded, node.name,
				humanize.IBytes(uint64(bytes)),
				humanize.IBytes(uint64(node.reserved.Load())),
				humanize.IBytes(uint64(cap)))
		}
		updated := node.reserved.Add(bytes)
		if updated > node.peak.Load() {
			node.peak.Store(updated)
		}
	}
	return nil
}

// Release returns bytes to this pool and every ancestor.
func (p *Pool) Release(bytes int64) {
	for node := p; node != nil; node = node.parent {
		node.reserved.Sub(bytes)
	}
}

// ReservedBytes returns the bytes currently reserved in the subtree.
func (p *Pool) ReservedBytes() int64 { return p.reserved.Load() }

// PeakBytes returns the high-water reservation mark of the subtree.
func (p *Pool) PeakBytes() int64 { return p.peak.Load() }

func (p *Pool) abortedErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.aborted != nil {
		return fmt.Errorf("%w: pool %q: %v", ErrPoolAborted, p.name, p.aborted)
	}
	return nil
}

// AbortError returns the error the pool was aborted with, if any.
func (p *Pool) AbortError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.aborted
}

func (p *Pool) childSnapshot() []*Pool {
	p.mu.Lock()
	defer p.mu.Unlock()
	children := make([]*Pool, 0, len(p.children))
	for _, c := range p.children {
		children = append(children, c)
	}
	sort.Slice(children, func(i, j int) bool { return children[i].name < children[j].name })
	return children
}

// ReclaimableBytes returns how many bytes could be reclaimed from the
// subtree, and whether any pool in it is reclaimable.
func (p *Pool) ReclaimableBytes() (int64, bool) {
	if r := p.opts.Reclaimer; r != nil {
		return r.ReclaimableBytes(p)
	}
	return p.ChildrenReclaimableBytes()
}

// ChildrenReclaimableBytes runs the generic child walk regardless of an
// installed reclaimer. Reclaimers that coordinate with an owner (the task
// reclaimer) call it to avoid delegating back to themselves.
func (p *Pool) ChildrenReclaimableBytes() (int64, bool) {
	var (
		total       int64
		reclaimable bool
	)
	for _, child := range p.childSnapshot() {
		bytes, ok := child.ReclaimableBytes()
		if ok {
			reclaimable = true
			total += bytes
		}
	}
	return total, reclaimable
}

// Reclaim releases up to targetBytes from the subtree. A pool with an
// installed reclaimer delegates to it; otherwise children are visited in
// descending reclaimable order until the target is met. A zero target
// reclaims everything reclaimable.
func (p *Pool) Reclaim(targetBytes int64, maxWait time.Duration, stats *Stats) (int64, error) {
	if r := p.opts.Reclaimer; r != nil {
		return r.Reclaim(p, targetBytes, maxWait, stats)
	}
	return p.ReclaimFromChildren(targetBytes, maxWait, stats)
}

// ReclaimFromChildren visits children in descending reclaimable order until
// the target is met, regardless of an installed reclaimer on p itself.
func (p *Pool) ReclaimFromChildren(targetBytes int64, maxWait time.Duration, stats *Stats) (int64, error) {
	children := p.childSnapshot()
	type candidate struct {
		pool  *Pool
		bytes int64
	}
	candidates := make([]candidate, 0, len(children))
	for _, child := range children {
		bytes, ok := child.ReclaimableBytes()
		if !ok {
			continue
		}
		candidates = append(candidates, candidate{pool: child, bytes: bytes})
	}
	if len(candidates) == 0 {
		stats.NumNonReclaimableAttempts++
		return 0, nil
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].bytes > candidates[j].bytes })

	var reclaimed int64
	for _, c := range candidates {
		remaining := int64(0)
		if targetBytes > 0 {
			remaining = targetBytes - reclaimed
			if remaining <= 0 {
				break
			}
		}
		bytes, err := c.pool.Reclaim(remaining, maxWait, stats)
		reclaimed += bytes
		// Bytes released through a child's own reclaimer are accounted
		// here; reclaimer-less children already accounted through their
		// nested child walk.
		if c.pool.opts.Reclaimer != nil {
			stats.ReclaimedBytes += bytes
		}
		if err != nil {
			return reclaimed, err
		}
	}
	return reclaimed, nil
}

// Abort marks the subtree aborted and propagates the error through installed
// reclaimers. Aborting an already aborted pool keeps the first error.
func (p *Pool) Abort(err error) {
	p.mu.Lock()
	if p.aborted == nil {
		p.aborted = err
	}
	p.mu.Unlock()

	if r := p.opts.Reclaimer; r != nil {
		r.Abort(p, err)
	}
	for _, child := range p.childSnapshot() {
		child.Abort(err)
	}
}

// Close detaches the pool from its parent. Closing a pool with outstanding
// reservations or live children is an error: during task teardown pools must
// outlive the drivers using them.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("pool %q already closed", p.name)
	}
	if len(p.children) > 0 {
		n := len(p.children)
		p.mu.Unlock()
		return fmt.Errorf("closing pool %q with %d live child pools", p.name, n)
	}
	if reserved := p.reserved.Load(); reserved != 0 {
		p.mu.Unlock()
		return fmt.Errorf("closing pool %q with %s still reserved", p.name, humanize.IBytes(uint64(reserved)))
	}
	p.closed = true
	p.mu.Unlock()
	if parent := p.parent; parent != nil {
		parent.mu.Lock()
		delete(parent.children, p.name)
		parent.mu.Unlock()
	}
	return nil
}

// TreeMemoryUsage renders the subtree usage for diagnostics.
func (p *Pool) TreeMemoryUsage() string {
	var sb strings.Builder
	p.writeUsage(&sb, 0)
	return sb.String()
}

func (p *Pool) writeUsage(sb *strings.Builder, depth int) {
	sb.WriteString(strings.Repeat("  ", depth))
	fmt.Fprintf(sb, "%s: reserved %s peak %s\n",
		p.name,
		humanize.IBytes(uint64(max64(0, p.reserved.Load()))),
		humanize.IBytes(uint64(max64(0, p.peak.Load()))))
	for _, child := range p.childSnapshot() {
		child.writeUsage(sb, depth+1)
	}
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

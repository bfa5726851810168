package exec

import (
	"errors"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/util"
	"github.com/cespare/xxhash/v2"

	"github.com/quiverdb/quiver/pkg/engine/future"
)

// ErrLocalExchangeClosed is returned to producers of a torn-down exchange.
var ErrLocalExchangeClosed = errors.New("local exchange closed")

// HashPartition maps a partitioning key to a partition index.
func HashPartition(key []byte, numPartitions int) int {
	if numPartitions <= 1 {
		return 0
	}
	return int(xxhash.Sum64(key) % uint64(numPartitions))
}

// localExchangeMemoryManager enforces the shared byte budget of one local
// exchange. Producers that push the usage over the budget receive a future
// that resolves when consumers drain below it.
type localExchangeMemoryManager struct {
	mu       sync.Mutex
	maxBytes int64
	bytes    int64
	promises []*future.Promise
}

// increase accounts bytes in and reports whether the producer must wait,
// returning the wait future if so.
func (m *localExchangeMemoryManager) increase(bytes int64) (bool, *future.Future) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bytes += bytes
	if m.bytes <= m.maxBytes {
		return false, nil
	}
	promise, f := future.Make("localExchangeMemoryManager.increase")
	m.promises = append(m.promises, promise)
	return true, f
}

// decrease accounts bytes out and wakes waiting producers once usage drops
// back under the budget.
func (m *localExchangeMemoryManager) decrease(bytes int64) {
	m.mu.Lock()
	m.bytes -= bytes
	var promises []*future.Promise
	if m.bytes <= m.maxBytes {
		promises = m.promises
		m.promises = nil
	}
	m.mu.Unlock()

	for _, p := range promises {
		p.Complete()
	}
}

// localExchangeQueue is one consumer partition's batch queue.
type localExchangeQueue struct {
	batches  []arrow.Record
	promises []*future.Promise
}

// LocalExchange moves batches between the pipelines of one task: producers
// append to per-partition queues under a shared byte budget, consumers
// drain their partition. The exchange finishes for a consumer once its
// queue is empty and every producer reported done.
type LocalExchange struct {
	mu            sync.Mutex
	queues        []localExchangeQueue
	openProducers int
	closed        bool

	mem localExchangeMemoryManager
}

// NewLocalExchange creates an exchange with the given consumer partition
// count, producer count and shared byte budget.
func NewLocalExchange(numPartitions, numProducers int, maxBytes int64) *LocalExchange {
	return &LocalExchange{
		queues:        make([]localExchangeQueue, numPartitions),
		openProducers: numProducers,
		mem:           localExchangeMemoryManager{maxBytes: maxBytes},
	}
}

// NumPartitions returns the number of consumer partitions.
func (e *LocalExchange) NumPartitions() int { return len(e.queues) }

// Enqueue appends a batch to a partition, taking over the caller's record
// reference. When the exchange is over budget the returned future tells the
// producer when to resume.
func (e *LocalExchange) Enqueue(partition int, rec arrow.Record) (*future.Future, error) {
	bytes := util.TotalRecordSize(rec)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		rec.Release()
		return nil, ErrLocalExchangeClosed
	}
	q := &e.queues[partition]
	q.batches = append(q.batches, rec)
	promise := popPromise(&q.promises)
	e.mu.Unlock()

	if promise != nil {
		promise.Complete()
	}

	over, fut := e.mem.increase(bytes)
	if over {
		return fut, nil
	}
	return nil, nil
}

// Next returns the partition's next batch. A nil record with a nil future
// means the partition is drained for good; a future means the consumer must
// wait for producers.
func (e *LocalExchange) Next(partition int) (arrow.Record, *future.Future, error) {
	e.mu.Lock()
	q := &e.queues[partition]
	if len(q.batches) > 0 {
		rec := q.batches[0]
		q.batches = q.batches[1:]
		e.mu.Unlock()

		e.mem.decrease(util.TotalRecordSize(rec))
		return rec, nil, nil
	}
	if e.closed {
		e.mu.Unlock()
		return nil, nil, ErrLocalExchangeClosed
	}
	if e.openProducers == 0 {
		e.mu.Unlock()
		return nil, nil, nil
	}
	promise, f := future.Make("LocalExchange.Next")
	q.promises = append(q.promises, promise)
	e.mu.Unlock()
	return nil, f, nil
}

// ProducerFinished records one producer's completion. The last producer
// wakes every waiting consumer so they can observe the drain.
func (e *LocalExchange) ProducerFinished() {
	var promises []*future.Promise

	e.mu.Lock()
	e.openProducers--
	if e.openProducers == 0 {
		for i := range e.queues {
			promises = append(promises, e.queues[i].promises...)
			e.queues[i].promises = nil
		}
	}
	e.mu.Unlock()

	for _, p := range promises {
		p.Complete()
	}
}

// Close releases all queued batches and wakes everyone. Used at split-group
// teardown and task terminate.
func (e *LocalExchange) Close() {
	var promises []*future.Promise
	var released int64

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	for i := range e.queues {
		q := &e.queues[i]
		for _, rec := range q.batches {
			released += util.TotalRecordSize(rec)
			rec.Release()
		}
		q.batches = nil
		promises = append(promises, q.promises...)
		q.promises = nil
	}
	e.mu.Unlock()

	if released > 0 {
		e.mem.decrease(released)
	}
	for _, p := range promises {
		p.Complete()
	}
}

func popPromise(promises *[]*future.Promise) *future.Promise {
	ps := *promises
	if len(ps) == 0 {
		return nil
	}
	p := ps[len(ps)-1]
	*promises = ps[:len(ps)-1]
	return p
}

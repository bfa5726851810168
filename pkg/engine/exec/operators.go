package exec

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/quiverdb/quiver/pkg/engine/future"
	"github.com/quiverdb/quiver/pkg/engine/physical"
)

// baseOperator carries the identity shared by the in-module structural
// operators.
type baseOperator struct {
	operatorID int
	planNodeID string
	opType     string
}

func (b *baseOperator) OperatorID() int    { return b.operatorID }
func (b *baseOperator) PlanNodeID() string { return b.planNodeID }
func (b *baseOperator) Type() string       { return b.opType }

// blockedOn tracks one outstanding blocking future, cleared once realized.
type blockedOn struct {
	reason BlockingReason
	fut    *future.Future
}

func (b *blockedOn) set(reason BlockingReason, fut *future.Future) {
	if fut != nil {
		b.reason, b.fut = reason, fut
	}
}

func (b *blockedOn) check() (BlockingReason, *future.Future) {
	if b.fut == nil {
		return NotBlocked, nil
	}
	if b.fut.Done() {
		b.fut = nil
		return NotBlocked, nil
	}
	return b.reason, b.fut
}

// localPartitionProducer is the final operator of a pipeline feeding a
// local exchange. Batches are distributed round-robin; partition-aware
// repartitioning belongs to upstream operators using HashPartition.
type localPartitionProducer struct {
	baseOperator
	dctx *DriverContext
	node *physical.LocalPartitionNode

	ex        *LocalExchange
	blocked   blockedOn
	input     arrow.Record
	nextIndex int
	noMore    bool
	finished  bool
}

func newLocalPartitionProducer(dctx *DriverContext, operatorID int, node *physical.LocalPartitionNode) *localPartitionProducer {
	return &localPartitionProducer{
		baseOperator: baseOperator{operatorID, string(node.ID()), "LocalPartition"},
		dctx:         dctx,
		node:         node,
	}
}

func (o *localPartitionProducer) exchange() (*LocalExchange, error) {
	if o.ex == nil {
		ex, err := o.dctx.Task.GetLocalExchange(o.dctx.SplitGroupID, o.node.ID())
		if err != nil {
			return nil, err
		}
		o.ex = ex
	}
	return o.ex, nil
}

func (o *localPartitionProducer) IsBlocked() (BlockingReason, *future.Future) { return o.blocked.check() }
func (o *localPartitionProducer) NeedsInput() bool                            { return o.input == nil && !o.noMore }
func (o *localPartitionProducer) AddInput(rec arrow.Record)                   { o.input = rec }
func (o *localPartitionProducer) NoMoreInput()                                { o.noMore = true }
func (o *localPartitionProducer) IsFinished() bool                            { return o.finished }

func (o *localPartitionProducer) GetOutput() (arrow.Record, error) {
	ex, err := o.exchange()
	if err != nil {
		return nil, err
	}
	if o.input != nil {
		partition := o.nextIndex % ex.NumPartitions()
		o.nextIndex++
		fut, err := ex.Enqueue(partition, o.input)
		o.input = nil
		if err != nil {
			return nil, err
		}
		o.blocked.set(BlockedWaitForConsumer, fut)
		return nil, nil
	}
	if o.noMore && !o.finished {
		ex.ProducerFinished()
		o.finished = true
	}
	return nil, nil
}

func (o *localPartitionProducer) Close() error {
	if o.input != nil {
		o.input.Release()
		o.input = nil
	}
	if !o.finished && o.ex != nil {
		// Closed by the task mid-stream; consumers must still observe the
		// producer count draining.
		o.ex.ProducerFinished()
		o.finished = true
	}
	return nil
}

// localExchangeConsumer is the source operator of a pipeline reading one
// partition of a local exchange.
type localExchangeConsumer struct {
	baseOperator
	dctx *DriverContext
	node *physical.LocalPartitionNode

	ex       *LocalExchange
	blocked  blockedOn
	finished bool
}

func newLocalExchangeConsumer(dctx *DriverContext, operatorID int, node *physical.LocalPartitionNode) *localExchangeConsumer {
	return &localExchangeConsumer{
		baseOperator: baseOperator{operatorID, string(node.ID()), "LocalExchange"},
		dctx:         dctx,
		node:         node,
	}
}

func (o *localExchangeConsumer) IsBlocked() (BlockingReason, *future.Future) { return o.blocked.check() }
func (o *localExchangeConsumer) NeedsInput() bool                            { return false }
func (o *localExchangeConsumer) NoMoreInput()                                {}
func (o *localExchangeConsumer) IsFinished() bool                            { return o.finished }

func (o *localExchangeConsumer) AddInput(arrow.Record) {
	panic("localExchangeConsumer is a source operator")
}

func (o *localExchangeConsumer) GetOutput() (arrow.Record, error) {
	if o.finished {
		return nil, nil
	}
	if o.ex == nil {
		ex, err := o.dctx.Task.GetLocalExchange(o.dctx.SplitGroupID, o.node.ID())
		if err != nil {
			return nil, err
		}
		o.ex = ex
	}
	rec, fut, err := o.ex.Next(o.dctx.PartitionID)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		return rec, nil
	}
	if fut != nil {
		o.blocked.set(BlockedWaitForProducer, fut)
		return nil, nil
	}
	o.finished = true
	return nil, nil
}

func (o *localExchangeConsumer) Close() error { return nil }

// partitionedOutputSink hands the output pipeline's batches to the output
// buffer manager, one partition at a time round-robin.
type partitionedOutputSink struct {
	baseOperator
	dctx *DriverContext
	node *physical.PartitionedOutputNode
	mgr  OutputBufferManager

	blocked   blockedOn
	nextIndex int
	noMore    bool
	finished  bool
}

func newPartitionedOutputSink(dctx *DriverContext, operatorID int, node *physical.PartitionedOutputNode, mgr OutputBufferManager) *partitionedOutputSink {
	return &partitionedOutputSink{
		baseOperator: baseOperator{operatorID, string(node.ID()), "PartitionedOutput"},
		dctx:         dctx,
		node:         node,
		mgr:          mgr,
	}
}

func (o *partitionedOutputSink) IsBlocked() (BlockingReason, *future.Future) { return o.blocked.check() }
func (o *partitionedOutputSink) NeedsInput() bool                            { return !o.noMore }
func (o *partitionedOutputSink) IsFinished() bool                            { return o.finished }

func (o *partitionedOutputSink) AddInput(rec arrow.Record) {
	partition := o.nextIndex % o.node.NumPartitions()
	o.nextIndex++
	fut, err := o.mgr.Enqueue(o.dctx.Task.ID(), partition, rec)
	if err != nil {
		// Buffers already dropped; the task is tearing down.
		return
	}
	o.blocked.set(BlockedWaitForConsumer, fut)
}

func (o *partitionedOutputSink) NoMoreInput() {
	if !o.noMore {
		o.noMore = true
		o.mgr.NoMoreData(o.dctx.Task.ID())
		o.finished = true
	}
}

func (o *partitionedOutputSink) GetOutput() (arrow.Record, error) { return nil, nil }
func (o *partitionedOutputSink) Close() error                     { return nil }

// callbackSink delivers the output pipeline's batches to a caller-supplied
// consumer, honoring its backpressure.
type callbackSink struct {
	baseOperator
	consumer Consumer

	blocked  blockedOn
	finished bool
}

func newCallbackSink(dctx *DriverContext, operatorID int, planNodeID physical.NodeID, consumer Consumer) *callbackSink {
	return &callbackSink{
		baseOperator: baseOperator{operatorID, string(planNodeID), "CallbackSink"},
		consumer:     consumer,
	}
}

func (o *callbackSink) IsBlocked() (BlockingReason, *future.Future) { return o.blocked.check() }
func (o *callbackSink) NeedsInput() bool                            { return !o.finished }

func (o *callbackSink) AddInput(rec arrow.Record) {
	reason, fut := o.consumer(rec)
	if reason != NotBlocked {
		o.blocked.set(reason, fut)
	}
}

func (o *callbackSink) NoMoreInput() {
	if !o.finished {
		o.finished = true
		// nil record signals end of stream.
		o.consumer(nil)
	}
}

func (o *callbackSink) GetOutput() (arrow.Record, error) { return nil, nil }
func (o *callbackSink) IsFinished() bool                 { return o.finished }
func (o *callbackSink) Close() error                     { return nil }

// sinkPlanNodeID derives the synthetic plan node ID of an appended sink.
func sinkPlanNodeID(root physical.Node) physical.NodeID {
	return physical.NodeID(fmt.Sprintf("%s.sink", root.ID()))
}

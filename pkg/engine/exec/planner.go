package exec

import (
	"errors"
	"fmt"

	"github.com/quiverdb/quiver/pkg/engine/physical"
)

// Planner turns a plan fragment into the driver factories of its pipelines.
type Planner interface {
	Plan(fragment physical.Fragment, consumerSupplier ConsumerSupplier, maxDrivers int) ([]*DriverFactory, error)
}

// OperatorFactory creates the operators of domain plan nodes (scans,
// filters, joins, sorts). Structural operators (local exchange producers
// and consumers, partitioned output, consumer sinks) are supplied by the
// runtime itself.
type OperatorFactory interface {
	// Create builds the operator implementing node at the given pipeline
	// position. For join nodes this is the probe-side operator.
	Create(dctx *DriverContext, operatorID int, node physical.Node) (Operator, error)

	// CreateJoinBuild builds the build-side terminal operator of a join
	// node, publishing through the node's join bridge.
	CreateJoinBuild(dctx *DriverContext, operatorID int, node physical.Node) (Operator, error)
}

// LocalPlanner decomposes a fragment into pipelines: join build sides and
// local-partition producers become pipelines of their own, connected
// through join bridges and local exchanges.
type LocalPlanner struct {
	// Factory creates the domain operators.
	Factory OperatorFactory

	// OutputBufferManager backs partitioned-output pipelines, when present.
	OutputBufferManager OutputBufferManager
}

var _ Planner = (*LocalPlanner)(nil)

// pipelineSpec is one pipeline before operator creation.
type pipelineSpec struct {
	nodes    []physical.Node // source-first
	buildFor physical.Node   // join node fed by this pipeline's end, if any

	// producerFor is set when the pipeline ends at a local partition node's
	// producing side.
	producerFor *physical.LocalPartitionNode
}

func (s *pipelineSpec) leaf() physical.Node { return s.nodes[0] }

// Plan implements Planner.
func (p *LocalPlanner) Plan(fragment physical.Fragment, consumerSupplier ConsumerSupplier, maxDrivers int) ([]*DriverFactory, error) {
	if p.Factory == nil {
		return nil, errors.New("planner has no operator factory")
	}
	if maxDrivers < 1 {
		return nil, fmt.Errorf("maxDrivers must be at least 1, got %d", maxDrivers)
	}

	var specs []*pipelineSpec
	var decompose func(root physical.Node, buildFor physical.Node, producerFor *physical.LocalPartitionNode) error
	decompose = func(root physical.Node, buildFor physical.Node, producerFor *physical.LocalPartitionNode) error {
		spec := &pipelineSpec{buildFor: buildFor, producerFor: producerFor}
		specs = append(specs, spec)

		var chain []physical.Node // root-first, reversed below
		n := root
		for {
			chain = append(chain, n)
			switch node := n.(type) {
			case *physical.HashJoinNode:
				if err := decompose(node.Build(), node, nil); err != nil {
					return err
				}
				n = node.Probe()
			case *physical.NestedLoopJoinNode:
				if err := decompose(node.Build(), node, nil); err != nil {
					return err
				}
				n = node.Probe()
			case *physical.LocalPartitionNode:
				// This pipeline consumes the exchange; the node's input
				// chain forms the producing pipeline.
				if err := decompose(node.Inputs()[0], nil, node); err != nil {
					return err
				}
				goto done
			default:
				inputs := n.Inputs()
				if len(inputs) == 0 {
					goto done
				}
				if len(inputs) > 1 {
					return fmt.Errorf("node %q (%s) has %d inputs; only joins may branch",
						n.ID(), n.Name(), len(inputs))
				}
				n = inputs[0]
			}
		}
	done:
		spec.nodes = make([]physical.Node, 0, len(chain)+1)
		for i := len(chain) - 1; i >= 0; i-- {
			spec.nodes = append(spec.nodes, chain[i])
		}
		if producerFor != nil {
			// The producing pipeline ends at the partition node itself.
			spec.nodes = append(spec.nodes, producerFor)
		}
		return nil
	}

	if err := decompose(fragment.Root, nil, nil); err != nil {
		return nil, err
	}

	factories := make([]*DriverFactory, 0, len(specs))
	for pipelineID, spec := range specs {
		f, err := p.buildFactory(fragment, spec, pipelineID, pipelineID == 0, consumerSupplier, maxDrivers)
		if err != nil {
			return nil, err
		}
		factories = append(factories, f)
	}
	return factories, nil
}

func (p *LocalPlanner) buildFactory(fragment physical.Fragment, spec *pipelineSpec, pipelineID int, isOutput bool, consumerSupplier ConsumerSupplier, maxDrivers int) (*DriverFactory, error) {
	leaf := spec.leaf()

	numDrivers := 1
	inputDriver := false
	switch node := leaf.(type) {
	case *physical.TableScanNode:
		numDrivers = maxDrivers
		inputDriver = true
	case *physical.ExchangeNode:
		inputDriver = true
	case *physical.LocalPartitionNode:
		if spec.producerFor == nil {
			// Consumer side: one driver per partition.
			numDrivers = node.NumPartitions()
		} else {
			numDrivers = maxDrivers
		}
	case *physical.ValuesNode:
	default:
		if len(leaf.Inputs()) != 0 {
			return nil, fmt.Errorf("pipeline %d leaf %q is not a source node", pipelineID, leaf.ID())
		}
	}
	if spec.producerFor != nil {
		// Producer-side leaf rules already applied above unless the leaf is
		// itself splittable.
		if _, ok := leaf.(*physical.TableScanNode); ok {
			numDrivers = maxDrivers
			inputDriver = true
		}
	}

	grouped := fragment.LeafRunsGroupedExecution(leaf.ID())
	numTotal := numDrivers
	if grouped {
		numTotal = numDrivers * fragment.NumSplitGroups
	}

	nodes := spec.nodes
	hasPartitionedOutput := false
	if _, ok := nodes[len(nodes)-1].(*physical.PartitionedOutputNode); ok {
		hasPartitionedOutput = true
		if p.OutputBufferManager == nil {
			return nil, fmt.Errorf("pipeline %d has a partitioned output but the planner has no output buffer manager", pipelineID)
		}
	}
	if hasPartitionedOutput && consumerSupplier != nil {
		return nil, errors.New("a task cannot both partition its output and deliver it to a consumer")
	}

	mgr := p.OutputBufferManager
	factory := &DriverFactory{
		PipelineID:      pipelineID,
		NumDrivers:      numDrivers,
		NumTotalDrivers: numTotal,
		Grouped:         grouped,
		InputDriver:     inputDriver,
		OutputDriver:    isOutput,
		LeafNode:        leaf,
		Nodes:           nodes,
	}
	factory.MakeOperators = func(dctx *DriverContext) ([]Operator, error) {
		ops := make([]Operator, 0, len(nodes)+1)
		for i, n := range nodes {
			var op Operator
			var err error
			switch node := n.(type) {
			case *physical.LocalPartitionNode:
				if i == 0 {
					op = newLocalExchangeConsumer(dctx, i, node)
				} else {
					op = newLocalPartitionProducer(dctx, i, node)
				}
			case *physical.PartitionedOutputNode:
				op = newPartitionedOutputSink(dctx, i, node, mgr)
			default:
				op, err = p.Factory.Create(dctx, i, n)
			}
			if err != nil {
				return nil, err
			}
			ops = append(ops, op)
		}
		if spec.buildFor != nil {
			op, err := p.Factory.CreateJoinBuild(dctx, len(ops), spec.buildFor)
			if err != nil {
				return nil, err
			}
			ops = append(ops, op)
		}
		if isOutput && consumerSupplier != nil {
			ops = append(ops, newCallbackSink(dctx, len(ops), sinkPlanNodeID(nodes[len(nodes)-1]), consumerSupplier()))
		}
		return ops, nil
	}
	return factory, nil
}

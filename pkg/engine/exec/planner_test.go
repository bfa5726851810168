package exec

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quiverdb/quiver/pkg/engine/physical"
)

func nodeIDs(nodes []physical.Node) []physical.NodeID {
	ids := make([]physical.NodeID, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.ID())
	}
	return ids
}

func operatorTypes(ops []Operator) []string {
	types := make([]string, 0, len(ops))
	for _, op := range ops {
		types = append(types, op.Type())
	}
	return types
}

func TestPlannerDecomposition(t *testing.T) {
	scan := physical.NewTableScanNode("scan")
	filter := physical.NewFilterNode("filter", scan)
	join := physical.NewHashJoinNode("join", filter, physical.NewValuesNode("values"))
	partition := physical.NewLocalPartitionNode("partition", 3, join)
	root := physical.NewProjectNode("limit", partition)

	planner := &LocalPlanner{Factory: &testFactory{t: t}}
	factories, err := planner.Plan(physical.NewFragment(root), nil, 4)
	require.NoError(t, err)
	require.Len(t, factories, 3)

	// Pipeline 0 consumes the local exchange, one driver per partition.
	consumer := factories[0]
	require.Equal(t, 0, consumer.PipelineID)
	require.Equal(t, 3, consumer.NumDrivers)
	require.True(t, consumer.OutputDriver)
	require.False(t, consumer.InputDriver)
	require.Equal(t, []physical.NodeID{"partition", "limit"}, nodeIDs(consumer.Nodes))

	// Pipeline 1 scans, probes the join and produces into the exchange.
	producer := factories[1]
	require.Equal(t, 4, producer.NumDrivers)
	require.True(t, producer.InputDriver)
	require.False(t, producer.OutputDriver)
	require.Equal(t, []physical.NodeID{"scan", "filter", "join", "partition"}, nodeIDs(producer.Nodes))

	// Pipeline 2 is the join build side, single driver.
	build := factories[2]
	require.Equal(t, 1, build.NumDrivers)
	require.False(t, build.InputDriver)
	require.Equal(t, []physical.NodeID{"values"}, nodeIDs(build.Nodes))

	ops, err := consumer.MakeOperators(&DriverContext{})
	require.NoError(t, err)
	require.Equal(t, []string{"LocalExchange", "TestLimitOne"}, operatorTypes(ops))

	ops, err = producer.MakeOperators(&DriverContext{})
	require.NoError(t, err)
	require.Equal(t, []string{"TestScan", "TestPassthrough", "TestHashJoinProbe", "LocalPartition"}, operatorTypes(ops))

	// The build pipeline gets the bridge-publishing terminal appended.
	ops, err = build.MakeOperators(&DriverContext{})
	require.NoError(t, err)
	require.Equal(t, []string{"TestValues", "TestHashJoinBuild"}, operatorTypes(ops))
}

func TestPlannerValidation(t *testing.T) {
	fragment := newScanFragment("scan")

	_, err := (&LocalPlanner{}).Plan(fragment, nil, 1)
	require.ErrorContains(t, err, "no operator factory")

	planner := &LocalPlanner{Factory: &testFactory{t: t}}
	_, err = planner.Plan(fragment, nil, 0)
	require.ErrorContains(t, err, "at least 1")

	out := physical.NewFragment(physical.NewPartitionedOutputNode("out", 2, physical.NewTableScanNode("scan")))
	_, err = planner.Plan(out, nil, 1)
	require.ErrorContains(t, err, "no output buffer manager")

	withMgr := &LocalPlanner{Factory: &testFactory{t: t}, OutputBufferManager: NewInMemoryBufferManager(1 << 20)}
	_, err = withMgr.Plan(out, func() Consumer { return nil }, 1)
	require.ErrorContains(t, err, "cannot both")
}

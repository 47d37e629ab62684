package torture

import (
	"context"
	"testing"
	"time"

	"github.com/ngaut/epochgc/config"
	"github.com/ngaut/epochgc/epoch"
	"github.com/ngaut/epochgc/lockfree"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"
)

func testConf(structure string) config.Torture {
	conf := config.DefaultConf.Torture
	conf.Structure = structure
	conf.Workers = 4
	conf.Ops = 3000
	conf.KeySpace = 64
	conf.ReportInterval = ""
	return conf
}

func TestRunStructures(t *testing.T) {
	for _, s := range []string{config.StructureStack, config.StructureQueue, config.StructureList} {
		for _, nested := range []bool{false, true} {
			conf := testConf(s)
			conf.NestedPins = nested
			c := epoch.NewCollector(epoch.WithName("torture-test"), epoch.WithAdvanceEvery(8), epoch.WithBagCapacity(16))
			r := New(conf, c)
			res, err := r.Run(context.Background())
			require.Nil(t, err, "%s nested=%v", s, nested)
			require.Equal(t, int64(conf.Workers*conf.Ops), res.Ops)
			require.Equal(t, int64(0), res.Violations)
			require.Equal(t, res.Retired, res.Reclaimed)
			require.Greater(t, res.Advances, uint64(0))
			require.Equal(t, r.RunID(), res.RunID)

			p := r.Progress()
			require.True(t, p.Done)
			require.Equal(t, 0, p.Collector.PendingObjects)
		}
	}
}

func TestRunForDuration(t *testing.T) {
	conf := testConf(config.StructureQueue)
	conf.Duration = "200ms"
	conf.RateLimit = 2000
	c := epoch.NewCollector(epoch.WithName("torture-test"), epoch.WithCollectInterval(10*time.Millisecond))
	defer c.Close()
	res, err := New(conf, c).Run(context.Background())
	require.Nil(t, err)
	require.Greater(t, res.Ops, int64(0))
	require.Equal(t, res.Retired, res.Reclaimed)
	require.Equal(t, int64(1), res.Nodes.Live)
}

func TestRecoveredKinds(t *testing.T) {
	r := New(testConf(config.StructureStack), epoch.NewCollector(epoch.WithName("torture-test")))
	cases := []struct {
		v    interface{}
		kind string
	}{
		{lockfree.ErrUseAfterFree, KindUseAfterFree},
		{epoch.ErrStaleShared, KindUseAfterFree},
		{lockfree.ErrDoubleFree, KindDoubleFree},
		{lockfree.ErrDoubleRetire, KindDoubleFree},
		{errors.New("boom"), KindOther},
		{"not an error", KindOther},
	}
	for _, ca := range cases {
		err := r.recovered(ca.v)
		require.Contains(t, err.Error(), ca.kind)
	}
	require.Equal(t, int64(len(cases)), r.violations.Load())
}

func TestObservePending(t *testing.T) {
	r := New(testConf(config.StructureStack), epoch.NewCollector(epoch.WithName("torture-test")))
	r.observePending(10)
	r.observePending(3)
	require.Equal(t, int64(10), r.highWater.Load())
	r.observePending(12)
	require.Equal(t, int64(12), r.highWater.Load())
}

func TestTokenNonZero(t *testing.T) {
	seen := make(map[uint64]struct{})
	for id := 0; id < 4; id++ {
		for i := 0; i < 1000; i++ {
			tok := token(id, i)
			require.NotEqual(t, uint64(0), tok)
			seen[tok] = struct{}{}
		}
	}
	require.Greater(t, len(seen), 3990)
}

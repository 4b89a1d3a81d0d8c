package search

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpcflow/cosched/internal/common/coerrors"
	"github.com/hpcflow/cosched/internal/common/ctxlog"
	"github.com/hpcflow/cosched/internal/cosched/apportion"
	"github.com/hpcflow/cosched/internal/cosched/model"
)

var modelModel = model.Heuristics{Nodes: model.Model, Cores: model.Model}

// testCatalog has two simulations with two analyses each; analysis flop in catalog order is 5, 1, 3, 1.
func testCatalog(t *testing.T, memoryPerNode float64) *model.Catalog {
	t.Helper()
	c, err := model.NewCatalog(
		model.Cluster{Nodes: 8, CoresPerNode: 8, MemoryPerNode: memoryPerNode, BandwidthPerNode: 10, CoreSpeed: 1, Steps: 1},
		[]*model.Simulation{
			{
				Id: "sim1", Flop: 100, DataSize: 1, Memory: 1,
				Analyses: []*model.Analysis{
					{SimulationId: "sim1", Id: "a", Flop: 5, Memory: 1},
					{SimulationId: "sim1", Id: "b", Flop: 1, Memory: 1},
				},
			},
			{
				Id: "sim2", Flop: 80, DataSize: 2, Memory: 1,
				Analyses: []*model.Analysis{
					{SimulationId: "sim2", Id: "a", Flop: 3, Memory: 1},
					{SimulationId: "sim2", Id: "b", Flop: 1, Memory: 1},
				},
			},
		},
	)
	require.NoError(t, err)
	return c
}

func testEvaluator(t *testing.T, c *model.Catalog, cacheSize int) *Evaluator {
	t.Helper()
	e, err := NewEvaluator(c, apportion.Ascending, cacheSize)
	require.NoError(t, err)
	return e
}

// recorder is an observer that keeps every trial.
type recorder struct {
	mu     sync.Mutex
	trials []*Trial
}

func (r *recorder) OnTrial(trial *Trial) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trials = append(r.trials, trial)
	return nil
}

func (r *recorder) keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	rv := make([]string, len(r.trials))
	for i, trial := range r.trials {
		rv[i] = trial.Partition.Key()
	}
	return rv
}

func TestScenarioPartition(t *testing.T) {
	tests := map[string]struct {
		scenario    Scenario
		ratio       float64
		expectedKey string
	}{
		"ideal":                       {scenario: Ideal, expectedKey: "{}"},
		"transit":                     {scenario: Transit, expectedKey: "{sim1/a,sim1/b,sim2/a,sim2/b}"},
		"increasing half":             {scenario: Increasing, ratio: 0.5, expectedKey: "{sim1/b,sim2/b}"},
		"decreasing half":             {scenario: Decreasing, ratio: 0.5, expectedKey: "{sim1/a,sim2/a}"},
		"increasing ties catalog":     {scenario: Increasing, ratio: 0.3, expectedKey: "{sim1/b}"},
		"decreasing quarter":          {scenario: Decreasing, ratio: 0.25, expectedKey: "{sim1/a}"},
		"increasing everything":       {scenario: Increasing, ratio: 1, expectedKey: "{sim1/a,sim1/b,sim2/a,sim2/b}"},
		"ratio below one analysis":    {scenario: Decreasing, ratio: 0.1, expectedKey: "{}"},
		"transit ignores given ratio": {scenario: Transit, ratio: 7, expectedKey: "{sim1/a,sim1/b,sim2/a,sim2/b}"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			p, err := ScenarioPartition(testCatalog(t, 1000), tc.scenario, tc.ratio)
			require.NoError(t, err)
			assert.Equal(t, tc.expectedKey, p.Key())
		})
	}
}

func TestScenarioPartition_InvalidRatio(t *testing.T) {
	for _, ratio := range []float64{0, -0.5, 1.5} {
		_, err := ScenarioPartition(testCatalog(t, 1000), Increasing, ratio)
		var invalid *coerrors.ErrInvalidArgument
		assert.ErrorAs(t, err, &invalid, "ratio %g", ratio)
	}
}

func TestParseScenario(t *testing.T) {
	s, err := ParseScenario("Decreasing")
	require.NoError(t, err)
	assert.Equal(t, Decreasing, s)
	assert.True(t, s.NeedsRatio())
	assert.False(t, Transit.NeedsRatio())

	_, err = ParseScenario("sideways")
	assert.Error(t, err)
}

func TestEvaluator_Cache(t *testing.T) {
	c := testCatalog(t, 1000)
	p := model.TransitPartition(c)

	cached := testEvaluator(t, c, 16)
	first := cached.Evaluate(0, p, modelModel)
	second := cached.Evaluate(1, p, modelModel)
	require.NotNil(t, first.Result)
	assert.Same(t, first.Result, second.Result)
	assert.Equal(t, 0, first.Index)
	assert.Equal(t, 1, second.Index)
	// Different heuristics are different cache entries.
	even := cached.Evaluate(2, p, model.Heuristics{Nodes: model.Even, Cores: model.Even})
	assert.NotSame(t, first.Result, even.Result)

	uncached := testEvaluator(t, c, 0)
	assert.NotSame(t, uncached.Evaluate(0, p, modelModel).Result, uncached.Evaluate(1, p, modelModel).Result)
}

func TestSearch_Incremental(t *testing.T) {
	tests := map[string]struct {
		policy       Policy
		expectedKeys []string
	}{
		"increasing": {
			policy:       PolicyIncreasing,
			expectedKeys: []string{"{}", "{sim1/b}", "{sim1/b,sim2/b}", "{sim1/b,sim2/a,sim2/b}", "{sim1/a,sim1/b,sim2/a,sim2/b}"},
		},
		"decreasing": {
			policy:       PolicyDecreasing,
			expectedKeys: []string{"{}", "{sim1/a}", "{sim1/a,sim2/a}", "{sim1/a,sim1/b,sim2/a}", "{sim1/a,sim1/b,sim2/a,sim2/b}"},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			r := &recorder{}
			s := New(testEvaluator(t, testCatalog(t, 1000), 0), Config{Policy: tc.policy, Heuristics: modelModel}, r)
			outcome, err := s.Run(ctxlog.Background())
			require.NoError(t, err)
			assert.Equal(t, tc.expectedKeys, r.keys())
			assert.Equal(t, StopExhausted, outcome.Stop)
			assert.Equal(t, len(tc.expectedKeys), outcome.Trials)
			assertBest(t, r.trials, outcome.Best)
		})
	}
}

func TestSearch_Random(t *testing.T) {
	run := func(seed int64) []string {
		r := &recorder{}
		s := New(testEvaluator(t, testCatalog(t, 1000), 0), Config{Policy: PolicyRandom, Heuristics: modelModel, Seed: seed}, r)
		_, err := s.Run(ctxlog.Background())
		require.NoError(t, err)
		return r.keys()
	}
	first := run(42)
	assert.Equal(t, first, run(42))
	require.Len(t, first, 5)
	assert.Equal(t, "{}", first[0])
	assert.Equal(t, "{sim1/a,sim1/b,sim2/a,sim2/b}", first[4])
}

func TestSearch_MemoryInfeasibleAdvancesOnlyInfeasibleSimulations(t *testing.T) {
	// In the ideal partition sim1 gets 3 of 4 nodes, 30GB, for 36GB of members.
	c, err := model.NewCatalog(
		model.Cluster{Nodes: 4, CoresPerNode: 8, MemoryPerNode: 10, BandwidthPerNode: 10, CoreSpeed: 1, Steps: 1},
		[]*model.Simulation{
			{
				Id: "sim1", Flop: 100, DataSize: 1, Memory: 5,
				Analyses: []*model.Analysis{
					{SimulationId: "sim1", Id: "x", Flop: 10, Memory: 30},
					{SimulationId: "sim1", Id: "y", Flop: 20, Memory: 1},
				},
			},
			{
				Id: "sim2", Flop: 100, DataSize: 1, Memory: 5,
				Analyses: []*model.Analysis{{SimulationId: "sim2", Id: "z", Flop: 5, Memory: 1}},
			},
		},
	)
	require.NoError(t, err)

	r := &recorder{}
	s := New(testEvaluator(t, c, 0), Config{Policy: PolicyIncreasing, Heuristics: modelModel}, r)
	_, err = s.Run(ctxlog.Background())
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(r.trials), 2)
	var memory *coerrors.ErrMemoryInfeasible
	require.ErrorAs(t, r.trials[0].Err, &memory)
	assert.Equal(t, []string{"sim1"}, memory.Allocations)
	// A global move would offload sim2/z, the smallest analysis overall.
	assert.Equal(t, "{sim1/x}", r.trials[1].Partition.Key())
}

func TestSearch_BruteForceVisitsEveryPartitionOnce(t *testing.T) {
	for _, workers := range []int{1, 3, 8} {
		r := &recorder{}
		s := New(testEvaluator(t, testCatalog(t, 1000), 0), Config{Policy: PolicyBruteForce, Heuristics: modelModel, Workers: workers}, r)
		outcome, err := s.Run(ctxlog.Background())
		require.NoError(t, err)
		assert.Equal(t, StopExhausted, outcome.Stop)
		assert.Equal(t, 16, outcome.Trials)

		seen := make(map[string]bool)
		for _, key := range r.keys() {
			assert.False(t, seen[key], "partition %s evaluated twice", key)
			seen[key] = true
		}
		assert.Len(t, seen, 16)
		assertBest(t, r.trials, outcome.Best)
	}
}

func TestSearch_BruteForceTooManyAnalyses(t *testing.T) {
	s := New(testEvaluator(t, testCatalog(t, 1000), 0), Config{Policy: PolicyBruteForce, MaxBruteForceAnalyses: 3})
	_, err := s.Run(ctxlog.Background())
	var invalid *coerrors.ErrInvalidArgument
	assert.ErrorAs(t, err, &invalid)
}

func TestSearch_MaxTrials(t *testing.T) {
	for _, policy := range []Policy{PolicyIncreasing, PolicyBruteForce} {
		t.Run(policy.String(), func(t *testing.T) {
			s := New(testEvaluator(t, testCatalog(t, 1000), 0), Config{Policy: policy, MaxTrials: 3, Workers: 2})
			outcome, err := s.Run(ctxlog.Background())
			require.NoError(t, err)
			assert.Equal(t, 3, outcome.Trials)
			assert.Equal(t, StopMaxTrials, outcome.Stop)
		})
	}
}

func TestSearch_Timeout(t *testing.T) {
	slow := ObserverFunc(func(*Trial) error {
		time.Sleep(50 * time.Millisecond)
		return nil
	})
	s := New(testEvaluator(t, testCatalog(t, 1000), 0), Config{Policy: PolicyIncreasing, Timeout: 10 * time.Millisecond}, slow)
	outcome, err := s.Run(ctxlog.Background())
	require.NoError(t, err)
	assert.Equal(t, StopTimeout, outcome.Stop)
	assert.Equal(t, 1, outcome.Trials)
}

func TestSearch_Cancelled(t *testing.T) {
	ctx, cancel := ctxlog.WithCancel(ctxlog.Background())
	cancel()
	for _, policy := range []Policy{PolicyIncreasing, PolicyBruteForce} {
		_, err := New(testEvaluator(t, testCatalog(t, 1000), 0), Config{Policy: policy}).Run(ctx)
		assert.True(t, errors.Is(err, context.Canceled), "policy %s", policy)
	}
}

func TestSearch_ObserverErrorAborts(t *testing.T) {
	failing := ObserverFunc(func(*Trial) error { return errors.New("disk full") })
	for _, policy := range []Policy{PolicyIncreasing, PolicyBruteForce} {
		_, err := New(testEvaluator(t, testCatalog(t, 1000), 0), Config{Policy: policy}, failing).Run(ctxlog.Background())
		assert.EqualError(t, err, "disk full")
	}
}

func TestOffer(t *testing.T) {
	result := func(makespan float64) *model.ScheduleResult { return &model.ScheduleResult{Makespan: makespan} }
	var best *Trial
	assert.False(t, offer(&best, &Trial{Index: 0, Result: result(1), Err: errors.New("infeasible")}))
	assert.True(t, offer(&best, &Trial{Index: 5, Result: result(2)}))
	assert.False(t, offer(&best, &Trial{Index: 6, Result: result(2)}))
	assert.True(t, offer(&best, &Trial{Index: 3, Result: result(2)}))
	assert.True(t, offer(&best, &Trial{Index: 9, Result: result(1.5)}))
	assert.Equal(t, 9, best.Index)
}

func TestSweep(t *testing.T) {
	c := testCatalog(t, 1000)
	e := testEvaluator(t, c, 64)
	heuristics := []model.Heuristics{modelModel, {Nodes: model.Even, Cores: model.Even}}
	combinations := Combinations([]Scenario{Transit, Increasing}, []float64{0.5, 1}, heuristics)
	require.Len(t, combinations, 6)
	assert.Equal(t, "transit_model-model", combinations[0].Name())
	assert.Equal(t, "increasing_0.5_even-even", combinations[3].Name())

	r := &recorder{}
	results, err := Sweep(ctxlog.Background(), e, combinations, 4, r)
	require.NoError(t, err)
	require.Len(t, results, 6)
	assert.Len(t, r.trials, 6)
	for i, result := range results {
		assert.Equal(t, combinations[i], result.Combination)
		assert.Equal(t, i, result.Trial.Index)
	}
	assert.Equal(t, "{sim1/b,sim2/b}", results[2].Trial.Partition.Key())
	// transit and increasing 1.0 are the same partition.
	require.NotNil(t, results[0].Trial.Result)
	require.NotNil(t, results[4].Trial.Result)
	assert.Equal(t, results[0].Trial.Partition.Key(), results[4].Trial.Partition.Key())
	assert.Equal(t, results[0].Trial.Makespan(), results[4].Trial.Makespan())
}

func TestSweep_InvalidRatio(t *testing.T) {
	e := testEvaluator(t, testCatalog(t, 1000), 0)
	_, err := Sweep(ctxlog.Background(), e, Combinations([]Scenario{Decreasing}, []float64{0}, []model.Heuristics{modelModel}), 1)
	var invalid *coerrors.ErrInvalidArgument
	assert.ErrorAs(t, err, &invalid)
}

// assertBest checks best against a sequential scan of trials.
func assertBest(t *testing.T, trials []*Trial, best *Trial) {
	t.Helper()
	var expected *Trial
	for _, trial := range trials {
		offer(&expected, trial)
	}
	if expected == nil {
		assert.Nil(t, best)
		return
	}
	require.NotNil(t, best)
	assert.Equal(t, expected.Index, best.Index)
	assert.Equal(t, expected.Makespan(), best.Makespan())
}

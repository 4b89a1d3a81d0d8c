package document

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpcflow/cosched/internal/common/coerrors"
	"github.com/hpcflow/cosched/internal/cosched/allocator"
	"github.com/hpcflow/cosched/internal/cosched/apportion"
	"github.com/hpcflow/cosched/internal/cosched/model"
)

const threeNodes = `
nodes: 3
cores: 4
memory: 16
bandwidth: 10
speed: 1
steps: 1
simulations:
  sim1:
    flop: 4
    data: 1
    mem: 2
    coupling:
      ana1:
        flop: 2
        mem: 1
non-co-scheduling:
  sim1: [ana1]
`

const twoSimulations = `
nodes: 8
cores: 16
memory: 64
bandwidth: 6
speed: 36.8
simulations:
  zeta:
    flop: 300
    data: 2.5
    mem: 20
    coupling:
      b: {flop: 100, mem: 10}
      a: {flop: 200, mem: 10}
  alpha:
    flop: 400
    data: 1
    mem: 20
`

func TestParse(t *testing.T) {
	doc, err := Parse("three_nodes", []byte(threeNodes))
	require.NoError(t, err)

	assert.Equal(t, "three_nodes", doc.Name)
	assert.Equal(t, model.Cluster{
		Nodes: 3, CoresPerNode: 4, MemoryPerNode: 16, BandwidthPerNode: 10, CoreSpeed: 1, Steps: 1,
	}, doc.Catalog.Cluster)
	require.Len(t, doc.Catalog.Simulations, 1)
	sim := doc.Catalog.Simulations[0]
	assert.Equal(t, "sim1", sim.Id)
	assert.Equal(t, 4.0, sim.Flop)
	assert.Equal(t, 1.0, sim.DataSize)
	assert.Equal(t, 2.0, sim.Memory)
	require.Len(t, sim.Analyses, 1)
	assert.Equal(t, &model.Analysis{SimulationId: "sim1", Id: "ana1", Flop: 2, Memory: 1}, sim.Analyses[0])
	assert.True(t, doc.HasDirective)
	assert.Equal(t, "{sim1/ana1}", doc.Directive.Key())
}

func TestParse_KeepsDocumentOrder(t *testing.T) {
	doc, err := Parse("two", []byte(twoSimulations))
	require.NoError(t, err)

	ids := make([]string, 0)
	for _, ana := range doc.Catalog.Analyses() {
		ids = append(ids, ana.Key().String())
	}
	assert.Equal(t, "zeta", doc.Catalog.Simulations[0].Id)
	assert.Equal(t, "alpha", doc.Catalog.Simulations[1].Id)
	assert.Equal(t, []string{"zeta/b", "zeta/a"}, ids)
	assert.Equal(t, 1, doc.Catalog.Cluster.Steps)
	assert.False(t, doc.HasDirective)
	assert.Equal(t, "{}", doc.Directive.Key())
}

func TestParse_InvalidFields(t *testing.T) {
	tests := map[string]struct {
		document      string
		expectedNames []string
	}{
		"missing cluster fields": {
			document:      "simulations: {sim1: {flop: 1, data: 1, mem: 1}}",
			expectedNames: []string{"nodes", "cores", "memory", "bandwidth", "speed"},
		},
		"bad values": {
			document: `
nodes: 0
cores: 2.5
memory: -1
bandwidth: fast
speed: 1
steps: 1
simulations:
  sim1: {flop: 0, data: -2, mem: 1, coupling: {ana1: {mem: 1}}}
`,
			expectedNames: []string{
				"nodes", "cores", "memory", "bandwidth",
				"simulations.sim1.flop", "simulations.sim1.data", "simulations.sim1.coupling.ana1.flop",
			},
		},
		"no simulations": {
			document:      "{nodes: 1, cores: 1, memory: 1, bandwidth: 1, speed: 1, simulations: {}}",
			expectedNames: []string{"simulations"},
		},
		"unknown directive members": {
			document: `
nodes: 1
cores: 1
memory: 1
bandwidth: 1
speed: 1
simulations:
  sim1: {flop: 1, data: 1, mem: 1, coupling: {ana1: {flop: 1, mem: 1}}}
non-co-scheduling:
  sim1: [ana1, ana9]
  sim7: [ana1]
`,
			expectedNames: []string{"non-co-scheduling.sim1", "non-co-scheduling.sim7"},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(name, []byte(tc.document))
			require.Error(t, err)
			var merr *multierror.Error
			require.True(t, errors.As(err, &merr), "expected a multierror, got %v", err)

			names := make([]string, 0, len(merr.Errors))
			for _, e := range merr.Errors {
				var invalid *coerrors.ErrInvalidArgument
				require.True(t, errors.As(e, &invalid))
				names = append(names, invalid.Name)
			}
			assert.Equal(t, tc.expectedNames, names)
		})
	}
}

func TestParse_ReservedSimulationId(t *testing.T) {
	document := `
nodes: 3
cores: 4
memory: 16
bandwidth: 10
speed: 1
simulations:
  sim1: {flop: 4, data: 1, mem: 2, coupling: {ana1: {flop: 2, mem: 1}}}
  pool: {flop: 4, data: 1, mem: 2}
`
	_, err := Parse("reserved", []byte(document))
	var invalid *coerrors.ErrInvalidArgument
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "pool", invalid.Value)
}

func TestParse_NotYaml(t *testing.T) {
	_, err := Parse("broken", []byte("nodes: [1"))
	assert.Error(t, err)
}

func TestFromPattern(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested", "deeper"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yml"), []byte(threeNodes), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "deeper", "a.yml"), []byte(twoSimulations), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "broken.yml"), []byte("nodes: 0"), 0o644))

	docs, err := FromPattern(filepath.Join(dir, "**", "*.yml"))
	require.Error(t, err)
	var merr *multierror.Error
	require.True(t, errors.As(err, &merr))
	assert.Len(t, merr.Errors, 1)
	assert.Contains(t, err.Error(), "broken.yml")

	names := make([]string, len(docs))
	for i, doc := range docs {
		names[i] = doc.Name
		assert.NotEmpty(t, doc.Path)
	}
	assert.ElementsMatch(t, []string{"a", "b"}, names)

	_, err = FromPattern(filepath.Join(dir, "*.yaml"))
	var invalid *coerrors.ErrInvalidArgument
	assert.True(t, errors.As(err, &invalid))
}

func TestFromPattern_SameFileNames(t *testing.T) {
	dir := t.TempDir()
	for _, sub := range []string{"a", filepath.Join("b", "c"), ""} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, sub), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, sub, "config.yml"), []byte(threeNodes), 0o644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a", "other.yml"), []byte(threeNodes), 0o644))

	docs, err := FromPattern(filepath.Join(dir, "**", "*.yml"))
	require.NoError(t, err)
	names := make(map[string]string, len(docs))
	for _, doc := range docs {
		names[doc.Name] = doc.Path
	}
	assert.Equal(t, map[string]string{
		"config":     filepath.Join(dir, "config.yml"),
		"a_config":   filepath.Join(dir, "a", "config.yml"),
		"b_c_config": filepath.Join(dir, "b", "c", "config.yml"),
		"other":      filepath.Join(dir, "a", "other.yml"),
	}, names)
}

func TestFromPattern_HomeDirectory(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	homedir.DisableCache = true
	defer func() { homedir.DisableCache = false }()
	require.NoError(t, os.WriteFile(filepath.Join(home, "three_nodes.yml"), []byte(threeNodes), 0o644))

	docs, err := FromPattern("~/*.yml")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, filepath.Join(home, "three_nodes.yml"), docs[0].Path)
}

func TestRender_ReadsBackAsWorkload(t *testing.T) {
	doc, err := Parse("three_nodes", []byte(threeNodes))
	require.NoError(t, err)
	schedule, err := allocator.New(doc.Catalog, model.Heuristics{}, apportion.Ascending).Allocate(doc.Directive)
	require.NoError(t, err)

	for _, format := range []Format{FormatYaml, FormatJson} {
		t.Run(format.String(), func(t *testing.T) {
			out, err := Render(doc, &Result{Scenario: "directive", Schedule: schedule}, format)
			require.NoError(t, err)

			again, err := Parse("again", out)
			require.NoError(t, err)
			assert.Equal(t, doc.Catalog.Cluster, again.Catalog.Cluster)
			assert.Equal(t, doc.Catalog.Analyses(), again.Catalog.Analyses())
			assert.Equal(t, schedule.Partition.Key(), again.Directive.Key())
		})
	}
}

func TestRender_Fields(t *testing.T) {
	doc, err := Parse("three_nodes", []byte(threeNodes))
	require.NoError(t, err)
	schedule, err := allocator.New(doc.Catalog, model.Heuristics{}, apportion.Ascending).Allocate(doc.Directive)
	require.NoError(t, err)

	out, err := Render(doc, &Result{Scenario: "directive", Schedule: schedule, Unfeasible: []string{"pool"}}, FormatYaml)
	require.NoError(t, err)
	text := string(out)
	for _, expected := range []string{
		"alloc: pool",
		"core_per_node: 4",
		"sequential_time: 2\n",
		"pool:\n    node_count: 1\n    start_node: 2\n    end_node: 2",
		"makespan: 0.6",
		"unfeasible:\n- pool",
		"non-co-scheduling:\n  sim1:\n  - ana1",
		"scenario: directive",
		"heuristics:\n  nodes: model\n  cores: model",
	} {
		assert.Contains(t, text, expected)
	}
}

func TestWrite(t *testing.T) {
	doc, err := Parse("three_nodes", []byte(threeNodes))
	require.NoError(t, err)
	h := model.Heuristics{Nodes: model.Model, Cores: model.Even}
	schedule, err := allocator.New(doc.Catalog, h, apportion.Ascending).Allocate(model.IdealPartition())
	require.NoError(t, err)

	dir := filepath.Join(t.TempDir(), "out")
	path, err := Write(dir, doc, &Result{Scenario: "ideal", Schedule: schedule}, "ideal", FormatJson)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "three_nodes_ideal_model-even.json"), path)
	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(contents), `"scenario":"ideal"`)
}

func TestFileName(t *testing.T) {
	h := model.Heuristics{Nodes: model.Even, Cores: model.Model}
	assert.Equal(t, "wl_increasing_0.5_even-model.yml", FileName("wl", "increasing_0.5", h, FormatYaml))
	assert.Equal(t, "wl_transit_even-model.json", FileName("wl", "transit", h, FormatJson))
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("JSON")
	require.NoError(t, err)
	assert.Equal(t, FormatJson, f)
	f, err = ParseFormat("yml")
	require.NoError(t, err)
	assert.Equal(t, FormatYaml, f)
	_, err = ParseFormat("toml")
	assert.Error(t, err)
}

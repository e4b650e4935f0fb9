package story

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_BuiltinPackResolves(t *testing.T) {
	r := NewRegistry(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, r.Reload())

	v, err := r.Resolve(BuiltinStoryID, 1)
	require.NoError(t, err)

	assert.Equal(t, "n_hub", v.Pack.StartNodeID)
	assert.NotNil(t, v.Node("n_hub"))
	assert.NotNil(t, v.Choice("n_hub", "c_study"))
	assert.Nil(t, v.Choice("n_hub", "c_unknown"))

	// Every reason code is covered after the defaults merge.
	reasons := make(map[ReasonCode]bool)
	for _, fb := range v.EffectiveFallbacks {
		reasons[fb.ReasonCode] = true
	}
	for _, rc := range AllReasonCodes {
		assert.True(t, reasons[rc], "missing fallback for %s", rc)
	}

	// The timeout default joins the pack endings.
	assert.NotNil(t, v.Ending(TimeoutEndingID))
	assert.NotNil(t, v.Ending("ending_forced_fail"))
}

func TestRegistry_LatestVersionWins(t *testing.T) {
	dir := t.TempDir()
	writePack(t, dir, "demo_v1.yaml", `
story_id: demo
version: 1
start_node_id: start
nodes:
  - id: start
    brief: v1 start
    choices:
      - id: c_go
        text: Go
`)
	writePack(t, dir, "demo_v2.yaml", `
story_id: demo
version: 2
start_node_id: start
nodes:
  - id: start
    brief: v2 start
    choices:
      - id: c_go
        text: Go
`)

	r := NewRegistry(dir)
	require.NoError(t, r.Reload())

	v, err := r.Resolve("demo", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, v.Pack.Version)

	v1, err := r.Resolve("demo", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Pack.Version)

	_, err = r.Resolve("demo", 3)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.Resolve("nope", 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_InvalidPackFailsReload(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "missing start node",
			doc: `
story_id: broken
version: 1
start_node_id: nowhere
nodes:
  - id: start
    brief: s
    choices: []
`,
			want: "start_node_id",
		},
		{
			name: "dangling next node",
			doc: `
story_id: broken
version: 1
start_node_id: start
nodes:
  - id: start
    brief: s
    choices:
      - id: c_go
        text: Go
        next_node_id: missing
`,
			want: "next_node_id",
		},
		{
			name: "thresholds not ascending",
			doc: `
story_id: broken
version: 1
start_node_id: start
nodes:
  - id: start
    brief: s
    choices:
      - id: c_go
        text: Go
npc_defs:
  - id: npc_a
    name: A
    affection_thresholds: [10, 5, 20, 30]
    trust_thresholds: [-60, -20, 20, 60]
`,
			want: "ascending",
		},
		{
			name: "bad fallback reason",
			doc: `
story_id: broken
version: 1
start_node_id: start
nodes:
  - id: start
    brief: s
    choices:
      - id: c_go
        text: Go
global_fallbacks:
  - id: "fallback:odd"
    reason_code: WHATEVER
    text: nah
`,
			want: "reason_code",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writePack(t, dir, "broken.yaml", tt.doc)
			r := NewRegistry(dir)
			err := r.Reload()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRegistry_ReloadKeepsServingOnError(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(dir)
	require.NoError(t, r.Reload())

	writePack(t, dir, "broken.yaml", "story_id: [not a scalar")
	require.Error(t, r.Reload())

	// Previous cache is still intact.
	_, err := r.Resolve(BuiltinStoryID, 1)
	assert.NoError(t, err)
}

func TestEffectiveFallbacks_PackOverrideInheritsDefaults(t *testing.T) {
	p := &Pack{
		StoryID:     "s",
		Version:     1,
		StartNodeID: "n",
		Nodes:       []Node{{ID: "n", Choices: []Choice{{ID: "c", Text: "t"}}}},
		GlobalFallbacks: []Fallback{
			{ID: "fallback:custom_off_topic", ReasonCode: ReasonOffTopic, TargetNodeID: "n"},
		},
	}

	fbs, err := effectiveFallbacks(p)
	require.NoError(t, err)
	require.Len(t, fbs, 4)

	// Pack entry first, with text and effects inherited from the default.
	assert.Equal(t, "fallback:custom_off_topic", fbs[0].ID)
	assert.Equal(t, "n", fbs[0].TargetNodeID)
	assert.NotEmpty(t, fbs[0].Text)
	assert.NotEmpty(t, fbs[0].RangeEffects)

	covered := map[ReasonCode]int{}
	for _, fb := range fbs {
		covered[fb.ReasonCode]++
	}
	for _, rc := range AllReasonCodes {
		assert.Equal(t, 1, covered[rc], "reason %s", rc)
	}
}

func TestEffectiveEndings_SortedByPriorityThenID(t *testing.T) {
	p := &Pack{
		StoryID:     "s",
		Version:     1,
		StartNodeID: "n",
		Nodes:       []Node{{ID: "n", Choices: []Choice{{ID: "c", Text: "t"}}}},
		EndingDefs: []EndingDef{
			{ID: "e_b", Priority: 10, Outcome: OutcomeFail, Camp: CampWorld},
			{ID: "e_a", Priority: 10, Outcome: OutcomeSuccess, Camp: CampPlayer},
			{ID: "e_first", Priority: 1, Outcome: OutcomeNeutral, Camp: CampWorld},
		},
	}

	eds, err := effectiveEndings(p)
	require.NoError(t, err)
	require.Len(t, eds, 4) // three pack endings + timeout default

	assert.Equal(t, "e_first", eds[0].ID)
	assert.Equal(t, "e_a", eds[1].ID)
	assert.Equal(t, "e_b", eds[2].ID)
	assert.Equal(t, TimeoutEndingID, eds[3].ID)
}

func TestRegistry_ShippedSampleDirLoads(t *testing.T) {
	// The repo ships the sample pack as YAML under config/stories; it
	// must parse, validate and shadow the builtin copy.
	r := NewRegistry(filepath.Join("..", "..", "config", "stories"))
	require.NoError(t, r.Reload())

	v, err := r.Resolve(BuiltinStoryID, 1)
	require.NoError(t, err)
	assert.Equal(t, "n_hub", v.Pack.StartNodeID)
	assert.Equal(t, "Campus Week", v.Pack.Title)
	assert.NotNil(t, v.Choice("n_rooftop", "c_promise"))
	assert.NotNil(t, v.Fallback("fallback:off_topic"))
	assert.Equal(t, "ending_forced_fail", v.Pack.FallbackPolicy.ForcedFallbackEndingID)
	assert.NotNil(t, v.Npc("npc_mira"))
}

func TestTierHelpers(t *testing.T) {
	assert.Equal(t, TierHostile, Weaker(TierHostile, TierClose))
	assert.Equal(t, TierWary, Weaker(TierNeutral, TierWary))
	assert.Equal(t, 4, TierClose.Rank())
	assert.Equal(t, -1, Tier("Bogus").Rank())
}

func writePack(t *testing.T, dir, name, doc string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(doc), 0o644))
}

// Package story defines the immutable story-pack model: nodes, choices,
// fallbacks, endings, NPC definitions and reaction policies, plus the
// registry that resolves (story_id, version) into indexed, cached views.
package story

// ReasonCode classifies why a fallback path was taken.
type ReasonCode string

const (
	ReasonNoMatch     ReasonCode = "NO_MATCH"
	ReasonLowConf     ReasonCode = "LOW_CONF"
	ReasonInputPolicy ReasonCode = "INPUT_POLICY"
	ReasonOffTopic    ReasonCode = "OFF_TOPIC"
)

// Valid reports whether rc is one of the four recognized reason codes.
func (rc ReasonCode) Valid() bool {
	switch rc {
	case ReasonNoMatch, ReasonLowConf, ReasonInputPolicy, ReasonOffTopic:
		return true
	}
	return false
}

// AllReasonCodes lists every recognized fallback reason, in stable order.
var AllReasonCodes = []ReasonCode{ReasonNoMatch, ReasonLowConf, ReasonInputPolicy, ReasonOffTopic}

// Tier is an NPC relationship band derived from threshold comparison.
type Tier string

const (
	TierHostile Tier = "Hostile"
	TierWary    Tier = "Wary"
	TierNeutral Tier = "Neutral"
	TierWarm    Tier = "Warm"
	TierClose   Tier = "Close"
)

var tierRank = map[Tier]int{
	TierHostile: 0,
	TierWary:    1,
	TierNeutral: 2,
	TierWarm:    3,
	TierClose:   4,
}

// Rank returns the ordinal position of the tier (Hostile=0 … Close=4).
// Unknown tiers rank below Hostile so malformed data never unlocks gates.
func (t Tier) Rank() int {
	if r, ok := tierRank[t]; ok {
		return r
	}
	return -1
}

// Weaker returns the lower-ranked of two tiers.
func Weaker(a, b Tier) Tier {
	if a.Rank() <= b.Rank() {
		return a
	}
	return b
}

// Outcome is the terminal result class of an ending.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeNeutral Outcome = "neutral"
	OutcomeFail    Outcome = "fail"
)

// Camp attributes an ending to the side that "won" the run.
type Camp string

const (
	CampPlayer Camp = "player"
	CampEnemy  Camp = "enemy"
	CampWorld  Camp = "world"
)

// RangeEffect is a single stat mutation declared by a choice, fallback
// or reaction rule. The applied delta is center + tier*intensity.
type RangeEffect struct {
	TargetType string `yaml:"target_type" json:"target_type"` // "player" or "npc"
	Metric     string `yaml:"metric" json:"metric"`
	Center     int    `yaml:"center" json:"center"`
	Intensity  int    `yaml:"intensity" json:"intensity"`
	TargetID   string `yaml:"target_id,omitempty" json:"target_id,omitempty"` // npc id when target_type is "npc"
}

// GateRule requires an NPC relationship axis to sit at or above a tier
// before the guarded choice becomes available.
type GateRule struct {
	NpcID   string `yaml:"npc_id" json:"npc_id"`
	Axis    string `yaml:"axis" json:"axis"` // "affection" | "trust" | "relation"
	MinTier Tier   `yaml:"min_tier" json:"min_tier"`
}

// Choice is a player-selectable transition out of a node.
type Choice struct {
	ID             string        `yaml:"id" json:"id"`
	Text           string        `yaml:"text" json:"text"`
	NextNodeID     string        `yaml:"next_node_id,omitempty" json:"next_node_id,omitempty"`
	EndingID       string        `yaml:"ending_id,omitempty" json:"ending_id,omitempty"`
	RangeEffects   []RangeEffect `yaml:"range_effects,omitempty" json:"range_effects,omitempty"`
	Gates          []GateRule    `yaml:"gates,omitempty" json:"gates,omitempty"`
	ReactiveNpcIDs []string      `yaml:"reactive_npc_ids,omitempty" json:"reactive_npc_ids,omitempty"`
}

// Node is one scene of the story graph.
type Node struct {
	ID             string   `yaml:"id" json:"id"`
	Brief          string   `yaml:"brief" json:"brief"` // one-paragraph scene summary fed to the mapper
	Choices        []Choice `yaml:"choices" json:"choices"`
	NodeFallbackID string   `yaml:"node_fallback_id,omitempty" json:"node_fallback_id,omitempty"`
}

// Fallback is a recovery path taken when free input cannot be accepted
// as a visible choice. Fallback ids carry the "fallback:" prefix so they
// are distinguishable from choice ids in logs and responses.
type Fallback struct {
	ID             string        `yaml:"id" json:"id"`
	ReasonCode     ReasonCode    `yaml:"reason_code" json:"reason_code"`
	Text           string        `yaml:"text" json:"text"`
	RangeEffects   []RangeEffect `yaml:"range_effects,omitempty" json:"range_effects,omitempty"`
	TargetNodeID   string        `yaml:"target_node_id,omitempty" json:"target_node_id,omitempty"` // empty keeps the session on the current node
	EndingID       string        `yaml:"ending_id,omitempty" json:"ending_id,omitempty"`
	ReactiveNpcIDs []string      `yaml:"reactive_npc_ids,omitempty" json:"reactive_npc_ids,omitempty"`
}

// StatRequirement is one threshold inside an ending trigger.
type StatRequirement struct {
	Metric  string `yaml:"metric" json:"metric"`
	AtLeast *int   `yaml:"at_least,omitempty" json:"at_least,omitempty"`
	AtMost  *int   `yaml:"at_most,omitempty" json:"at_most,omitempty"`
}

// EndingTrigger describes when a configured ending fires. All present
// conditions must hold.
type EndingTrigger struct {
	NodeID          string            `yaml:"node_id,omitempty" json:"node_id,omitempty"`
	DayAtLeast      int               `yaml:"day_at_least,omitempty" json:"day_at_least,omitempty"`
	Stats           []StatRequirement `yaml:"stats,omitempty" json:"stats,omitempty"`
	CompletedQuests []string          `yaml:"completed_quests,omitempty" json:"completed_quests,omitempty"`
}

// EndingDef is a terminal state of the story.
type EndingDef struct {
	ID            string         `yaml:"id" json:"id"`
	Title         string         `yaml:"title,omitempty" json:"title,omitempty"`
	Priority      int            `yaml:"priority" json:"priority"`
	Outcome       Outcome        `yaml:"outcome" json:"outcome"`
	Camp          Camp           `yaml:"camp" json:"camp"`
	Trigger       *EndingTrigger `yaml:"trigger,omitempty" json:"trigger,omitempty"`
	PromptProfile string         `yaml:"prompt_profile,omitempty" json:"prompt_profile,omitempty"` // non-empty selects ending-bundle narration
}

// NpcDef declares an NPC, its starting relationship values and the four
// ascending tier thresholds per axis.
type NpcDef struct {
	ID                  string `yaml:"id" json:"id"`
	Name                string `yaml:"name" json:"name"`
	InitialAffection    int    `yaml:"initial_affection" json:"initial_affection"`
	InitialTrust        int    `yaml:"initial_trust" json:"initial_trust"`
	AffectionThresholds [4]int `yaml:"affection_thresholds" json:"affection_thresholds"`
	TrustThresholds     [4]int `yaml:"trust_thresholds" json:"trust_thresholds"`
	ReactionPolicyID    string `yaml:"reaction_policy_id,omitempty" json:"reaction_policy_id,omitempty"`
}

// ReactionRule matches the NPC's current relation tier and the selection
// source, yielding back-reaction effects applied at tier 0.
type ReactionRule struct {
	RelationTiers []Tier        `yaml:"relation_tiers,omitempty" json:"relation_tiers,omitempty"` // empty matches every tier
	Source        string        `yaml:"source" json:"source"`                                     // "choice" | "fallback" | "any"
	Effects       []RangeEffect `yaml:"effects" json:"effects"`
}

// ReactionPolicy groups reaction rules under a reusable id.
type ReactionPolicy struct {
	ID    string         `yaml:"id" json:"id"`
	Rules []ReactionRule `yaml:"rules" json:"rules"`
}

// FallbackPolicy controls the forced-ending guard for fallback streaks.
type FallbackPolicy struct {
	ForcedFallbackEndingID  string `yaml:"forced_fallback_ending_id,omitempty" json:"forced_fallback_ending_id,omitempty"`
	ForcedFallbackThreshold int    `yaml:"forced_fallback_threshold,omitempty" json:"forced_fallback_threshold,omitempty"` // 0 defers to the configured default
}

// InitialStats optionally overrides the engine's starting stat block.
type InitialStats struct {
	Energy    *int   `yaml:"energy,omitempty" json:"energy,omitempty"`
	Money     *int   `yaml:"money,omitempty" json:"money,omitempty"`
	Knowledge *int   `yaml:"knowledge,omitempty" json:"knowledge,omitempty"`
	Affection *int   `yaml:"affection,omitempty" json:"affection,omitempty"`
	Day       *int   `yaml:"day,omitempty" json:"day,omitempty"`
	Slot      string `yaml:"slot,omitempty" json:"slot,omitempty"`
}

// Pack is one published story document. Packs are immutable after load;
// every field is shared read-only across concurrent sessions.
type Pack struct {
	StoryID               string           `yaml:"story_id" json:"story_id"`
	Version               int              `yaml:"version" json:"version"`
	Title                 string           `yaml:"title,omitempty" json:"title,omitempty"`
	StartNodeID           string           `yaml:"start_node_id" json:"start_node_id"`
	MaxDays               int              `yaml:"max_days,omitempty" json:"max_days,omitempty"`
	MaxSteps              int              `yaml:"max_steps,omitempty" json:"max_steps,omitempty"`
	DefaultTimeoutOutcome Outcome          `yaml:"default_timeout_outcome,omitempty" json:"default_timeout_outcome,omitempty"`
	InitialStats          *InitialStats    `yaml:"initial_stats,omitempty" json:"initial_stats,omitempty"`
	Nodes                 []Node           `yaml:"nodes" json:"nodes"`
	GlobalFallbacks       []Fallback       `yaml:"global_fallbacks,omitempty" json:"global_fallbacks,omitempty"`
	EndingDefs            []EndingDef      `yaml:"ending_defs,omitempty" json:"ending_defs,omitempty"`
	NpcDefs               []NpcDef         `yaml:"npc_defs,omitempty" json:"npc_defs,omitempty"`
	ReactionPolicies      []ReactionPolicy `yaml:"reaction_policies,omitempty" json:"reaction_policies,omitempty"`
	FallbackPolicy        FallbackPolicy   `yaml:"fallback_policy,omitempty" json:"fallback_policy,omitempty"`
}

// View is a resolved pack: defaults merged in and O(1) indices built.
// Views are immutable and safe for concurrent use.
type View struct {
	Pack               *Pack
	EffectiveFallbacks []Fallback
	EffectiveEndings   []EndingDef

	NodeByID     map[string]*Node
	FallbackByID map[string]*Fallback
	EndingByID   map[string]*EndingDef
	NpcByID      map[string]*NpcDef
	PolicyByID   map[string]*ReactionPolicy
	choiceIndex  map[string]map[string]*Choice
}

// Node returns the node with the given id, or nil.
func (v *View) Node(id string) *Node {
	return v.NodeByID[id]
}

// Choice returns the choice on the given node, or nil when either the
// node or the choice is unknown.
func (v *View) Choice(nodeID, choiceID string) *Choice {
	if m, ok := v.choiceIndex[nodeID]; ok {
		return m[choiceID]
	}
	return nil
}

// Ending returns the effective ending with the given id, or nil.
func (v *View) Ending(id string) *EndingDef {
	return v.EndingByID[id]
}

// Fallback returns the effective fallback with the given id, or nil.
func (v *View) Fallback(id string) *Fallback {
	return v.FallbackByID[id]
}

// Npc returns the NPC definition with the given id, or nil.
func (v *View) Npc(id string) *NpcDef {
	return v.NpcByID[id]
}

// ReactionPolicyFor resolves the reaction policy attached to an NPC, or
// nil when the NPC has none.
func (v *View) ReactionPolicyFor(npcID string) *ReactionPolicy {
	npc, ok := v.NpcByID[npcID]
	if !ok || npc.ReactionPolicyID == "" {
		return nil
	}
	return v.PolicyByID[npc.ReactionPolicyID]
}

// ForcedFallbackThreshold returns the pack's forced-ending streak bound,
// falling back to defaultMax when the pack leaves it unset.
func (v *View) ForcedFallbackThreshold(defaultMax int) int {
	if v.Pack.FallbackPolicy.ForcedFallbackThreshold > 0 {
		return v.Pack.FallbackPolicy.ForcedFallbackThreshold
	}
	return defaultMax
}

func buildView(p *Pack, fallbacks []Fallback, endings []EndingDef) *View {
	v := &View{
		Pack:               p,
		EffectiveFallbacks: fallbacks,
		EffectiveEndings:   endings,
		NodeByID:           make(map[string]*Node, len(p.Nodes)),
		FallbackByID:       make(map[string]*Fallback, len(fallbacks)),
		EndingByID:         make(map[string]*EndingDef, len(endings)),
		NpcByID:            make(map[string]*NpcDef, len(p.NpcDefs)),
		PolicyByID:         make(map[string]*ReactionPolicy, len(p.ReactionPolicies)),
		choiceIndex:        make(map[string]map[string]*Choice, len(p.Nodes)),
	}
	for i := range p.Nodes {
		n := &p.Nodes[i]
		v.NodeByID[n.ID] = n
		cm := make(map[string]*Choice, len(n.Choices))
		for j := range n.Choices {
			cm[n.Choices[j].ID] = &n.Choices[j]
		}
		v.choiceIndex[n.ID] = cm
	}
	for i := range v.EffectiveFallbacks {
		v.FallbackByID[v.EffectiveFallbacks[i].ID] = &v.EffectiveFallbacks[i]
	}
	for i := range v.EffectiveEndings {
		v.EndingByID[v.EffectiveEndings[i].ID] = &v.EffectiveEndings[i]
	}
	for i := range p.NpcDefs {
		v.NpcByID[p.NpcDefs[i].ID] = &p.NpcDefs[i]
	}
	for i := range p.ReactionPolicies {
		v.PolicyByID[p.ReactionPolicies[i].ID] = &p.ReactionPolicies[i]
	}
	return v
}

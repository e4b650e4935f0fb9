package story

// BuiltinStoryID names the sample pack registered when the pack
// directory does not provide its own copy. It doubles as the fixture
// for the end-to-end suites.
const BuiltinStoryID = "campus_week_v1"

// builtinPack returns a fresh copy of the bundled campus-week story.
// A week of classes, shifts and one friendship to keep: small enough to
// read in one sitting, rich enough to exercise every engine path
// (gates, reactions, forced endings, bundle endings, timeouts).
func builtinPack() *Pack {
	return &Pack{
		StoryID:               BuiltinStoryID,
		Version:               1,
		Title:                 "Campus Week",
		StartNodeID:           "n_hub",
		MaxDays:               7,
		MaxSteps:              60,
		DefaultTimeoutOutcome: OutcomeNeutral,
		Nodes: []Node{
			{
				ID:    "n_hub",
				Brief: "The campus quad at midday. Library to the north, the cafe where you work to the east, your dorm to the west. Mira is usually around.",
				Choices: []Choice{
					{
						ID:         "c_study",
						Text:       "Head to the library and study",
						NextNodeID: "n_library",
						RangeEffects: []RangeEffect{
							{TargetType: "player", Metric: "knowledge", Center: 5, Intensity: 2},
							{TargetType: "player", Metric: "energy", Center: -5, Intensity: 2},
						},
						ReactiveNpcIDs: []string{"npc_mira"},
					},
					{
						ID:         "c_work",
						Text:       "Take a shift at the cafe",
						NextNodeID: "n_cafe",
						RangeEffects: []RangeEffect{
							{TargetType: "player", Metric: "money", Center: 20, Intensity: 5},
							{TargetType: "player", Metric: "energy", Center: -8, Intensity: 3},
						},
					},
					{
						ID:         "c_rest",
						Text:       "Go back to the dorm and rest",
						NextNodeID: "n_dorm",
						RangeEffects: []RangeEffect{
							{TargetType: "player", Metric: "energy", Center: 12, Intensity: 4},
						},
					},
					{
						ID:         "c_confide",
						Text:       "Find Mira and tell her what has been weighing on you",
						NextNodeID: "n_rooftop",
						Gates: []GateRule{
							{NpcID: "npc_mira", Axis: "trust", MinTier: TierWarm},
						},
						RangeEffects: []RangeEffect{
							{TargetType: "npc", Metric: "affection", Center: 6, Intensity: 2, TargetID: "npc_mira"},
						},
						ReactiveNpcIDs: []string{"npc_mira"},
					},
				},
			},
			{
				ID:    "n_library",
				Brief: "Long tables, low lamps. Your reading list is not getting shorter.",
				Choices: []Choice{
					{
						ID:         "c_research",
						Text:       "Dig into the hard chapters",
						NextNodeID: "n_hub",
						RangeEffects: []RangeEffect{
							{TargetType: "player", Metric: "knowledge", Center: 8, Intensity: 3},
							{TargetType: "player", Metric: "energy", Center: -6, Intensity: 2},
						},
					},
					{
						ID:         "c_help_mira",
						Text:       "Help Mira with her lab write-up",
						NextNodeID: "n_hub",
						RangeEffects: []RangeEffect{
							{TargetType: "npc", Metric: "trust", Center: 8, Intensity: 2, TargetID: "npc_mira"},
							{TargetType: "player", Metric: "knowledge", Center: 2, Intensity: 1},
						},
						ReactiveNpcIDs: []string{"npc_mira"},
					},
					{ID: "c_back", Text: "Head back to the quad", NextNodeID: "n_hub"},
				},
			},
			{
				ID:    "n_cafe",
				Brief: "Espresso hiss and a tip jar. The manager keeps glancing at the clock.",
				Choices: []Choice{
					{
						ID:         "c_double_shift",
						Text:       "Stay for the closing shift",
						NextNodeID: "n_hub",
						RangeEffects: []RangeEffect{
							{TargetType: "player", Metric: "money", Center: 35, Intensity: 8},
							{TargetType: "player", Metric: "energy", Center: -15, Intensity: 4},
						},
					},
					{ID: "c_back", Text: "Clock out and head back", NextNodeID: "n_hub"},
				},
			},
			{
				ID:    "n_dorm",
				Brief: "Your room. The bed argues persuasively against ambition.",
				Choices: []Choice{
					{
						ID:         "c_sleep",
						Text:       "Sleep properly for once",
						NextNodeID: "n_hub",
						RangeEffects: []RangeEffect{
							{TargetType: "player", Metric: "energy", Center: 25, Intensity: 5},
						},
					},
					{ID: "c_back", Text: "Head out again", NextNodeID: "n_hub"},
				},
			},
			{
				ID:    "n_rooftop",
				Brief: "The dorm rooftop at dusk. Mira listens the way few people do.",
				Choices: []Choice{
					{
						ID:       "c_promise",
						Text:     "Promise to stop carrying it alone",
						EndingID: "ending_true_friend",
						RangeEffects: []RangeEffect{
							{TargetType: "npc", Metric: "affection", Center: 10, Intensity: 2, TargetID: "npc_mira"},
							{TargetType: "npc", Metric: "trust", Center: 10, Intensity: 2, TargetID: "npc_mira"},
						},
					},
					{ID: "c_back", Text: "Change the subject and head down", NextNodeID: "n_hub"},
				},
				NodeFallbackID: "fallback:off_topic",
			},
		},
		GlobalFallbacks: []Fallback{
			{
				ID:           "fallback:off_topic",
				ReasonCode:   ReasonOffTopic,
				Text:         "That is beside the point right now; the campus day pulls you back.",
				TargetNodeID: "n_hub",
				RangeEffects: []RangeEffect{
					{TargetType: "player", Metric: "energy", Center: -1, Intensity: 1},
				},
				ReactiveNpcIDs: []string{"npc_mira"},
			},
		},
		EndingDefs: []EndingDef{
			{
				ID:            "ending_true_friend",
				Title:         "Someone In Your Corner",
				Priority:      10,
				Outcome:       OutcomeSuccess,
				Camp:          CampPlayer,
				PromptProfile: "ending_bundle_default",
			},
			{
				ID:       "ending_burnout",
				Title:    "Running On Empty",
				Priority: 20,
				Outcome:  OutcomeFail,
				Camp:     CampWorld,
				Trigger: &EndingTrigger{
					Stats: []StatRequirement{{Metric: "energy", AtMost: intp(0)}},
				},
			},
			{
				ID:       "ending_scholar",
				Title:    "Top Of The Curve",
				Priority: 30,
				Outcome:  OutcomeSuccess,
				Camp:     CampPlayer,
				Trigger: &EndingTrigger{
					DayAtLeast: 5,
					Stats:      []StatRequirement{{Metric: "knowledge", AtLeast: intp(60)}},
				},
			},
			{
				ID:            "ending_forced_fail",
				Title:         "The Week Gets Away From You",
				Priority:      40,
				Outcome:       OutcomeFail,
				Camp:          CampWorld,
				PromptProfile: "ending_bundle_default",
			},
		},
		NpcDefs: []NpcDef{
			{
				ID:                  "npc_mira",
				Name:                "Mira",
				InitialAffection:    5,
				InitialTrust:        0,
				AffectionThresholds: [4]int{-60, -20, 20, 60},
				TrustThresholds:     [4]int{-60, -20, 20, 60},
				ReactionPolicyID:    "pol_mira",
			},
		},
		ReactionPolicies: []ReactionPolicy{
			{
				ID: "pol_mira",
				Rules: []ReactionRule{
					{
						Source: "fallback",
						Effects: []RangeEffect{
							{TargetType: "npc", Metric: "trust", Center: -2},
						},
					},
					{
						RelationTiers: []Tier{TierWarm, TierClose},
						Source:        "choice",
						Effects: []RangeEffect{
							{TargetType: "npc", Metric: "affection", Center: 2},
						},
					},
				},
			},
		},
		FallbackPolicy: FallbackPolicy{
			ForcedFallbackEndingID:  "ending_forced_fail",
			ForcedFallbackThreshold: 3,
		},
	}
}

func intp(v int) *int { return &v }

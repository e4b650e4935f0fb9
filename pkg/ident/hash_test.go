package ident

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalJSON_KeyOrderIndependent(t *testing.T) {
	a := map[string]any{"choice_id": "c_study", "player_input": ""}
	b := map[string]any{"player_input": "", "choice_id": "c_study"}

	ca, err := CanonicalJSON(a)
	require.NoError(t, err)
	cb, err := CanonicalJSON(b)
	require.NoError(t, err)

	assert.Equal(t, string(ca), string(cb))
}

func TestCanonicalJSON_StructAndMapAgree(t *testing.T) {
	type payload struct {
		ChoiceID    string `json:"choice_id,omitempty"`
		PlayerInput string `json:"player_input,omitempty"`
	}

	fromStruct, err := CanonicalJSON(payload{ChoiceID: "c_work"})
	require.NoError(t, err)
	fromMap, err := CanonicalJSON(map[string]string{"choice_id": "c_work"})
	require.NoError(t, err)

	assert.Equal(t, string(fromStruct), string(fromMap))
}

func TestRequestHash_DiffersOnPayloadChange(t *testing.T) {
	h1, err := RequestHash(map[string]string{"choice_id": "c_study"})
	require.NoError(t, err)
	h2, err := RequestHash(map[string]string{"choice_id": "c_work"})
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestTokenRef_StableAndOpaque(t *testing.T) {
	ref := TokenRef("secret-token")
	assert.Equal(t, ref, TokenRef("secret-token"))
	assert.NotContains(t, ref, "secret")
	assert.True(t, len(ref) == 2+32)
}

func TestPickIndex(t *testing.T) {
	t.Run("stable for equal inputs", func(t *testing.T) {
		i := PickIndex(7, "n_hub", "sing", "3", "NO_MATCH")
		j := PickIndex(7, "n_hub", "sing", "3", "NO_MATCH")
		assert.Equal(t, i, j)
	})

	t.Run("always in range", func(t *testing.T) {
		for _, n := range []int{1, 2, 3, 5, 16} {
			i := PickIndex(n, "node", "input")
			assert.GreaterOrEqual(t, i, 0)
			assert.Less(t, i, n)
		}
	})

	t.Run("degenerate n", func(t *testing.T) {
		assert.Equal(t, 0, PickIndex(0, "x"))
		assert.Equal(t, 0, PickIndex(-1, "x"))
	})
}

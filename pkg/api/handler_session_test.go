package api

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyloom/loom/pkg/models"
	"github.com/storyloom/loom/pkg/services"
	"github.com/storyloom/loom/pkg/story"
)

func TestCreateSessionEndpoint(t *testing.T) {
	env := newServerEnv(t, AuthConfig{})

	rec := env.do(t, "POST", "/api/v1/sessions", models.CreateSessionRequest{StoryID: story.BuiltinStoryID}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var sess models.SessionStateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))
	assert.NotEmpty(t, sess.SessionID)
	assert.Equal(t, story.BuiltinStoryID, sess.StoryID)
	assert.Equal(t, models.SessionStatusActive, sess.Status)
	assert.Equal(t, "n_hub", sess.StoryNodeID)
	assert.NotEmpty(t, sess.Choices)
}

func TestCreateSessionEndpointErrors(t *testing.T) {
	env := newServerEnv(t, AuthConfig{})

	t.Run("malformed body", func(t *testing.T) {
		rec := env.do(t, "POST", "/api/v1/sessions", nil, nil)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, string(services.CodeBadRequest), decodeErrorDetail(t, rec).Code)
	})

	t.Run("unknown story", func(t *testing.T) {
		rec := env.do(t, "POST", "/api/v1/sessions", models.CreateSessionRequest{StoryID: "no_such_story"}, nil)
		require.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, string(services.CodeNotFound), decodeErrorDetail(t, rec).Code)
	})
}

func TestGetSessionEndpoint(t *testing.T) {
	env := newServerEnv(t, AuthConfig{})
	id := env.createSession(t)

	rec := env.do(t, "GET", "/api/v1/sessions/"+id, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var sess models.SessionStateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))
	assert.Equal(t, id, sess.SessionID)
	assert.Equal(t, "n_hub", sess.StoryNodeID)

	missing := env.do(t, "GET", "/api/v1/sessions/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

func TestAuthGate(t *testing.T) {
	env := newServerEnv(t, AuthConfig{PlayerToken: "player-secret", AuthorToken: "author-secret"})

	t.Run("no token is rejected", func(t *testing.T) {
		rec := env.do(t, "POST", "/api/v1/sessions", models.CreateSessionRequest{StoryID: story.BuiltinStoryID}, nil)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, string(services.CodeUnauthorized), decodeErrorDetail(t, rec).Code)
	})

	t.Run("wrong token is rejected", func(t *testing.T) {
		rec := env.do(t, "POST", "/api/v1/sessions", models.CreateSessionRequest{StoryID: story.BuiltinStoryID},
			map[string]string{"X-Player-Token": "guess"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("player token is accepted", func(t *testing.T) {
		rec := env.do(t, "POST", "/api/v1/sessions", models.CreateSessionRequest{StoryID: story.BuiltinStoryID},
			map[string]string{"X-Player-Token": "player-secret"})
		assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	})

	t.Run("user override needs the author token", func(t *testing.T) {
		body := models.CreateSessionRequest{StoryID: story.BuiltinStoryID, UserID: "playtester-7"}

		rec := env.do(t, "POST", "/api/v1/sessions", body, map[string]string{"X-Player-Token": "player-secret"})
		require.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, string(services.CodeForbidden), decodeErrorDetail(t, rec).Code)

		rec = env.do(t, "POST", "/api/v1/sessions", body, map[string]string{"X-Author-Token": "author-secret"})
		assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	})
}

func TestOwnershipAcrossActors(t *testing.T) {
	env := newServerEnv(t, AuthConfig{PlayerToken: "player-secret", AuthorToken: "author-secret"})
	player := map[string]string{"X-Player-Token": "player-secret"}

	rec := env.do(t, "POST", "/api/v1/sessions", models.CreateSessionRequest{StoryID: story.BuiltinStoryID}, player)
	require.Equal(t, http.StatusCreated, rec.Code)
	var sess models.SessionStateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))

	t.Run("owner reads own session", func(t *testing.T) {
		got := env.do(t, "GET", "/api/v1/sessions/"+sess.SessionID, nil, player)
		assert.Equal(t, http.StatusOK, got.Code)
	})

	t.Run("jwt identity of another user is rejected", func(t *testing.T) {
		env2 := newServerEnv(t, AuthConfig{PlayerToken: "player-secret", JWTSecret: "jwt-secret"})
		rec := env2.do(t, "POST", "/api/v1/sessions", models.CreateSessionRequest{StoryID: story.BuiltinStoryID},
			map[string]string{"X-Player-Token": "player-secret", "Authorization": "Bearer " + signJWT(t, "jwt-secret", "alice")})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		var owned models.SessionStateResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &owned))

		got := env2.do(t, "GET", "/api/v1/sessions/"+owned.SessionID, nil,
			map[string]string{"X-Player-Token": "player-secret", "Authorization": "Bearer " + signJWT(t, "jwt-secret", "bob")})
		assert.Equal(t, http.StatusForbidden, got.Code)
	})

	t.Run("author reads any session", func(t *testing.T) {
		got := env.do(t, "GET", "/api/v1/sessions/"+sess.SessionID, nil,
			map[string]string{"X-Author-Token": "author-secret"})
		assert.Equal(t, http.StatusOK, got.Code)
	})
}

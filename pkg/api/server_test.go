package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/storyloom/loom/pkg/llm/llmtest"
	"github.com/storyloom/loom/pkg/models"
	"github.com/storyloom/loom/pkg/services"
	"github.com/storyloom/loom/pkg/store"
	"github.com/storyloom/loom/pkg/store/sqlite"
	"github.com/storyloom/loom/pkg/story"
	"github.com/storyloom/loom/pkg/telemetry"
)

type serverEnv struct {
	server *Server
	store  store.Store
	client *llmtest.Scripted
}

func newServerEnv(t *testing.T, auth AuthConfig) *serverEnv {
	t.Helper()
	ctx := context.Background()

	st, err := sqlite.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	registry := story.NewRegistry(t.TempDir())
	require.NoError(t, registry.Reload())

	client := llmtest.NewScripted()
	sink := telemetry.NewSink()
	sessions := services.NewSessionService(st, registry)
	steps := services.NewStepService(sessions, st, client, sink, services.StepConfig{})

	if auth.DefaultUserRef == "" {
		auth.DefaultUserRef = "anonymous"
	}
	srv := NewServer(sessions, steps, st, registry, sink, "fake", auth)
	return &serverEnv{server: srv, store: st, client: client}
}

func (e *serverEnv) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *serverEnv) createSession(t *testing.T) string {
	t.Helper()
	rec := e.do(t, "POST", "/api/v1/sessions", models.CreateSessionRequest{StoryID: story.BuiltinStoryID}, nil)
	require.Equal(t, 201, rec.Code, rec.Body.String())
	var sess models.SessionStateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))
	return sess.SessionID
}

func decodeErrorDetail(t *testing.T, rec *httptest.ResponseRecorder) ErrorDetail {
	t.Helper()
	var env ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env.Detail
}

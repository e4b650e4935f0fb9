package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyloom/loom/pkg/events"
	"github.com/storyloom/loom/pkg/models"
	"github.com/storyloom/loom/pkg/services"
)

func TestStepEndpoint(t *testing.T) {
	env := newServerEnv(t, AuthConfig{})
	id := env.createSession(t)

	rec := env.do(t, "POST", "/api/v1/sessions/"+id+"/step",
		models.StepRequest{ChoiceID: "c_study"},
		map[string]string{idempotencyKeyHeader: "k1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")

	var resp models.StepResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "n_library", resp.StoryNodeID)
	assert.Equal(t, "c_study", resp.ExecutedChoiceID)
	assert.NotEmpty(t, resp.NarrativeText)
}

func TestStepEndpointErrors(t *testing.T) {
	env := newServerEnv(t, AuthConfig{})
	id := env.createSession(t)

	t.Run("missing idempotency key", func(t *testing.T) {
		rec := env.do(t, "POST", "/api/v1/sessions/"+id+"/step", models.StepRequest{ChoiceID: "c_study"}, nil)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, string(services.CodeMissingIdempotencyKey), decodeErrorDetail(t, rec).Code)
	})

	t.Run("unknown choice", func(t *testing.T) {
		rec := env.do(t, "POST", "/api/v1/sessions/"+id+"/step",
			models.StepRequest{ChoiceID: "c_nope"},
			map[string]string{idempotencyKeyHeader: "k_bad_choice"})
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Equal(t, string(services.CodeInvalidChoice), decodeErrorDetail(t, rec).Code)
	})

	t.Run("unknown session", func(t *testing.T) {
		rec := env.do(t, "POST", "/api/v1/sessions/nope/step",
			models.StepRequest{ChoiceID: "c_study"},
			map[string]string{idempotencyKeyHeader: "k_no_session"})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestStepEndpointReplayIsByteIdentical(t *testing.T) {
	env := newServerEnv(t, AuthConfig{})
	id := env.createSession(t)

	body := models.StepRequest{ChoiceID: "c_study"}
	headers := map[string]string{idempotencyKeyHeader: "k1"}

	first := env.do(t, "POST", "/api/v1/sessions/"+id+"/step", body, headers)
	require.Equal(t, http.StatusOK, first.Code)

	second := env.do(t, "POST", "/api/v1/sessions/"+id+"/step", body, headers)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, first.Body.Bytes(), second.Body.Bytes())

	// Same key with a different payload is a contract violation.
	mismatch := env.do(t, "POST", "/api/v1/sessions/"+id+"/step",
		models.StepRequest{ChoiceID: "c_work"}, headers)
	require.Equal(t, http.StatusConflict, mismatch.Code)
	assert.Equal(t, string(services.CodeIdempotencyPayloadMismatch), decodeErrorDetail(t, mismatch).Code)
}

type sseEvent struct {
	Name string
	Data string
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var out []sseEvent
	for _, block := range strings.Split(body, "\n\n") {
		if strings.TrimSpace(block) == "" {
			continue
		}
		var ev sseEvent
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.Name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.Data = strings.TrimPrefix(line, "data: ")
			}
		}
		require.NotEmpty(t, ev.Name, "frame without event name: %q", block)
		out = append(out, ev)
	}
	return out
}

func eventNames(evs []sseEvent) []string {
	names := make([]string, len(evs))
	for i, ev := range evs {
		names[i] = ev.Name
	}
	return names
}

func TestStepStreamEndpoint(t *testing.T) {
	env := newServerEnv(t, AuthConfig{})
	id := env.createSession(t)

	rec := env.do(t, "POST", "/api/v1/sessions/"+id+"/step/stream",
		models.StepRequest{ChoiceID: "c_study"},
		map[string]string{idempotencyKeyHeader: "k1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))

	evs := parseSSE(t, rec.Body.String())
	names := eventNames(evs)

	require.GreaterOrEqual(t, len(names), 8)
	assert.Equal(t, events.EventTypeMeta, names[0])
	assert.Equal(t, events.EventTypeFinal, names[len(names)-2])
	assert.Equal(t, events.EventTypeDone, names[len(names)-1])
	assert.Contains(t, names, events.EventTypeNarrativeDelta)

	var phases []string
	for _, ev := range evs {
		if ev.Name == events.EventTypePhase {
			var p events.PhasePayload
			require.NoError(t, json.Unmarshal([]byte(ev.Data), &p))
			phases = append(phases, p.Name)
		}
	}
	assert.Equal(t, []string{
		events.PhaseSelectionStart,
		events.PhaseSelectionDone,
		events.PhaseNarrationStart,
		events.PhaseNarrationDone,
		events.PhaseFinalizing,
	}, phases)

	var meta events.MetaPayload
	require.NoError(t, json.Unmarshal([]byte(evs[0].Data), &meta))
	assert.Equal(t, id, meta.SessionID)
	assert.Equal(t, "k1", meta.IdempotencyKey)
	assert.False(t, meta.Replayed)

	var resp models.StepResponse
	require.NoError(t, json.Unmarshal([]byte(evs[len(evs)-2].Data), &resp))
	assert.Equal(t, "n_library", resp.StoryNodeID)
}

func TestStepStreamReplay(t *testing.T) {
	env := newServerEnv(t, AuthConfig{})
	id := env.createSession(t)

	body := models.StepRequest{ChoiceID: "c_study"}
	headers := map[string]string{idempotencyKeyHeader: "k1"}

	first := env.do(t, "POST", "/api/v1/sessions/"+id+"/step", body, headers)
	require.Equal(t, http.StatusOK, first.Code)

	rec := env.do(t, "POST", "/api/v1/sessions/"+id+"/step/stream", body, headers)
	require.Equal(t, http.StatusOK, rec.Code)

	evs := parseSSE(t, rec.Body.String())
	require.Equal(t, []string{
		events.EventTypeMeta,
		events.EventTypeReplay,
		events.EventTypeFinal,
		events.EventTypeDone,
	}, eventNames(evs))

	var meta events.MetaPayload
	require.NoError(t, json.Unmarshal([]byte(evs[0].Data), &meta))
	assert.True(t, meta.Replayed)

	// The final frame carries the bytes of the original response.
	assert.Equal(t, first.Body.String(), evs[2].Data)
}

func TestStepStreamError(t *testing.T) {
	env := newServerEnv(t, AuthConfig{})
	id := env.createSession(t)

	rec := env.do(t, "POST", "/api/v1/sessions/"+id+"/step/stream",
		models.StepRequest{ChoiceID: "c_study"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	evs := parseSSE(t, rec.Body.String())
	require.Equal(t, []string{events.EventTypeError, events.EventTypeDone}, eventNames(evs))

	var payload events.ErrorPayload
	require.NoError(t, json.Unmarshal([]byte(evs[0].Data), &payload))
	assert.Equal(t, string(services.CodeMissingIdempotencyKey), payload.Code)
	assert.NotEmpty(t, payload.Message)
}

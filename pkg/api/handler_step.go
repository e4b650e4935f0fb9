package api

import (
	"errors"
	"net/http"
	"sync"

	echo "github.com/labstack/echo/v5"

	"github.com/storyloom/loom/pkg/events"
	"github.com/storyloom/loom/pkg/models"
	"github.com/storyloom/loom/pkg/services"
)

// idempotencyKeyHeader carries the client-chosen step key. It is
// required on both step endpoints.
const idempotencyKeyHeader = "X-Idempotency-Key"

// handleStep executes one step synchronously:
// POST /api/v1/sessions/:id/step.
func (s *Server) handleStep(c *echo.Context) error {
	id, err := s.resolveIdentity(c)
	if err != nil {
		return err
	}

	var req models.StepRequest
	if err := c.Bind(&req); err != nil {
		return services.E(services.CodeBadRequest, "invalid request body")
	}

	out, err := s.steps.ExecuteStep(
		c.Request().Context(),
		c.Param("id"),
		req,
		c.Request().Header.Get(idempotencyKeyHeader),
		id.actorRef(),
		events.NullSink{},
	)
	if err != nil {
		return err
	}

	// The stored response bytes are served verbatim so that replays are
	// byte-identical with the first execution.
	return writeRawJSON(c, http.StatusOK, out.Raw)
}

// handleStepStream executes one step over SSE:
// POST /api/v1/sessions/:id/step/stream.
//
// Frame order on success: meta, the pipeline phases with narrative
// deltas, final with the committed StepResponse, done. Replays skip the
// phases: meta, replay, final, done. Errors after the stream opened are
// delivered in-stream as error, done.
func (s *Server) handleStepStream(c *echo.Context) error {
	id, err := s.resolveIdentity(c)
	if err != nil {
		return err
	}

	var req models.StepRequest
	if err := c.Bind(&req); err != nil {
		return services.E(services.CodeBadRequest, "invalid request body")
	}
	key := c.Request().Header.Get(idempotencyKeyHeader)

	stream, err := events.NewStream(c.Response(), c.Request())
	if err != nil {
		return err
	}
	sink := &metaOnceSink{
		stream: stream,
		meta:   events.MetaPayload{SessionID: c.Param("id"), IdempotencyKey: key},
	}

	out, err := s.steps.ExecuteStep(c.Request().Context(), c.Param("id"), req, key, id.actorRef(), sink)
	if err != nil {
		msg := err.Error()
		var de *services.Error
		if errors.As(err, &de) {
			msg = de.Message
		}
		_ = stream.Send(events.EventTypeError, events.ErrorPayload{
			Code:    string(services.CodeOf(err)),
			Message: msg,
		})
		_ = stream.Send(events.EventTypeDone, struct{}{})
		return nil
	}

	if out.Replayed {
		sink.meta.Replayed = true
		sink.ensureMeta()
		_ = stream.Send(events.EventTypeReplay, struct{}{})
	}
	_ = stream.SendRaw(events.EventTypeFinal, out.Raw)
	_ = stream.Send(events.EventTypeDone, struct{}{})
	return nil
}

// metaOnceSink defers the meta frame until the pipeline produces its
// first event, so a replay (which produces none) can mark the meta
// frame as replayed.
type metaOnceSink struct {
	stream *events.Stream
	meta   events.MetaPayload
	once   sync.Once
}

func (m *metaOnceSink) ensureMeta() {
	m.once.Do(func() { _ = m.stream.Send(events.EventTypeMeta, m.meta) })
}

func (m *metaOnceSink) Phase(name string, detail map[string]any) {
	m.ensureMeta()
	m.stream.Phase(name, detail)
}

func (m *metaOnceSink) Delta(text string) {
	m.ensureMeta()
	m.stream.Delta(text)
}

func (m *metaOnceSink) Aborted() bool {
	return m.stream.Aborted()
}

func writeRawJSON(c *echo.Context, status int, raw []byte) error {
	c.Response().Header().Set("Content-Type", "application/json; charset=UTF-8")
	c.Response().WriteHeader(status)
	_, err := c.Response().Write(raw)
	return err
}

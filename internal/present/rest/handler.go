package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/zeebo/xxh3"

	"github.com/totegamma/canvasd/internal/domain"
	"github.com/totegamma/canvasd/internal/engine"
	"github.com/totegamma/canvasd/internal/metadata"
	"github.com/totegamma/canvasd/internal/present/rest/presenter"
	"github.com/totegamma/canvasd/internal/session"
	"github.com/totegamma/canvasd/internal/usecase"
)

// Extractor serves the enrichment endpoint.
type Extractor interface {
	Extract(ctx context.Context, rawURL string) (domain.EnrichmentResult, error)
}

// EventStream feeds the realtime socket.
type EventStream interface {
	Realtime(ctx context.Context, input <-chan []string, output chan<- domain.Event)
}

type Handler struct {
	sessions  *session.Manager
	canvas    *usecase.CanvasUsecase
	extractor Extractor
	events    EventStream
}

func NewHandler(
	sessions *session.Manager,
	canvas *usecase.CanvasUsecase,
	extractor Extractor,
	events EventStream,
) *Handler {
	return &Handler{
		sessions:  sessions,
		canvas:    canvas,
		extractor: extractor,
		events:    events,
	}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.handleHealth)
	e.GET("/api/v1/canvas/:owner", h.handleCanvas)
	e.POST("/api/v1/sessions/:owner", h.handleOpenSession)
	e.DELETE("/api/v1/sessions/:owner", h.handleCloseSession)
	e.GET("/api/v1/sessions/:owner", h.handleSessionStatus)
	e.GET("/api/v1/sessions/:owner/snapshot", h.handleSnapshot)
	e.POST("/api/v1/sessions/:owner/entities", h.handleAddEntities)
	e.PATCH("/api/v1/sessions/:owner/entities/:id", h.handlePatchEntity)
	e.DELETE("/api/v1/sessions/:owner/entities/:id", h.handleRemoveEntity)
	e.PUT("/api/v1/sessions/:owner/view", h.handlePutView)
	e.POST("/api/v1/sessions/:owner/flush", h.handleFlush)
	e.POST("/api/v1/sessions/:owner/entities/:id/reapply", h.handleReapply)
	e.POST("/api/v1/enrich", h.handleEnrich)
	e.GET("/realtime", h.handleRealtime)
}

func (h *Handler) handleHealth(c echo.Context) error {
	return presenter.OK(c, echo.Map{"status": "ok"})
}

func (h *Handler) handleCanvas(c echo.Context) error {
	ctx := c.Request().Context()

	state, err := h.canvas.Load(ctx, c.Param("owner"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return presenter.NotFound(c, "canvas not found")
		}
		return presenter.InternalError(c, err)
	}

	body, err := json.Marshal(state)
	if err != nil {
		return presenter.InternalError(c, err)
	}

	etag := `"` + strconv.FormatUint(xxh3.Hash(body), 16) + `"`
	c.Response().Header().Set("ETag", etag)
	if match := c.Request().Header.Get("If-None-Match"); match != "" && match == etag {
		return c.NoContent(http.StatusNotModified)
	}
	return c.JSONBlob(http.StatusOK, body)
}

type sessionStatus struct {
	Owner     string `json:"owner"`
	State     string `json:"state"`
	Ready     bool   `json:"ready"`
	Hydrating bool   `json:"hydrating"`
	Pending   int64  `json:"pending"`
	Scheduled bool   `json:"scheduled"`
}

func statusOf(s *session.Session) sessionStatus {
	return sessionStatus{
		Owner:     s.Owner,
		State:     s.Engine.State().String(),
		Ready:     s.Engine.Ready(),
		Hydrating: s.Engine.Hydrating(),
		Pending:   s.Engine.Pending(),
		Scheduled: s.Engine.Scheduled(),
	}
}

func (h *Handler) handleOpenSession(c echo.Context) error {
	ctx := c.Request().Context()

	s, err := h.sessions.Open(ctx, c.Param("owner"))
	if err != nil {
		return presenter.InternalError(c, err)
	}
	return presenter.OK(c, statusOf(s))
}

func (h *Handler) handleCloseSession(c echo.Context) error {
	ctx := c.Request().Context()

	err := h.sessions.Close(ctx, c.Param("owner"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return presenter.NotFound(c, "session not open")
		}
		return presenter.InternalError(c, err)
	}
	return presenter.OK(c, echo.Map{"status": "ok"})
}

func (h *Handler) handleSessionStatus(c echo.Context) error {
	s, ok := h.sessions.Get(c.Param("owner"))
	if !ok {
		return presenter.NotFound(c, "session not open")
	}
	return presenter.OK(c, statusOf(s))
}

func (h *Handler) handleSnapshot(c echo.Context) error {
	s, ok := h.sessions.Get(c.Param("owner"))
	if !ok {
		return presenter.NotFound(c, "session not open")
	}
	return presenter.OK(c, s.Package())
}

type addEntitiesRequest struct {
	Entities []domain.Entity `json:"entities"`
}

func (h *Handler) handleAddEntities(c echo.Context) error {
	s, ok := h.sessions.Get(c.Param("owner"))
	if !ok {
		return presenter.NotFound(c, "session not open")
	}

	var req addEntitiesRequest
	if err := c.Bind(&req); err != nil {
		return presenter.BadRequest(c, err)
	}
	if len(req.Entities) == 0 {
		return presenter.BadRequestMessage(c, "no entities")
	}

	for i := range req.Entities {
		e := &req.Entities[i]
		if e.ID == "" {
			e.ID = domain.NewKey(domain.TypeEntity, uuid.NewString())
		}
		if domain.TypeOf(e.ID) != domain.TypeEntity {
			return presenter.BadRequestMessage(c, fmt.Sprintf("invalid entity id %q", e.ID))
		}
		if e.Kind == "" {
			return presenter.BadRequestMessage(c, "entity kind is required")
		}
		e.TypeName = domain.TypeEntity
	}

	s.Store.LoadEntities(req.Entities, domain.OriginUser)
	return presenter.Created(c, req.Entities)
}

func (h *Handler) handlePatchEntity(c echo.Context) error {
	s, ok := h.sessions.Get(c.Param("owner"))
	if !ok {
		return presenter.NotFound(c, "session not open")
	}

	var patch domain.EntityPatch
	if err := c.Bind(&patch); err != nil {
		return presenter.BadRequest(c, err)
	}

	updated, err := s.Store.UpdateEntity(c.Param("id"), patch, domain.OriginUser)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return presenter.NotFound(c, "entity not found")
		}
		return presenter.InternalError(c, err)
	}
	return presenter.OK(c, updated)
}

func (h *Handler) handleRemoveEntity(c echo.Context) error {
	s, ok := h.sessions.Get(c.Param("owner"))
	if !ok {
		return presenter.NotFound(c, "session not open")
	}

	if err := s.Store.RemoveEntity(c.Param("id"), domain.OriginUser); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return presenter.NotFound(c, "entity not found")
		}
		return presenter.InternalError(c, err)
	}
	return presenter.OK(c, echo.Map{"status": "ok"})
}

func (h *Handler) handlePutView(c echo.Context) error {
	s, ok := h.sessions.Get(c.Param("owner"))
	if !ok {
		return presenter.NotFound(c, "session not open")
	}

	var view domain.ViewRecord
	if err := c.Bind(&view); err != nil {
		return presenter.BadRequest(c, err)
	}
	switch domain.TypeOf(view.ID) {
	case domain.TypeView, domain.TypeSession, domain.TypeHistory:
	default:
		return presenter.BadRequestMessage(c, fmt.Sprintf("invalid view id %q", view.ID))
	}

	s.Store.PutView(view, domain.OriginUser)
	return presenter.OK(c, view)
}

func (h *Handler) handleFlush(c echo.Context) error {
	ctx := c.Request().Context()

	s, ok := h.sessions.Get(c.Param("owner"))
	if !ok {
		return presenter.NotFound(c, "session not open")
	}

	if err := s.Engine.FlushNow(ctx); err != nil {
		if errors.Is(err, engine.ErrNotReady) {
			return presenter.Conflict(c, err.Error())
		}
		return presenter.InternalError(c, err)
	}
	return presenter.OK(c, statusOf(s))
}

func (h *Handler) handleReapply(c echo.Context) error {
	ctx := c.Request().Context()

	s, ok := h.sessions.Get(c.Param("owner"))
	if !ok {
		return presenter.NotFound(c, "session not open")
	}

	outcome, err := s.Pipeline.Reapply(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return presenter.NotFound(c, err.Error())
		}
		return presenter.InternalError(c, err)
	}
	return presenter.OK(c, echo.Map{"outcome": outcome.String()})
}

func (h *Handler) handleEnrich(c echo.Context) error {
	ctx := c.Request().Context()

	var req domain.EnrichmentRequest
	if err := c.Bind(&req); err != nil {
		return presenter.BadRequest(c, err)
	}
	if strings.TrimSpace(req.URL) == "" {
		return presenter.BadRequestMessage(c, "url is required")
	}

	result, err := h.extractor.Extract(ctx, req.URL)
	if err != nil {
		if errors.Is(err, metadata.ErrUnsafeURL) {
			return presenter.BadRequest(c, err)
		}
		return presenter.BadGateway(c, err)
	}
	return presenter.OK(c, result)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Request struct {
	Type   string   `json:"type"`
	Owners []string `json:"owners"`
}

func (h *Handler) handleRealtime(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Error(
			"Failed to upgrade WebSocket",
			slog.String("error", err.Error()),
			slog.String("module", "socket"),
		)
		return err
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	input := make(chan []string)
	output := make(chan domain.Event)

	go h.events.Realtime(ctx, input, output)

	quit := make(chan struct{})

	go func() {
		defer close(quit)
		for {
			var req Request
			err := ws.ReadJSON(&req)
			if err != nil {
				var wsErr *websocket.CloseError
				if errors.As(err, &wsErr) {
					if wsErr.Code != websocket.CloseNormalClosure && wsErr.Code != websocket.CloseGoingAway {
						slog.DebugContext(
							ctx, "WebSocket closed",
							slog.String("error", wsErr.Error()),
							slog.String("module", "socket"),
						)
					}
				} else {
					slog.DebugContext(
						ctx, "Error reading message",
						slog.String("error", err.Error()),
						slog.String("module", "socket"),
					)
				}
				return
			}

			switch req.Type {
			case "listen":
				select {
				case input <- req.Owners:
				case <-ctx.Done():
					return
				}
				slog.DebugContext(
					ctx, fmt.Sprintf("Socket subscribe: %s", req.Owners),
					slog.String("module", "socket"),
				)
			case "h": // heartbeat
			default:
				slog.InfoContext(
					ctx, "Unknown request type",
					slog.String("type", req.Type),
					slog.String("module", "socket"),
				)
			}
		}
	}()

	for {
		select {
		case <-quit:
			return nil
		case event := <-output:
			if err := ws.WriteJSON(event); err != nil {
				slog.ErrorContext(
					ctx, "Error writing message",
					slog.String("error", err.Error()),
					slog.String("module", "socket"),
				)
				return nil
			}
		}
	}
}

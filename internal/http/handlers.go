package http

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memvault/internal/compression"
	"github.com/fyrsmithlabs/memvault/internal/fetch"
	"github.com/fyrsmithlabs/memvault/internal/governor"
	"github.com/fyrsmithlabs/memvault/internal/memstore"
	"github.com/fyrsmithlabs/memvault/internal/message"
	"github.com/fyrsmithlabs/memvault/internal/pipeline"
)

// apiError maps component errors onto HTTP statuses. Server-side failures
// keep their detail out of the response body.
func apiError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, fetch.ErrNotFound), errors.Is(err, memstore.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, fetch.ErrRangeTooLarge):
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, fetch.ErrRateLimited):
		return echo.NewHTTPError(http.StatusTooManyRequests, err.Error())
	case errors.Is(err, fetch.ErrInvalidRequest),
		errors.Is(err, pipeline.ErrInvalidTurn),
		errors.Is(err, compression.ErrInvalidBudget),
		errors.Is(err, memstore.ErrInvalidID),
		errors.Is(err, memstore.ErrInvalidRange),
		errors.Is(err, memstore.ErrInvalidType),
		errors.Is(err, message.ErrInvalidURI):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "request cancelled")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleStatus(c echo.Context) error {
	resp := StatusResponse{
		Status:   "ok",
		Version:  s.config.Version,
		Services: map[string]string{"store": "ok", "fetch": "ok", "pipeline": "disabled", "scrubber": "disabled"},
	}
	limits := s.gateway.Config()
	resp.Limits = &limits

	st, err := s.store.Stats(c.Request().Context())
	if err != nil {
		s.logger.Warn("store stats failed", zap.Error(err))
		resp.Status = "degraded"
		resp.Services["store"] = "error"
	} else {
		resp.Store = st
	}
	if s.pipeline != nil {
		t := s.pipeline.Governor().Thresholds()
		resp.Thresholds = &t
		resp.Services["pipeline"] = "ok"
	}
	if s.scrubber.IsEnabled() {
		resp.Services["scrubber"] = "ok"
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleListMemories(c echo.Context) error {
	var filter memstore.ListFilter
	if raw := c.QueryParam("type"); raw != "" {
		t, err := memstore.ParseMemoryType(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		filter.Type = t
	}
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		limit = n
	}

	objs, err := s.store.List(c.Request().Context(), filter)
	if err != nil {
		return apiError(err)
	}
	resp := ListResponse{Objects: objs, Total: len(objs)}
	if limit > 0 && limit < len(objs) {
		resp.Objects = objs[:limit]
	}
	if resp.Objects == nil {
		resp.Objects = []*memstore.Object{}
	}
	resp.Count = len(resp.Objects)
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetMemory(c echo.Context) error {
	obj, err := s.gateway.Stat(c.Request().Context(), c.Param("id"))
	if err != nil {
		return apiError(err)
	}
	return c.JSON(http.StatusOK, obj)
}

func (s *Server) handlePutMemory(c echo.Context) error {
	var req PutRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if (req.Content == "") == (req.ContentBase64 == "") {
		return echo.NewHTTPError(http.StatusBadRequest, "exactly one of content and content_base64 is required")
	}
	opts := memstore.PutOptions{
		Subtype:  req.Subtype,
		Title:    req.Title,
		MIME:     req.MIME,
		Compress: req.Compress,
	}
	if req.Type != "" {
		t, err := memstore.ParseMemoryType(req.Type)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		opts.Type = t
	}

	ctx := c.Request().Context()
	var (
		obj *memstore.Object
		err error
	)
	if req.ContentBase64 != "" {
		data, decErr := base64.StdEncoding.DecodeString(req.ContentBase64)
		if decErr != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "content_base64 is not valid base64")
		}
		obj, err = s.store.PutBytes(ctx, data, opts)
	} else {
		obj, err = s.store.PutText(ctx, req.Content, opts)
	}
	if err != nil {
		return apiError(err)
	}
	return c.JSON(http.StatusCreated, obj)
}

func (s *Server) handleFetch(c echo.Context) error {
	var body FetchRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	req, err := resolveFetch(body)
	if err != nil {
		return apiError(err)
	}
	res, err := s.gateway.Fetch(c.Request().Context(), req)
	if err != nil {
		return apiError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func resolveFetch(body FetchRequest) (fetch.Request, error) {
	req := body.Request
	if body.URI == "" {
		return req, nil
	}
	ptr, err := message.ParseURI(body.URI)
	if err != nil {
		return fetch.Request{}, err
	}
	if req.MemoryID != "" && req.MemoryID != ptr.MemoryID {
		return fetch.Request{}, fmt.Errorf("%w: memory_id does not match uri", fetch.ErrInvalidRequest)
	}
	if req.LineStart != 0 || req.LineEnd != 0 || req.ByteOffset != 0 || req.ByteLen != 0 {
		req.MemoryID = ptr.MemoryID
		return req, nil
	}
	return fetch.RequestFromPointer(ptr), nil
}

func (s *Server) handleTurn(c echo.Context) error {
	if s.pipeline == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "turn pipeline is not configured")
	}
	var req pipeline.TurnRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	res, err := s.pipeline.Turn(c.Request().Context(), req)
	if err != nil {
		return apiError(err)
	}
	if res.Budget.Level.Exceeds(governor.LevelOK) {
		c.Response().Header().Set("X-Context-Budget", string(res.Budget.Level))
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleScrub(c echo.Context) error {
	var req ScrubRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid scrub request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Content == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content field is required")
	}

	result := s.scrubber.Scrub(req.Content)
	s.logger.Debug("scrubbed content",
		zap.Int("findings", result.TotalFindings),
		zap.Duration("duration", result.Duration),
	)
	return c.JSON(http.StatusOK, ScrubResponse{
		Content:       result.Scrubbed,
		FindingsCount: result.TotalFindings,
		ByRule:        result.ByRule,
	})
}

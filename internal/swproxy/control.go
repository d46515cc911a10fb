package swproxy

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// maxPushPayload caps the push body the control API accepts.
const maxPushPayload = 4 << 10

type deployRequest struct {
	Version  string   `json:"version"`
	Manifest []string `json:"manifest"`
}

type deployResponse struct {
	Version string            `json:"version"`
	Deleted []string          `json:"deleted"`
	Failed  map[string]string `json:"failed,omitempty"`
	Claimed int               `json:"claimed"`
}

type stateResponse struct {
	Active      string       `json:"active"`
	Workers     []WorkerInfo `json:"workers"`
	Generations []string     `json:"generations"`
	Clients     []Client     `json:"clients"`
}

// ControlHandler serves the host side of the worker: push delivery,
// notification clicks, deploys, state and metrics.
func (s *Service) ControlHandler() http.Handler {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.POST("/push", s.handlePush)
	e.GET("/notifications", s.handleListNotifications)
	e.POST("/notifications/:id/click", s.handleNotificationClick)
	e.POST("/update", s.handleUpdate)
	e.GET("/state", s.handleState)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	return e
}

func (s *Service) handlePush(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxPushPayload+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "read payload")
	}
	if len(body) > maxPushPayload {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "payload too large")
	}
	ev := &PushEvent{}
	if len(body) > 0 {
		ev.Data = body
	}

	ctx := c.Request().Context()
	task := s.dispatcher.Dispatch(ctx, ev)
	if task == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "push not handled")
	}
	if err := task.Wait(ctx); err != nil {
		s.log.Warn("push delivery failed", "error", err)
		return echo.NewHTTPError(http.StatusBadGateway, "notification delivery failed")
	}
	return c.JSON(http.StatusAccepted, ev.Notification)
}

func (s *Service) handleListNotifications(c echo.Context) error {
	return c.JSON(http.StatusOK, s.surface.List())
}

func (s *Service) handleNotificationClick(c echo.Context) error {
	id := c.Param("id")
	n, ok := s.surface.Get(id)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, ErrNotificationNotFound.Error())
	}

	ctx := c.Request().Context()
	ev := &NotificationClickEvent{Notification: n}
	task := s.dispatcher.Dispatch(ctx, ev)
	if task == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "click not handled")
	}
	if err := task.Wait(ctx); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, ev.Result)
}

func (s *Service) handleUpdate(c echo.Context) error {
	var req deployRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if req.Version == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "version is required")
	}

	rep, err := s.Deploy(c.Request().Context(), req.Version, req.Manifest)
	if err != nil {
		return echo.NewHTTPError(deployStatus(err), err.Error())
	}
	resp := deployResponse{Version: req.Version, Deleted: rep.Deleted, Claimed: rep.Claimed}
	if len(rep.Failed) > 0 {
		resp.Failed = make(map[string]string, len(rep.Failed))
		for name, ferr := range rep.Failed {
			resp.Failed[name] = ferr.Error()
		}
	}
	return c.JSON(http.StatusOK, resp)
}

// deployStatus maps a Deploy failure to the control API status code.
func deployStatus(err error) int {
	switch {
	case errors.Is(err, ErrInvalidManifest):
		return http.StatusBadRequest
	case errors.Is(err, ErrVersionActive), errors.Is(err, ErrUpdateInProgress):
		return http.StatusConflict
	case errors.Is(err, ErrManifestFetch), errors.Is(err, ErrInstallFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Service) handleState(c echo.Context) error {
	names, err := s.store.Names(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	resp := stateResponse{
		Workers:     s.reg.Workers(),
		Generations: names,
		Clients:     s.clients.List(),
	}
	if w := s.reg.Active(); w != nil {
		resp.Active = w.Version()
	}
	return c.JSON(http.StatusOK, resp)
}

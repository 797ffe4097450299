package health

import (
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"

	"spot_agent/internal/errs"
	"spot_agent/internal/models"
	"spot_agent/internal/modules/health/service"
	"spot_agent/internal/modules/store"
	"spot_agent/pkg/logger"
)

const (
	instrumentKey      = "instrument"
	defaultTradesLimit = 50
	maxTradesLimit     = 1000
)

type apiResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func respond(c echo.Context, code int, data any) error {
	return c.JSON(code, apiResponse{Status: code, Message: http.StatusText(code), Data: data})
}

type handler struct {
	cfg    Config
	state  *service.State
	repo   *store.Repo
	status StatusFunc
}

func (h *handler) livez(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func (h *handler) readyz(c echo.Context) error {
	if !h.state.Ready() {
		return c.String(http.StatusServiceUnavailable, "not ready")
	}
	if stalled := h.state.Stalled(time.Now()); len(stalled) > 0 {
		return c.String(http.StatusServiceUnavailable, "stalled: "+strings.Join(stalled, ","))
	}
	return c.String(http.StatusOK, "ready")
}

func (h *handler) healthz(c echo.Context) error {
	beats := map[string]int64{}
	for name, t := range h.state.Beats() {
		beats[name] = t.Unix()
	}
	return c.JSON(http.StatusOK, map[string]any{
		"ready":       h.state.Ready(),
		"wsConnected": h.state.WSConnected(),
		"uptimeSec":   int64(h.state.Uptime().Seconds()),
		"heartbeats":  beats,
	})
}

// knownInstrument — 404 для инструментов вне конфигурации.
func (h *handler) knownInstrument(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		inst := strings.ToUpper(c.Param("instrument"))
		if !slices.Contains(h.cfg.Instruments, inst) {
			return respond(c, http.StatusNotFound, "unknown instrument "+inst)
		}
		c.Set(instrumentKey, inst)
		return next(c)
	}
}

func (h *handler) storeError(c echo.Context, what string, err error) error {
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return respond(c, http.StatusNotFound, what+" not found")
	case errs.IsCorrupt(err):
		logger.Warn("[HTTP] %s: %v", what, err)
		return respond(c, http.StatusConflict, err.Error())
	}
	logger.Error("[HTTP] %s: %v", what, err)
	return respond(c, http.StatusInternalServerError, nil)
}

type instrumentStatus struct {
	Position models.Position `json:"position"`
	Signal   *models.Signal  `json:"signal,omitempty"`
}

func (h *handler) instrumentStatus(c echo.Context) error {
	ctx := c.Request().Context()
	inst := c.Get(instrumentKey).(string)
	if h.status != nil {
		st, err := h.status(ctx, inst)
		if err != nil {
			return h.storeError(c, "status "+inst, err)
		}
		return respond(c, http.StatusOK, st)
	}
	pos, err := h.repo.LoadPosition(ctx, inst)
	if err != nil {
		return h.storeError(c, "position "+inst, err)
	}
	out := instrumentStatus{Position: pos}
	if sig, err := h.repo.LoadSignal(ctx, inst); err == nil {
		out.Signal = sig
	}
	return respond(c, http.StatusOK, out)
}

func (h *handler) signal(c echo.Context) error {
	inst := c.Get(instrumentKey).(string)
	sig, err := h.repo.LoadSignal(c.Request().Context(), inst)
	if err != nil {
		return h.storeError(c, "signal "+inst, err)
	}
	return respond(c, http.StatusOK, sig)
}

func (h *handler) trades(c echo.Context) error {
	inst := c.Get(instrumentKey).(string)
	limit := defaultTradesLimit
	if q := c.QueryParam("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			return respond(c, http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = min(n, maxTradesLimit)
	}
	trades, err := h.repo.Trades(c.Request().Context(), inst, limit)
	if err != nil {
		return h.storeError(c, "trades "+inst, err)
	}
	return respond(c, http.StatusOK, trades)
}

func (h *handler) training(c echo.Context) error {
	inst := c.Get(instrumentKey).(string)
	st, err := h.repo.LoadTrainingStatus(c.Request().Context(), inst)
	if err != nil {
		return h.storeError(c, "training "+inst, err)
	}
	return respond(c, http.StatusOK, st)
}

// sonicSerializer — echo.JSONSerializer на sonic.
type sonicSerializer struct{}

func (sonicSerializer) Serialize(c echo.Context, i any, indent string) error {
	var (
		b   []byte
		err error
	)
	if indent != "" {
		b, err = sonic.ConfigStd.MarshalIndent(i, "", indent)
	} else {
		b, err = sonic.Marshal(i)
	}
	if err != nil {
		return err
	}
	_, err = c.Response().Write(b)
	return err
}

func (sonicSerializer) Deserialize(c echo.Context, i any) error {
	return sonic.ConfigDefault.NewDecoder(c.Request().Body).Decode(i)
}

package control

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/core-tools/hsu-powerguard/pkg/domain"
	"github.com/core-tools/hsu-powerguard/pkg/errors"
	"github.com/core-tools/hsu-powerguard/pkg/logging"
)

const APIPrefix = "/api/v1"

// ErrorResponse is the body of every failed API call; Code is the error type
type ErrorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

// NewRouter builds the HTTP control surface. metrics may be nil.
func NewRouter(handler domain.Contract, metrics http.Handler, logger logging.Logger) *gin.Engine {
	router := gin.New()
	// Server ids may contain '/', clients send it as %2F
	router.UseRawPath = true
	router.UnescapePathValues = true
	router.Use(gin.Recovery(), requestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}

	RegisterHTTPServerHandler(router, handler, logger)
	return router
}

func RegisterHTTPServerHandler(router gin.IRouter, handler domain.Contract, logger logging.Logger) {
	h := &httpServerHandler{
		handler: handler,
		logger:  logger,
	}

	api := router.Group(APIPrefix)
	api.GET("/servers", h.List)
	api.GET("/servers/:id", h.Status)
	api.POST("/servers/:id/restart", h.Restart)
	api.GET("/checks", h.Checks)
	api.POST("/checks/start", h.Activate)
	api.POST("/checks/stop", h.Deactivate)
	api.POST("/reload", h.Reload)
}

type httpServerHandler struct {
	handler domain.Contract
	logger  logging.Logger
}

func (h *httpServerHandler) List(c *gin.Context) {
	units, err := h.handler.List(c.Request.Context())
	if err != nil {
		h.fail(c, "List", err)
		return
	}
	h.logger.Debugf("List server handler done")
	c.JSON(http.StatusOK, units)
}

func (h *httpServerHandler) Status(c *gin.Context) {
	detail, err := h.handler.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "Status", err)
		return
	}
	h.logger.Debugf("Status server handler done")
	c.JSON(http.StatusOK, detail)
}

func (h *httpServerHandler) Restart(c *gin.Context) {
	hard := false
	if value := c.Query("hard"); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			h.fail(c, "Restart", errors.NewValidationError("hard must be a boolean", err))
			return
		}
		hard = parsed
	}

	outcome, err := h.handler.Restart(c.Request.Context(), c.Param("id"), hard)
	if err != nil {
		h.fail(c, "Restart", err)
		return
	}
	h.logger.Debugf("Restart server handler done")
	c.JSON(http.StatusOK, outcome)
}

func (h *httpServerHandler) Checks(c *gin.Context) {
	state, err := h.handler.Checks(c.Request.Context())
	if err != nil {
		h.fail(c, "Checks", err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *httpServerHandler) Activate(c *gin.Context) {
	if err := h.handler.Activate(c.Request.Context()); err != nil {
		h.fail(c, "Activate", err)
		return
	}
	h.Checks(c)
}

func (h *httpServerHandler) Deactivate(c *gin.Context) {
	if err := h.handler.Deactivate(c.Request.Context()); err != nil {
		h.fail(c, "Deactivate", err)
		return
	}
	h.Checks(c)
}

func (h *httpServerHandler) Reload(c *gin.Context) {
	if err := h.handler.Reload(c.Request.Context()); err != nil {
		h.fail(c, "Reload", err)
		return
	}
	h.Checks(c)
}

func (h *httpServerHandler) fail(c *gin.Context, operation string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Errorf("%s server handler: %v", operation, err)
	} else {
		h.logger.Debugf("%s server handler: %v", operation, err)
	}

	response := ErrorResponse{Code: string(errors.ErrorTypeInternal), Error: err.Error()}
	if domainErr, ok := errors.AsDomainError(err); ok {
		response = ErrorResponse{Code: string(domainErr.Type), Error: domainErr.Message}
	}
	c.JSON(status, response)
}

func statusFor(err error) int {
	switch errors.TypeOf(err) {
	case errors.ErrorTypeValidation:
		return http.StatusBadRequest
	case errors.ErrorTypeNotFound:
		return http.StatusNotFound
	case errors.ErrorTypeConflict, errors.ErrorTypeMaintenance:
		return http.StatusConflict
	case errors.ErrorTypePduUnreachable, errors.ErrorTypeRemoteShell:
		return http.StatusBadGateway
	case errors.ErrorTypeCancelled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func requestLogger(logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		logger.Debugf("HTTP %s %s, status: %d, took: %v", c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}

package control

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/core-tools/hsu-powerguard/pkg/domain"
	"github.com/core-tools/hsu-powerguard/pkg/errors"
	"github.com/core-tools/hsu-powerguard/pkg/logging"
)

const DefaultClientTimeout = 2 * time.Minute

// NewHTTPClientGateway talks to a powerguard server at baseURL, e.g. "http://127.0.0.1:8080".
// A nil client gets DefaultClientTimeout, long enough for a hard restart.
func NewHTTPClientGateway(baseURL string, client *http.Client, logger logging.Logger) domain.Contract {
	if client == nil {
		client = &http.Client{Timeout: DefaultClientTimeout}
	}
	return &httpClientGateway{
		baseURL: strings.TrimRight(baseURL, "/") + APIPrefix,
		client:  client,
		logger:  logger,
	}
}

type httpClientGateway struct {
	baseURL string
	client  *http.Client
	logger  logging.Logger
}

func (gw *httpClientGateway) List(ctx context.Context) ([]domain.UnitSummary, error) {
	var units []domain.UnitSummary
	if err := gw.do(ctx, http.MethodGet, "/servers", &units); err != nil {
		gw.logger.Errorf("List client gateway: %v", err)
		return nil, err
	}
	gw.logger.Debugf("List client gateway done")
	return units, nil
}

func (gw *httpClientGateway) Status(ctx context.Context, id string) (domain.UnitDetail, error) {
	var detail domain.UnitDetail
	if err := gw.do(ctx, http.MethodGet, "/servers/"+url.PathEscape(id), &detail); err != nil {
		gw.logger.Errorf("Status client gateway: %v", err)
		return domain.UnitDetail{}, err
	}
	gw.logger.Debugf("Status client gateway done")
	return detail, nil
}

func (gw *httpClientGateway) Restart(ctx context.Context, id string, hard bool) (domain.RestartOutcome, error) {
	path := fmt.Sprintf("/servers/%s/restart?hard=%t", url.PathEscape(id), hard)
	var outcome domain.RestartOutcome
	if err := gw.do(ctx, http.MethodPost, path, &outcome); err != nil {
		gw.logger.Errorf("Restart client gateway: %v", err)
		return domain.RestartOutcome{}, err
	}
	gw.logger.Debugf("Restart client gateway done")
	return outcome, nil
}

func (gw *httpClientGateway) Activate(ctx context.Context) error {
	return gw.do(ctx, http.MethodPost, "/checks/start", nil)
}

func (gw *httpClientGateway) Deactivate(ctx context.Context) error {
	return gw.do(ctx, http.MethodPost, "/checks/stop", nil)
}

func (gw *httpClientGateway) Checks(ctx context.Context) (domain.CheckState, error) {
	var state domain.CheckState
	if err := gw.do(ctx, http.MethodGet, "/checks", &state); err != nil {
		return domain.CheckState{}, err
	}
	return state, nil
}

func (gw *httpClientGateway) Reload(ctx context.Context) error {
	return gw.do(ctx, http.MethodPost, "/reload", nil)
}

// do sends one request and decodes a 2xx body into out; error bodies become DomainErrors again
func (gw *httpClientGateway) do(ctx context.Context, method, path string, out interface{}) error {
	request, err := http.NewRequestWithContext(ctx, method, gw.baseURL+path, nil)
	if err != nil {
		return errors.NewValidationError("invalid request", err).WithContext("path", path)
	}
	request.Header.Set("Accept", "application/json")

	response, err := gw.client.Do(request)
	if err != nil {
		if ctx.Err() != nil {
			return errors.NewCancelledError("request cancelled", err)
		}
		return errors.NewIOError("powerguard server unreachable", err).WithContext("url", gw.baseURL)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return errors.NewIOError("failed to read response", err)
	}

	if response.StatusCode >= http.StatusBadRequest {
		var errResponse ErrorResponse
		if err := json.Unmarshal(body, &errResponse); err != nil || errResponse.Code == "" {
			return errors.NewInternalError(fmt.Sprintf("unexpected response status %d", response.StatusCode), nil)
		}
		return errors.NewDomainError(errors.ErrorType(errResponse.Code), errResponse.Error, nil)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errors.NewInternalError("failed to decode response", err)
	}
	return nil
}

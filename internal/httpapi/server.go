// Package httpapi exposes mutations over HTTP.
//
//	POST /api/mutation  {"path": "basic:insertObject", "args": [{"an": "object"}]}
//	GET  /health
//	GET  /metrics
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/udfcore/internal/isolate"
	"github.com/roach88/udfcore/internal/occ"
	"github.com/roach88/udfcore/internal/pause"
	"github.com/roach88/udfcore/internal/udf"
	"github.com/roach88/udfcore/internal/value"
)

// maxBodyBytes bounds a mutation request body.
const maxBodyBytes = 8 << 20

// Mutator executes mutations. *application.Application implements it.
type Mutator interface {
	MutationUDF(
		ctx context.Context,
		path udf.FunctionPath,
		args value.Array,
		identity udf.Identity,
		visibility udf.AllowedVisibility,
		caller udf.FunctionCaller,
		pc pause.Client,
		rc udf.RequestContext,
	) (*udf.FunctionResult, error)
}

// MutationRequest is the body of POST /api/mutation.
type MutationRequest struct {
	Path      string          `json:"path"`
	Args      json.RawMessage `json:"args,omitempty"`
	Identity  *IdentityJSON   `json:"identity,omitempty"`
	ParentJob string          `json:"parent_job,omitempty"`
}

// IdentityJSON is an authenticated user. Requests without one run as the
// system identity.
type IdentityJSON struct {
	Subject string `json:"subject"`
	Issuer  string `json:"issuer"`
}

// MutationResponse is the body of every /api/mutation reply.
type MutationResponse struct {
	Status        string        `json:"status"` // "success" or "error"
	Value         value.Value   `json:"value,omitempty"`
	ErrorCode     string        `json:"error_code,omitempty"`
	ErrorMessage  string        `json:"error_message,omitempty"`
	LogLines      []udf.LogLine `json:"log_lines"`
	Attempts      int           `json:"attempts,omitempty"`
	CommitVersion uint64        `json:"commit_version,omitempty"`
	RequestID     string        `json:"request_id"`
}

// NewServer routes the API to m. A nil registry disables /metrics.
func NewServer(m Mutator, reg *prometheus.Registry, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{mutator: m, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if reg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	}
	r.Post("/api/mutation", h.mutation)
	return r
}

type handler struct {
	mutator Mutator
	logger  *slog.Logger
}

func (h *handler) mutation(w http.ResponseWriter, r *http.Request) {
	rc := udf.NewRequestContext()
	req, err := decodeRequest(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.reply(w, http.StatusBadRequest, &MutationResponse{
			Status:       "error",
			ErrorCode:    "BAD_REQUEST",
			ErrorMessage: err.Error(),
			RequestID:    rc.RequestID,
		})
		return
	}
	if req.parentJob != "" {
		rc = rc.WithParentJob(req.parentJob)
	}

	res, err := h.mutator.MutationUDF(r.Context(),
		req.path, req.args, req.identity,
		udf.PublicOnly, udf.CallerHTTPAPI, pause.NoopClient(), rc)
	if err != nil {
		status, resp := errorResponse(err)
		resp.RequestID = rc.RequestID
		if res != nil {
			resp.LogLines = res.LogLines
		}
		if status >= http.StatusInternalServerError {
			h.logger.Error("mutation failed", "path", req.path.String(), "request_id", rc.RequestID, "error", err)
		}
		h.reply(w, status, resp)
		return
	}

	h.reply(w, http.StatusOK, &MutationResponse{
		Status:        "success",
		Value:         res.Value,
		LogLines:      res.LogLines,
		Attempts:      res.Attempts,
		CommitVersion: res.CommitVersion,
		RequestID:     res.RequestID,
	})
}

type parsedRequest struct {
	path      udf.FunctionPath
	args      value.Array
	identity  udf.Identity
	parentJob string
}

func decodeRequest(body io.Reader) (*parsedRequest, error) {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	var raw MutationRequest
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("invalid request body: %w", err)
	}

	path, err := udf.ParsePath(raw.Path)
	if err != nil {
		return nil, err
	}
	out := &parsedRequest{path: path, identity: udf.System(), parentJob: raw.ParentJob}
	if raw.Identity != nil {
		if raw.Identity.Subject == "" {
			return nil, fmt.Errorf("identity.subject is required")
		}
		out.identity = udf.User(raw.Identity.Subject, raw.Identity.Issuer)
	}
	if len(raw.Args) > 0 {
		v, err := value.Parse(raw.Args)
		if err != nil {
			return nil, fmt.Errorf("args: %w", err)
		}
		arr, ok := v.(value.Array)
		if !ok {
			return nil, fmt.Errorf("args must be an array, got %s", value.Kind(v))
		}
		out.args = arr
	}
	return out, nil
}

func errorResponse(err error) (int, *MutationResponse) {
	resp := &MutationResponse{Status: "error", ErrorMessage: err.Error()}

	var ie *isolate.Error
	switch {
	case occ.IsOCC(err):
		resp.ErrorCode = "OCC_EXHAUSTED"
		return http.StatusConflict, resp
	case errors.As(err, &ie):
		resp.ErrorCode = string(ie.Code)
		switch ie.Code {
		case isolate.ErrCodeFunction:
			resp.ErrorMessage = ie.Message
			return http.StatusBadRequest, resp
		case isolate.ErrCodeTimeout:
			return http.StatusGatewayTimeout, resp
		}
		return http.StatusInternalServerError, resp
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		resp.ErrorCode = "CANCELLED"
		return http.StatusServiceUnavailable, resp
	default:
		resp.ErrorCode = "INTERNAL"
		return http.StatusInternalServerError, resp
	}
}

func (h *handler) reply(w http.ResponseWriter, status int, resp *MutationResponse) {
	if resp.LogLines == nil {
		resp.LogLines = []udf.LogLine{}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Warn("write response", "error", err)
	}
}

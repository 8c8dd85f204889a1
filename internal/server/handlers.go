package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/copyleftdev/budgetopt/internal/errors"
	"github.com/copyleftdev/budgetopt/internal/scenario"
)

// JSON-RPC methods
const (
	MethodOptimize = "budget.optimize"
	MethodStatus   = "budget.status"
	MethodCancel   = "budget.cancel"
	MethodList     = "budget.list"
)

func (s *Server) RegisterRoutes(r chi.Router) {
	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/optimize", s.handleOptimize)
		r.Get("/status/{id}", s.handleStatus)
		r.Delete("/optimization/{id}", s.handleCancel)
		r.Get("/jobs", s.handleList)
	})

	// JSON-RPC 2.0 endpoint
	r.Post("/rpc", s.handleJSONRPC)
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jobParams struct {
	JobID string `json:"job_id"`
}

type listParams struct {
	Status string `json:"status"`
	Limit  int    `json:"limit"`
}

// handleJSONRPC handles JSON-RPC 2.0 requests. Params are either an object
// or an array whose first element is the object.
func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	s.limitBody(w, r)

	var request rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.respondWithError(w, apperrors.CodeParseError, "Parse error", nil)
		return
	}

	// Validate JSON-RPC 2.0 request
	if request.JSONRPC != "2.0" || request.Method == "" {
		s.respondWithError(w, apperrors.CodeInvalidRequest, "Invalid Request", request.ID)
		return
	}

	var result interface{}
	var err error

	switch request.Method {
	case MethodOptimize:
		result, err = s.rpcOptimize(request.Params)
	case MethodStatus:
		var p jobParams
		if err = decodeParams(request.Params, &p, true); err == nil {
			result, err = s.Status(r.Context(), p.JobID)
		}
	case MethodCancel:
		var p jobParams
		if err = decodeParams(request.Params, &p, true); err == nil {
			if err = s.Cancel(r.Context(), p.JobID); err == nil {
				result = cancelResponse(p.JobID)
			}
		}
	case MethodList:
		var p listParams
		if err = decodeParams(request.Params, &p, false); err == nil {
			result, err = s.listResponse(r, p)
		}
	default:
		s.respondWithError(w, apperrors.CodeMethodNotFound, "Method not found", request.ID)
		return
	}

	if err != nil {
		s.respondWithError(w, apperrors.Code(err), err.Error(), request.ID)
		return
	}

	// Send successful response
	response := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      request.ID,
		"result":  result,
	}
	s.respondJSON(w, http.StatusOK, response)
}

func (s *Server) rpcOptimize(params json.RawMessage) (interface{}, error) {
	raw, err := firstParam(params)
	if err != nil {
		return nil, err
	}
	sc, err := scenario.Decode(bytes.NewReader(raw), scenario.FormatJSON)
	if err != nil {
		return nil, apperrors.Wrap(err, "invalid scenario").WithCode(apperrors.CodeInvalidParams)
	}
	return s.Submit(sc)
}

// firstParam unwraps positional params
func firstParam(params json.RawMessage) (json.RawMessage, error) {
	params = bytes.TrimSpace(params)
	if len(params) == 0 || bytes.Equal(params, []byte("null")) {
		return nil, apperrors.New("missing required parameters").WithCode(apperrors.CodeInvalidParams)
	}
	if params[0] != '[' {
		return params, nil
	}
	var list []json.RawMessage
	if err := json.Unmarshal(params, &list); err != nil {
		return nil, apperrors.Wrap(err, "invalid parameter format").WithCode(apperrors.CodeInvalidParams)
	}
	if len(list) == 0 {
		return nil, apperrors.New("missing required parameters").WithCode(apperrors.CodeInvalidParams)
	}
	return list[0], nil
}

func decodeParams(params json.RawMessage, v interface{}, required bool) error {
	raw, err := firstParam(params)
	if err != nil {
		if required {
			return err
		}
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apperrors.Wrap(err, "invalid parameter format, expected object").WithCode(apperrors.CodeInvalidParams)
	}
	if p, ok := v.(*jobParams); ok && p.JobID == "" {
		return apperrors.New("job_id is required").WithCode(apperrors.CodeInvalidParams)
	}
	return nil
}

func cancelResponse(id string) map[string]string {
	return map[string]string{
		"job_id": id,
		"status": "cancellation requested",
	}
}

func (s *Server) listResponse(r *http.Request, p listParams) (interface{}, error) {
	jobs, err := s.List(r.Context(), p.Status, p.Limit)
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []JobView{}
	}
	return map[string]interface{}{"jobs": jobs}, nil
}

// respondWithError sends a JSON-RPC 2.0 error response
func (s *Server) respondWithError(w http.ResponseWriter, code int, message string, id interface{}) {
	s.logger.Warn("rpc error", map[string]interface{}{
		"code":    code,
		"message": message,
	})

	response := map[string]interface{}{
		"jsonrpc": "2.0",
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
		"id": id,
	}
	s.respondJSON(w, http.StatusOK, response)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", map[string]interface{}{"error": err.Error()})
	}
}

// respondRESTError writes {"error", "code"} with the status of the error code
func (s *Server) respondRESTError(w http.ResponseWriter, err error) {
	code := apperrors.Code(err)
	s.respondJSON(w, apperrors.HTTPStatus(code), map[string]interface{}{
		"error": err.Error(),
		"code":  code,
	})
}

func (s *Server) limitBody(w http.ResponseWriter, r *http.Request) {
	if n := s.cfg.HTTP.MaxRequestBytes; n > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, n)
	}
}

// handleOptimize handles POST /api/v1/optimize. The body is a JSON scenario.
func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	s.limitBody(w, r)

	sc, err := scenario.Decode(r.Body, scenario.FormatJSON)
	if err != nil {
		s.respondRESTError(w, apperrors.Wrap(err, "invalid request body").WithCode(apperrors.CodeInvalidParams))
		return
	}

	job, err := s.Submit(sc)
	if err != nil {
		s.respondRESTError(w, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, job)
}

// handleStatus handles GET /api/v1/status/{id}
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondRESTError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, job)
}

// handleCancel handles DELETE /api/v1/optimization/{id}
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Cancel(r.Context(), id); err != nil {
		s.respondRESTError(w, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, cancelResponse(id))
}

// handleList handles GET /api/v1/jobs?status=&limit=
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	p := listParams{Status: r.URL.Query().Get("status")}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.respondRESTError(w, apperrors.Errorf("invalid limit %q", v).WithCode(apperrors.CodeInvalidParams))
			return
		}
		p.Limit = n
	}
	result, err := s.listResponse(r, p)
	if err != nil {
		s.respondRESTError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

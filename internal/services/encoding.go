package services

import (
	"context"
	"net/http"

	goahttp "goa.design/goa/v3/http"
	"goa.design/goa/v3/middleware"
)

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Message string `json:"message"`
	ID      string `json:"id,omitempty"` // request id
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(middleware.RequestIDKey).(string)
	return id
}

// writeJSON encodes v with goa's response encoder
func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, code int, v any) {
	ctx := r.Context()
	// goa appends a suffix to an existing content type instead of replacing it
	w.Header().Del("Content-Type")
	enc := goahttp.ResponseEncoder(ctx, w)
	w.WriteHeader(code)
	if err := enc.Encode(v); err != nil {
		s.logger.Error().Err(err).Str("request_id", requestID(ctx)).Msg("encoding failed")
	}
}

// writeError replies with an ErrorResponse and logs it with the request id
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, code int, err error) {
	id := requestID(r.Context())
	event := s.logger.Warn()
	if code >= http.StatusInternalServerError {
		event = s.logger.Error()
	}
	event.Err(err).Str("request_id", id).Str("path", r.URL.Path).Int("status", code).Msg("request failed")

	s.writeJSON(w, r, code, &ErrorResponse{Message: err.Error(), ID: id})
}

func (s *Server) pathVar(r *http.Request, name string) string {
	if s.vars == nil {
		return ""
	}
	return s.vars(r)[name]
}

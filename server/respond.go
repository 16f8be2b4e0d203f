package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"ensemble-matcher/bookmarks"
	"ensemble-matcher/chat"
	"ensemble-matcher/postings"
	"ensemble-matcher/profiles"
	"ensemble-matcher/workflow"
)

const maxBodyBytes = 64 << 10

const resourceExhausted workflow.Code = "RESOURCE_EXHAUSTED"

var httpStatus = map[workflow.Code]int{
	workflow.OK:                 http.StatusOK,
	workflow.Unauthenticated:    http.StatusUnauthorized,
	workflow.InvalidArgument:    http.StatusBadRequest,
	workflow.NotFound:           http.StatusNotFound,
	workflow.PermissionDenied:   http.StatusForbidden,
	workflow.FailedPrecondition: http.StatusBadRequest,
	workflow.AlreadyExists:      http.StatusConflict,
	workflow.Unavailable:        http.StatusServiceUnavailable,
	workflow.DeadlineExceeded:   http.StatusGatewayTimeout,
	workflow.Internal:           http.StatusInternalServerError,
	resourceExhausted:           http.StatusTooManyRequests,
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Status  workflow.Code `json:"status"`
	Message string        `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code workflow.Code, message string) {
	status, ok := httpStatus[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, errorBody{Error: errorDetail{Status: code, Message: message}})
}

// describe maps a service error to the code and message shown to callers.
// Unrecognised errors never leak their text.
func describe(err error) (workflow.Code, string) {
	var werr *workflow.Error
	switch {
	case errors.As(err, &werr):
		return werr.Code, werr.Message
	case errors.Is(err, postings.ErrInvalid), errors.Is(err, profiles.ErrInvalid), errors.Is(err, chat.ErrInvalidMessage):
		return workflow.InvalidArgument, err.Error()
	case errors.Is(err, postings.ErrNotFound), errors.Is(err, bookmarks.ErrPostingNotFound):
		return workflow.NotFound, "posting not found"
	case errors.Is(err, chat.ErrNotFound):
		return workflow.NotFound, "chat room not found"
	case errors.Is(err, profiles.ErrNotFound):
		return workflow.NotFound, "profile not found"
	case errors.Is(err, postings.ErrNotAuthor):
		return workflow.PermissionDenied, "only the posting author can do this"
	case errors.Is(err, chat.ErrNotParticipant):
		return workflow.PermissionDenied, "not a participant of this chat room"
	case errors.Is(err, chat.ErrInactive):
		return workflow.FailedPrecondition, "chat room is closed"
	}

	switch code := workflow.CodeOf(err); code {
	case workflow.Unavailable:
		return code, "the service is busy, retry the request"
	case workflow.DeadlineExceeded:
		return code, "the request deadline passed"
	}
	return workflow.Internal, "internal error"
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code, msg := describe(err)
	if code == workflow.Internal {
		s.logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeError(w, code, msg)
}

// decode reads a JSON body into v. It writes the error response itself and
// reports whether the handler should continue.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, workflow.InvalidArgument, "request body is not valid JSON")
		return false
	}
	return true
}

// callRequest and callResponse are the envelope of the callable endpoints.
type callRequest[T any] struct {
	Data T `json:"data"`
}

type callResponse[T any] struct {
	Result T `json:"result"`
}

// callable adapts a workflow operation to a POST endpoint taking
// {"data": ...} and answering {"result": ...}.
func callable[Req, Res any](s *Server, fn func(context.Context, Req) (*Res, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req callRequest[Req]
		if !decode(w, r, &req) {
			return
		}
		res, err := fn(r.Context(), req.Data)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, callResponse[*Res]{Result: res})
	}
}

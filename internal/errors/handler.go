package errors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"

	"github.com/MacMoment/licensing/internal/infrastructure"
)

// Problem type URIs
const (
	TypeValidation   = "/errors/validation"
	TypeNotFound     = "/errors/not-found"
	TypeIntegrity    = "/errors/integrity"
	TypeConflict     = "/errors/conflict"
	TypeUnauthorized = "/errors/unauthorized"
	TypeRateLimit    = "/errors/rate-limit"
	TypeStorage      = "/errors/storage"
	TypeTimeout      = "/errors/timeout"
	TypeInternal     = "/errors/internal"
)

const (
	internalDetail = "An unexpected error occurred while processing your request"
	storageDetail  = "The entitlement store could not complete the request"
	timeoutDetail  = "The request took too long to process and was cancelled"
)

// problemKind is the fixed part of a problem for one class of error
type problemKind struct {
	status int
	uri    string
	title  string
}

var (
	internalProblem = problemKind{http.StatusInternalServerError, TypeInternal, "Internal Server Error"}

	appErrorProblems = map[ErrorType]problemKind{
		ErrTypeValidation: {http.StatusBadRequest, TypeValidation, "Validation Failed"},
		ErrTypeNotFound:   {http.StatusNotFound, TypeNotFound, "Resource Not Found"},
		ErrTypeIntegrity:  {http.StatusConflict, TypeIntegrity, "Integrity Violation"},
		ErrTypeConflict:   {http.StatusConflict, TypeConflict, "Conflict"},
		ErrTypeStorage:    {http.StatusServiceUnavailable, TypeStorage, "Storage Unavailable"},
	}

	apiErrorTypes = map[string]string{
		CodeInvalidRequest:   TypeValidation,
		CodeValidationFailed: TypeValidation,
		CodeInvalidParameter: TypeValidation,
	}
)

func (k problemKind) build(r *http.Request, detail string) *ProblemDetails {
	return RequestProblem(r, k.status, k.uri, k.title, detail)
}

// ErrorHandler turns handler errors and panics into problem responses
type ErrorHandler struct {
	logger       *slog.Logger
	includeStack bool
}

// NewErrorHandler returns a handler; includeStack adds stack traces to 5xx
// bodies and is meant for development only.
func NewErrorHandler(logger *slog.Logger, includeStack bool) *ErrorHandler {
	return &ErrorHandler{
		logger:       logger.With(slog.String("component", "error_handler")),
		includeStack: includeStack,
	}
}

// HandleError logs err and writes the matching problem. 5xx are logged at
// error level, everything else at warn.
func (h *ErrorHandler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		return
	}

	problem := h.ErrorToProblem(err, r)

	level := slog.LevelWarn
	if problem.Status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	h.logger.Log(r.Context(), level, "request failed",
		slog.String("error", err.Error()),
		slog.Int("status", problem.Status),
		slog.String("request_id", middleware.GetReqID(r.Context())),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
	)

	if problem.Status >= http.StatusInternalServerError {
		infrastructure.RecordError(r.Context(), err, attribute.String("problem.type", problem.Type))
		if h.includeStack {
			problem.WithExtension("stack", string(debug.Stack()))
		}
	}
	WriteProblem(w, problem)
}

// ErrorToProblem maps err onto a problem without writing it
func (h *ErrorHandler) ErrorToProblem(err error, r *http.Request) *ProblemDetails {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return RequestProblem(r, http.StatusGatewayTimeout, TypeTimeout, "Request Timeout", timeoutDetail)
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		uri, ok := apiErrorTypes[apiErr.ErrorCode]
		if !ok {
			uri = TypeInternal
		}
		p := RequestProblem(r, apiErr.StatusCode, uri, http.StatusText(apiErr.StatusCode), apiErr.Message).
			WithExtension("error_code", apiErr.ErrorCode)
		if apiErr.Details != nil {
			p.WithExtension("details", apiErr.Details)
		}
		return p
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		kind, ok := appErrorProblems[appErr.Type]
		if !ok {
			return internalProblem.build(r, internalDetail)
		}
		// storage causes can carry driver internals, keep them in the log only
		if appErr.Type == ErrTypeStorage {
			return kind.build(r, storageDetail).WithExtension("error_type", string(appErr.Type))
		}
		p := kind.build(r, appErr.Message).WithExtension("error_type", string(appErr.Type))
		for k, v := range appErr.Context {
			p.WithExtension(k, v)
		}
		return p
	}

	return internalProblem.build(r, internalDetail)
}

// HandlePanic logs a recovered panic and answers 500
func (h *ErrorHandler) HandlePanic(w http.ResponseWriter, r *http.Request, recovered interface{}) {
	stack := string(debug.Stack())
	h.logger.ErrorContext(r.Context(), "panic recovered",
		slog.Any("panic", recovered),
		slog.String("request_id", middleware.GetReqID(r.Context())),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("stack", stack),
	)

	problem := internalProblem.build(r, "An unexpected error occurred")
	if h.includeStack {
		problem.WithExtension("panic", fmt.Sprint(recovered)).WithExtension("stack", stack)
	}
	WriteProblem(w, problem)
}

// NotFound is the router's 404 handler
func (h *ErrorHandler) NotFound(w http.ResponseWriter, r *http.Request) {
	WriteProblem(w, RequestProblem(r, http.StatusNotFound, TypeNotFound, "Not Found",
		"The requested resource was not found"))
}

// MethodNotAllowed is the router's 405 handler
func (h *ErrorHandler) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	WriteProblem(w, RequestProblem(r, http.StatusMethodNotAllowed, TypeValidation, "Method Not Allowed",
		fmt.Sprintf("Method %s is not allowed for this endpoint", r.Method)))
}

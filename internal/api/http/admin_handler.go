// internal/api/http/admin_handler.go
package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"pds/internal/domain"
	"pds/internal/execution"
	"pds/internal/metrics"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ExecutionMonitor is the part of the execution service exposed to admins.
type ExecutionMonitor interface {
	Status(ctx context.Context) execution.Status
	Cancel(ctx context.Context, jobUUID uuid.UUID) bool
}

// AdminHandler 负责处理监控和取消任务的 HTTP 请求。
type AdminHandler struct {
	monitor  ExecutionMonitor
	cluster  domain.Cluster
	logger   *slog.Logger
	validate *validator.Validate
	tracer   trace.Tracer
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(monitor ExecutionMonitor, cluster domain.Cluster, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		monitor:  monitor,
		cluster:  cluster,
		logger:   logger.With("component", "admin-handler"),
		validate: validator.New(),
		tracer:   otel.Tracer("pds-api"),
	}
}

// A helper struct to capture the status code
type instrumentedResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *instrumentedResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// RegisterRoutes registers the admin routes to the http.ServeMux.
func (h *AdminHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /admin/monitoring/status", h.instrument("/admin/monitoring/status", h.handleStatus))
	mux.Handle("GET /admin/monitoring/servers", h.instrument("/admin/monitoring/servers", h.handleServers))
	mux.Handle("POST /admin/jobs/{uuid}/cancel", h.instrument("/admin/jobs/{uuid}/cancel", h.handleCancel))
}

func (h *AdminHandler) instrument(path string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := h.tracer.Start(r.Context(), "HTTP "+r.Method+" "+path, trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		))
		defer span.End()

		iw := &instrumentedResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(iw, r.WithContext(ctx))

		metrics.HttpRequestsTotal.WithLabelValues(path, r.Method, strconv.Itoa(iw.statusCode)).Inc()

		span.SetAttributes(attribute.Int("http.status_code", iw.statusCode))
		if iw.statusCode >= 500 {
			span.SetStatus(codes.Error, "Server Error")
		}
	})
}

// handleStatus returns the execution queue (GET /admin/monitoring/status)
func (h *AdminHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := h.monitor.Status(r.Context())
	writeJSON(w, http.StatusOK, status)
}

// handleServers lists the live server instances (GET /admin/monitoring/servers)
func (h *AdminHandler) handleServers(w http.ResponseWriter, r *http.Request) {
	members, err := h.cluster.Members(r.Context())
	if err != nil {
		span := trace.SpanFromContext(r.Context())
		span.RecordError(err)
		h.logger.Error("error listing servers", "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Internal server error"})
		return
	}
	writeJSON(w, http.StatusOK, members)
}

// handleCancel cancels a tracked job (POST /admin/jobs/{uuid}/cancel)
func (h *AdminHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	span := trace.SpanFromContext(ctx)

	req := CancelRequest{JobUUID: r.PathValue("uuid")}
	if err := h.validate.Struct(req); err != nil {
		span.SetStatus(codes.Error, "Validation failed")
		span.RecordError(err)
		resp := ErrorResponse{Error: "Validation failed"}
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			for _, fe := range validationErrors {
				resp.Details = append(resp.Details, "Field '"+fe.Field()+"' failed on the '"+fe.Tag()+"' tag.")
			}
		}
		writeJSON(w, http.StatusBadRequest, resp)
		return
	}
	jobUUID := uuid.MustParse(req.JobUUID)
	span.SetAttributes(attribute.String("job.uuid", jobUUID.String()))

	canceled := h.monitor.Cancel(ctx, jobUUID)
	h.logger.Info("cancel requested via admin api", "job_uuid", jobUUID.String(), "canceled", canceled)
	writeJSON(w, http.StatusOK, CancelResponse{Canceled: canceled})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

package services

import (
	"context"
	"errors"
	"log/slog"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-detect/internal/api"
	"github.com/miradorstack/mirador-detect/internal/utils"
)

// GRPCHandler exposes a DetectionService as api.DetectionServer.
type GRPCHandler struct {
	svc *DetectionService
}

var _ api.DetectionServer = (*GRPCHandler)(nil)

// NewGRPCHandler wraps svc.
func NewGRPCHandler(svc *DetectionService) *GRPCHandler {
	return &GRPCHandler{svc: svc}
}

// RunAlert runs one alert over the requested window.
func (h *GRPCHandler) RunAlert(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request cannot be nil")
	}
	runReq, err := api.FromStructRunRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	alert, err := h.svc.Resolve(ctx, runReq)
	if err != nil {
		return nil, toStatus(err)
	}

	h.svc.logger.Debug("RunAlert called", slog.Int64("alert_id", alert.ID), slog.String("interval", runReq.Interval.String()))
	summary, err := h.svc.runAlert(ctx, alert, runReq.Interval)
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := api.ToStructRunSummary(summary)
	if err != nil {
		h.svc.logger.Error("encode run summary", slog.Any("error", err))
		return nil, status.Error(codes.Internal, "failed to encode run summary")
	}
	return out, nil
}

// ListAnomalies returns stored anomalies matching the requested slice.
func (h *GRPCHandler) ListAnomalies(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	slice, err := api.FromStructSlice(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	anomalies, err := h.svc.ListAnomalies(ctx, slice)
	if err != nil {
		h.svc.logger.Error("list anomalies failed", slog.Any("error", err))
		return nil, toStatus(err)
	}
	out, err := api.ToStructAnomalies(anomalies)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to encode anomalies")
	}
	return out, nil
}

// ListEnumerationItems returns the enumeration items of one alert.
func (h *GRPCHandler) ListEnumerationItems(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if h.svc.deps.Items == nil {
		return nil, status.Error(codes.FailedPrecondition, "enumeration item store not configured")
	}
	alertID := int64(req.GetFields()["alertId"].GetNumberValue())
	if alertID <= 0 {
		return nil, status.Error(codes.InvalidArgument, "alertId is required")
	}
	items, err := h.svc.ListEnumerationItems(ctx, alertID)
	if err != nil {
		h.svc.logger.Error("list enumeration items failed", slog.Any("error", err))
		return nil, toStatus(err)
	}
	out, err := api.ToStructItems(items)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to encode enumeration items")
	}
	return out, nil
}

// HealthCheck returns the current health state.
func (h *GRPCHandler) HealthCheck(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"status":       "SERVING",
		"latencyP95Ms": h.svc.LatencyP95().Milliseconds(),
	})
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, utils.ErrInvalidArgument):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, utils.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, utils.ErrConflictDetected):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

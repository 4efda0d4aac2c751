package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/t77yq/casewatch/internal/ingest"
	"github.com/t77yq/casewatch/internal/metrics"
	"github.com/t77yq/casewatch/internal/model"
	"github.com/t77yq/casewatch/internal/monitor"
	"github.com/t77yq/casewatch/internal/scheduler"
)

type webhookResponse struct {
	Results []ingest.IngestResult `json:"results"`
}

func (s *Server) handleAlertWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			metrics.WebhooksRejectedTotal.Inc()
			s.writeError(w, ErrPayloadTooLarge)
			return
		}
		s.writeError(w, NewBadRequest(ErrCodeBadRequest, "failed to read body"))
		return
	}

	alerts, err := ingest.ParseWebhook(body)
	if err != nil {
		metrics.WebhooksRejectedTotal.Inc()
		if errors.Is(err, ingest.ErrMalformedPayload) {
			s.writeError(w, NewBadRequest(ErrCodeMalformed, err.Error()))
			return
		}
		s.writeError(w, NewBadRequest(ErrCodeBadRequest, err.Error()))
		return
	}

	results, err := s.deps.Ingester.IngestAll(r.Context(), alerts)
	if err != nil {
		s.logger.Error("Failed to ingest alerts",
			zap.Int("alerts", len(alerts)),
			zap.Int("stored", len(results)),
			zap.Error(err))
		s.writeError(w, ErrInternalServer)
		return
	}

	s.writeJSON(w, http.StatusAccepted, webhookResponse{Results: results})
}

type receiptRequest struct {
	Event      string     `json:"event"`
	At         *time.Time `json:"at"`
	ExternalID string     `json:"externalId"`
}

type receiptResponse struct {
	TrackingID  string                   `json:"trackingId"`
	Status      model.NotificationStatus `json:"status"`
	SentAt      *time.Time               `json:"sentAt,omitempty"`
	DeliveredAt *time.Time               `json:"deliveredAt,omitempty"`
	ReadAt      *time.Time               `json:"readAt,omitempty"`
}

func (s *Server) handleReceipt(w http.ResponseWriter, r *http.Request) {
	trackingID := chi.URLParam(r, "trackingID")
	s.receipt(w, r, func(ctx context.Context, req receiptRequest, ack model.AckType, at time.Time) (*model.Notification, error) {
		return s.deps.Acks.Acknowledge(ctx, trackingID, ack, at)
	})
}

func (s *Server) handleProviderReceipt(w http.ResponseWriter, r *http.Request) {
	ch, ok := model.ParseChannel(chi.URLParam(r, "channel"))
	if !ok {
		s.writeError(w, &Error{
			Code:    ErrCodeUnknownChannel,
			Message: fmt.Sprintf("unknown channel %q", chi.URLParam(r, "channel")),
			Status:  http.StatusNotFound,
		})
		return
	}
	s.receipt(w, r, func(ctx context.Context, req receiptRequest, ack model.AckType, at time.Time) (*model.Notification, error) {
		if req.ExternalID == "" {
			return nil, scheduler.ErrUnknownNotification
		}
		return s.deps.Acks.AcknowledgeExternal(ctx, ch, req.ExternalID, ack, at)
	})
}

type ackFunc func(ctx context.Context, req receiptRequest, ack model.AckType, at time.Time) (*model.Notification, error)

func (s *Server) receipt(w http.ResponseWriter, r *http.Request, apply ackFunc) {
	var req receiptRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, NewBadRequest(ErrCodeBadRequest, "invalid receipt body"))
		return
	}
	ack, ok := model.ParseAckType(req.Event)
	if !ok {
		s.writeError(w, NewBadRequest(ErrCodeUnknownReceipt, fmt.Sprintf("unknown receipt event %q", req.Event)))
		return
	}
	var at time.Time
	if req.At != nil {
		at = *req.At
	}

	n, err := apply(r.Context(), req, ack, at)
	switch {
	case errors.Is(err, scheduler.ErrUnknownNotification):
		s.writeError(w, ErrUnknownNotification)
		return
	case errors.Is(err, scheduler.ErrOutOfOrderAck):
		msg := fmt.Sprintf("cannot apply %s in the current state", ack)
		if n != nil {
			msg = fmt.Sprintf("cannot apply %s to a %s notification", ack, n.Status)
		}
		s.writeError(w, NewConflict(ErrCodeOutOfOrder, msg))
		return
	case err != nil:
		s.logger.Error("Failed to apply receipt", zap.String("event", string(ack)), zap.Error(err))
		s.writeError(w, ErrInternalServer)
		return
	}

	s.writeJSON(w, http.StatusOK, receiptResponse{
		TrackingID:  n.TrackingID,
		Status:      n.Status,
		SentAt:      n.SentAt,
		DeliveredAt: n.DeliveredAt,
		ReadAt:      n.ReadAt,
	})
}

type healthResponse struct {
	Status   string             `json:"status"`
	Database string             `json:"database"`
	Host     *monitor.HostStats `json:"host,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Database: "ok"}
	if s.deps.Host != nil {
		resp.Host = s.deps.Host.Latest()
	}

	status := http.StatusOK
	if err := s.deps.DB.Ping(ctx); err != nil {
		s.logger.Warn("Health check failed", zap.Error(err))
		resp.Status = "unavailable"
		resp.Database = err.Error()
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}

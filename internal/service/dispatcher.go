package service

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog"

	"github.com/connorhoehn/websocket-gateway/internal/metrics"
)

// Dispatcher routes client request envelopes {service, action, …} to
// the matching service handler. The table is closed at startup: only
// services enabled in configuration are reachable.
type Dispatcher struct {
	services map[string]Handler
	sender   Sender
	logger   zerolog.Logger
}

func NewDispatcher(sender Sender, handlers []Handler, logger zerolog.Logger) *Dispatcher {
	services := make(map[string]Handler, len(handlers))
	for _, h := range handlers {
		services[h.Name()] = h
	}
	return &Dispatcher{
		services: services,
		sender:   sender,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
	}
}

// ServiceNames lists the enabled services, for the connection frame.
func (d *Dispatcher) ServiceNames() []string {
	names := make([]string, 0, len(d.services))
	for name := range d.services {
		names = append(names, name)
	}
	return names
}

// Dispatch parses one inbound client frame and hands it to its service.
// All validation errors are answered with a single error frame; the
// connection stays open.
func (d *Dispatcher) Dispatch(ctx context.Context, clientID string, frame []byte) {
	var req struct {
		Service string `json:"service"`
		Action  string `json:"action"`
	}
	if err := json.Unmarshal(frame, &req); err != nil {
		d.logger.Debug().Err(err).Str("client_id", clientID).Msg("Client sent invalid JSON")
		d.sendError(ctx, clientID, "", "invalid JSON")
		return
	}

	if req.Service == "" || req.Action == "" {
		d.sendError(ctx, clientID, req.Action, "service and action are required")
		return
	}

	handler, known := d.services[req.Service]
	if !known {
		d.sendError(ctx, clientID, req.Action, "unknown service: "+req.Service)
		return
	}

	err := handler.HandleAction(ctx, clientID, req.Action, frame)
	switch {
	case err == nil:
		metrics.ServiceActions.WithLabelValues(req.Service, req.Action, "ok").Inc()
	case errors.Is(err, ErrUnknownAction):
		metrics.ServiceActions.WithLabelValues(req.Service, req.Action, "unknown").Inc()
		d.sendError(ctx, clientID, req.Action, "unknown action: "+req.Action)
	default:
		metrics.ServiceActions.WithLabelValues(req.Service, req.Action, "error").Inc()
		d.logger.Warn().Err(err).
			Str("client_id", clientID).
			Str("service", req.Service).
			Str("action", req.Action).
			Msg("Service action failed")
	}
}

// OnClientDisconnect fans the draining notification out to every
// service.
func (d *Dispatcher) OnClientDisconnect(ctx context.Context, clientID string) {
	for _, handler := range d.services {
		handler.OnClientDisconnect(ctx, clientID)
	}
}

// Stats aggregates per-service stats.
func (d *Dispatcher) Stats() map[string]any {
	stats := make(map[string]any, len(d.services))
	for name, handler := range d.services {
		stats[name] = handler.Stats()
	}
	return stats
}

func (d *Dispatcher) sendError(ctx context.Context, clientID, action, message string) {
	d.sender.SendToClient(ctx, clientID, Response{
		Type:      "error",
		Action:    action,
		Error:     message,
		Timestamp: now(),
	})
}

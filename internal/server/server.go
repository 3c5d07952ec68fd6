// Package server exposes the WebSocket command API and the HTTP health
// endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"vulcanbrownout/internal/battery"
	"vulcanbrownout/internal/monitor"
)

// WebSocket command types.
const (
	CommandQueryDevices        = "vulcan-brownout/query_devices"
	CommandSubscribe           = "vulcan-brownout/subscribe"
	CommandUnsubscribe         = "vulcan-brownout/unsubscribe"
	CommandSetThreshold        = "vulcan-brownout/set_threshold"
	CommandGetFilterOptions    = "vulcan-brownout/get_filter_options"
	CommandGetNotificationPref = "vulcan-brownout/get_notification_preferences"
	CommandSetNotificationPref = "vulcan-brownout/set_notification_preferences"
)

// request is the client→server envelope. Params are decoded per command.
type request struct {
	ID   int    `json:"id"`
	Type string `json:"type"`
}

// response is the server→client result envelope.
type response struct {
	ID      int         `json:"id"`
	Type    string      `json:"type"`
	Success bool        `json:"success"`
	Result  interface{} `json:"result,omitempty"`
	Error   *wireError  `json:"error,omitempty"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type queryParams struct {
	Limit         *int     `json:"limit"`
	Offset        int      `json:"offset"`
	Cursor        string   `json:"cursor"`
	SortKey       string   `json:"sort_key"`
	SortOrder     string   `json:"sort_order"`
	Manufacturers []string `json:"filter_manufacturer"`
	DeviceClasses []string `json:"filter_device_class"`
	Statuses      []string `json:"filter_status"`
	Areas         []string `json:"filter_area"`
}

type thresholdParams struct {
	GlobalThreshold *int           `json:"global_threshold"`
	DeviceRules     map[string]int `json:"device_rules"`
}

type unsubscribeParams struct {
	SubscriptionID string `json:"subscription_id"`
}

// Server serves the WebSocket command API
type Server struct {
	monitor  *monitor.Monitor
	logger   *zap.Logger
	server   *http.Server
	upgrader websocket.Upgrader
}

// NewServer creates a new command server
func NewServer(mon *monitor.Monitor, logger *zap.Logger, addr string) *Server {
	s := &Server{
		monitor: mon,
		logger:  logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/vulcan_brownout/ws", s.handleWebSocket)
	mux.HandleFunc("/api/vulcan_brownout/health", s.handleHealth)

	s.server = &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return s
}

// Start begins serving requests
func (s *Server) Start() error {
	s.logger.Info("Starting command server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	s.logger.Info("Stopping command server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}

// handleHealth returns a simple health check response
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(s.monitor.Health())
}

// handleWebSocket upgrades the connection and runs the command loop
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	ws := newWSConn(conn)
	defer ws.Close()

	s.logger.Debug("Client connected", zap.String("remote_addr", r.RemoteAddr))

	// Subscriptions opened on this connection, cleaned up on close
	var subscriptionIDs []string
	defer func() {
		for _, id := range subscriptionIDs {
			s.monitor.Unsubscribe(id)
		}
		s.logger.Debug("Client disconnected",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Int("subscriptions_closed", len(subscriptionIDs)))
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var req request
		if err := json.Unmarshal(raw, &req); err != nil {
			s.sendError(ws, 0, battery.ErrCodeInvalidRequest, "malformed request")
			continue
		}

		switch req.Type {
		case CommandQueryDevices:
			s.handleQueryDevices(ws, req.ID, raw)

		case CommandSubscribe:
			id, err := s.monitor.Subscribe(ws)
			if err != nil {
				s.sendCommandError(ws, req.ID, err)
				continue
			}
			subscriptionIDs = append(subscriptionIDs, id)
			s.sendResult(ws, req.ID, map[string]interface{}{
				"subscription_id": id,
				"status":          "subscribed",
			})

		case CommandUnsubscribe:
			var params unsubscribeParams
			if err := json.Unmarshal(raw, &params); err != nil || params.SubscriptionID == "" {
				s.sendError(ws, req.ID, battery.ErrCodeInvalidRequest, "subscription_id required")
				continue
			}
			s.monitor.Unsubscribe(params.SubscriptionID)
			subscriptionIDs = removeString(subscriptionIDs, params.SubscriptionID)
			s.sendResult(ws, req.ID, map[string]interface{}{
				"status": "unsubscribed",
			})

		case CommandSetThreshold:
			s.handleSetThreshold(ws, req.ID, raw)

		case CommandGetFilterOptions:
			s.sendResult(ws, req.ID, s.monitor.FilterOptions())

		case CommandGetNotificationPref:
			s.sendResult(ws, req.ID, s.monitor.NotificationPreferences())

		case CommandSetNotificationPref:
			s.handleSetNotificationPreferences(ws, req.ID, raw)

		default:
			s.sendError(ws, req.ID, battery.ErrCodeInvalidRequest,
				fmt.Sprintf("unknown command %q", req.Type))
		}
	}
}

func (s *Server) handleQueryDevices(ws *wsConn, msgID int, raw []byte) {
	var params queryParams
	if err := json.Unmarshal(raw, &params); err != nil {
		s.sendError(ws, msgID, battery.ErrCodeInvalidRequest, "malformed query parameters")
		return
	}

	limit := battery.DefaultPageSize
	if params.Limit != nil {
		limit = *params.Limit
	}

	page, err := s.monitor.QueryDevices(battery.QueryParams{
		Limit:         limit,
		Offset:        params.Offset,
		Cursor:        params.Cursor,
		SortKey:       params.SortKey,
		SortOrder:     params.SortOrder,
		Manufacturers: params.Manufacturers,
		DeviceClasses: params.DeviceClasses,
		Statuses:      params.Statuses,
		Areas:         params.Areas,
	})
	if err != nil {
		s.sendCommandError(ws, msgID, err)
		return
	}

	s.sendResult(ws, msgID, page)
}

func (s *Server) handleSetThreshold(ws *wsConn, msgID int, raw []byte) {
	var params thresholdParams
	if err := json.Unmarshal(raw, &params); err != nil {
		s.sendError(ws, msgID, battery.ErrCodeInvalidRequest, "malformed threshold parameters")
		return
	}

	result, err := s.monitor.SetThresholds(params.GlobalThreshold, params.DeviceRules)
	if err != nil {
		s.sendCommandError(ws, msgID, err)
		return
	}

	s.sendResult(ws, msgID, result)
}

func (s *Server) handleSetNotificationPreferences(ws *wsConn, msgID int, raw []byte) {
	prefs := s.monitor.NotificationPreferences().Preferences
	if err := json.Unmarshal(raw, &prefs); err != nil {
		s.sendError(ws, msgID, battery.ErrCodeInvalidRequest, "malformed preferences")
		return
	}

	if err := s.monitor.SetNotificationPreferences(prefs); err != nil {
		s.sendCommandError(ws, msgID, err)
		return
	}

	s.sendResult(ws, msgID, s.monitor.NotificationPreferences())
}

func (s *Server) sendResult(ws *wsConn, msgID int, result interface{}) {
	err := ws.writeJSON(response{
		ID:      msgID,
		Type:    "result",
		Success: true,
		Result:  result,
	})
	if err != nil {
		s.logger.Warn("Failed to send result", zap.Int("msg_id", msgID), zap.Error(err))
	}
}

// sendCommandError translates a typed command failure into the error
// envelope, falling back to an internal error code.
func (s *Server) sendCommandError(ws *wsConn, msgID int, err error) {
	var cmdErr *battery.Error
	if errors.As(err, &cmdErr) {
		s.sendError(ws, msgID, cmdErr.Code, cmdErr.Message)
		return
	}
	s.sendError(ws, msgID, battery.ErrCodeInternal, err.Error())
}

func (s *Server) sendError(ws *wsConn, msgID int, code, message string) {
	err := ws.writeJSON(response{
		ID:      msgID,
		Type:    "result",
		Success: false,
		Error:   &wireError{Code: code, Message: message},
	})
	if err != nil {
		s.logger.Warn("Failed to send error", zap.Int("msg_id", msgID), zap.Error(err))
	}
}

func removeString(list []string, v string) []string {
	for i, s := range list {
		if s == v {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

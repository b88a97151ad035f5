package mastervol

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	eventsource "github.com/stalexteam/eventsource_go"
	"go.uber.org/zap"
)

// SseServer provides an EventSource server that relays master volume state to any listening client
type SseServer struct {
	mastervol *Mastervol
	logger    *zap.SugaredLogger
	server    *http.Server

	stopChannel chan bool
	running     int32 // Atomic flag: 1 = running, 0 = stopped

	// ConnectionManager manages all active SSE connections
	manager *eventsource.ConnectionManager

	// Event counter for SSE id field
	eventID int64

	// Current port (for tracking changes)
	currentPort int
	portMutex   sync.Mutex
}

const (
	// SSE retry timeout in milliseconds
	sseRetryTimeout = 30000

	// Ping interval
	pingInterval = 10 * time.Second

	stateIDVolume = "master-volume"
	stateIDMute   = "master-mute"
	stateIDDevice = "master-device"
)

type sseStatePayload struct {
	ID    string      `json:"id"`
	Value interface{} `json:"value"`
}

// NewSseServer creates a new SSE server instance
func NewSseServer(mastervol *Mastervol, logger *zap.SugaredLogger) (*SseServer, error) {
	logger = logger.Named("sse_server")

	manager := eventsource.NewConnectionManager()

	manager.SetOnConnect(func(encoder *eventsource.Encoder) {
		logger.Infow("New SSE client connected",
			"remote", encoder.RemoteAddr(),
			"path", encoder.Path())
	})

	manager.SetOnDisconnect(func(encoder *eventsource.Encoder) {
		logger.Debugw("SSE client disconnected",
			"remote", encoder.RemoteAddr(),
			"path", encoder.Path())
	})

	srv := &SseServer{
		mastervol:   mastervol,
		logger:      logger,
		manager:     manager,
		eventID:     1,
	}

	logger.Debug("Created SSE server instance")

	return srv, nil
}

// Start starts the SSE server on the configured port. A port of 0 leaves it stopped
func (srv *SseServer) Start() error {
	port := srv.mastervol.config.Snapshot().ConnectionInfo.SSERelayPort
	if port <= 0 {
		srv.logger.Debug("SSE relay port not configured, server will not start")
		return nil
	}

	srv.portMutex.Lock()
	currentPort := srv.currentPort
	srv.portMutex.Unlock()

	// If already running on the same port, no need to restart
	if atomic.LoadInt32(&srv.running) == 1 && currentPort == port {
		srv.logger.Debugw("SSE server already running on the same port", "port", port)
		return nil
	}

	// If running on different port, stop first
	if atomic.LoadInt32(&srv.running) == 1 {
		srv.logger.Infow("SSE server port changed, restarting", "old_port", currentPort, "new_port", port)
		srv.Stop()
	}

	stopChannel := make(chan bool)

	handler := eventsource.HandlerV2(func(
		info *eventsource.ConnectionInfo,
		encoder *eventsource.Encoder,
		stop <-chan bool,
	) {
		if err := encoder.SetRetry(sseRetryTimeout); err != nil {
			srv.logger.Debugw("Error sending retry field", "error", err)
			return
		}

		if err := encoder.Encode(srv.pingEvent()); err != nil {
			srv.logger.Debugw("Error sending ping event", "error", err)
			return
		}

		// new clients get the full picture right away
		for _, event := range srv.stateEvents(srv.mastervol.State()) {
			if err := encoder.Encode(event); err != nil {
				if eventsource.IsConnectionError(err) {
					srv.logger.Debugw("Error sending state event, connection closed", "error", err)
				} else {
					srv.logger.Debugw("Error sending state event", "error", err)
				}
				return
			}
		}

		// Wait for client disconnect or server stop
		select {
		case <-stop:
			return
		case <-stopChannel:
			return
		}
	})

	// Use HandlerWithManager to automatically manage connections
	handlerWithManager := eventsource.HandlerWithManager(srv.manager, handler)

	mux := http.NewServeMux()
	// Handle any URL path - all paths will serve SSE stream
	mux.HandleFunc("/", handlerWithManager.ServeHTTP)

	addr := fmt.Sprintf(":%d", port)
	srv.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	srv.portMutex.Lock()
	srv.currentPort = port
	srv.portMutex.Unlock()

	srv.stopChannel = stopChannel
	atomic.StoreInt32(&srv.running, 1)

	go func(server *http.Server) {
		srv.logger.Infow("Starting SSE server", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			srv.logger.Errorw("SSE server error", "error", err)
			srv.Stop()
		}
	}(srv.server)

	go srv.pingLoop(stopChannel)

	return nil
}

// Stop stops the SSE server
func (srv *SseServer) Stop() {
	if !atomic.CompareAndSwapInt32(&srv.running, 1, 0) {
		return
	}

	srv.logger.Debug("Stopping SSE server")

	// wakes up the ping loop and every open handler
	close(srv.stopChannel)

	srv.manager.CloseAll()
	srv.logger.Debugw("Closed all SSE connections", "count", srv.manager.Count())

	if srv.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.server.Shutdown(ctx); err != nil {
			srv.logger.Warnw("Error during SSE server shutdown", "error", err)
			srv.server.Close()
		}
	}

	srv.portMutex.Lock()
	srv.currentPort = 0
	srv.portMutex.Unlock()

	srv.logger.Info("SSE server stopped")
}

// IsRunning returns whether the server is currently running
func (srv *SseServer) IsRunning() bool {
	return atomic.LoadInt32(&srv.running) == 1
}

// NotifyStateChange broadcasts the given state to all connected clients
func (srv *SseServer) NotifyStateChange(state State) {
	if atomic.LoadInt32(&srv.running) == 0 {
		return
	}

	for _, event := range srv.stateEvents(state) {
		if err := srv.manager.Broadcast(event); err != nil {
			if eventsource.IsConnectionError(err) {
				srv.logger.Debugw("Some connections failed during broadcast", "error", err)
			}
			// ConnectionManager automatically removes failed connections
		}
	}
}

func (srv *SseServer) stateEvents(state State) []eventsource.Event {
	payloads := []sseStatePayload{
		{ID: stateIDDevice, Value: state.DeviceName},
		{ID: stateIDVolume, Value: state.VolumePercent()},
		{ID: stateIDMute, Value: state.Muted},
	}

	events := make([]eventsource.Event, 0, len(payloads))

	for _, payload := range payloads {
		data, err := json.Marshal(payload)
		if err != nil {
			srv.logger.Warnw("Failed to marshal state data", "error", err, "id", payload.ID)
			continue
		}

		events = append(events, eventsource.Event{
			ID:   fmt.Sprintf("%d", atomic.AddInt64(&srv.eventID, 1)),
			Type: "state",
			Data: data,
		})
	}

	return events
}

func (srv *SseServer) pingEvent() eventsource.Event {
	data, _ := json.Marshal(map[string]interface{}{
		"title":   "mastervol",
		"version": srv.mastervol.version,
	})

	return eventsource.Event{
		ID:   fmt.Sprintf("%d", atomic.AddInt64(&srv.eventID, 1)),
		Type: "ping",
		Data: data,
	}
}

// pingLoop sends ping events periodically to all clients
func (srv *SseServer) pingLoop(stop chan bool) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := srv.manager.Broadcast(srv.pingEvent()); err != nil {
				if eventsource.IsConnectionError(err) {
					srv.logger.Debugw("Some connections failed during ping broadcast", "error", err)
				}
			}
		}
	}
}

// Package progressbus bridges the progress stream to WebSocket clients:
// it pushes task lifecycle events to each user's sessions and accepts
// confirmation and cancel frames back from them.
package progressbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loopworks/taskmesh/bus"
	"github.com/loopworks/taskmesh/task"
)

// Component implements the progress-bus processor.
type Component struct {
	name       string
	config     Config
	natsClient *natsclient.Client
	logger     *slog.Logger

	hub      *hub
	upgrader websocket.Upgrader
	server   *http.Server
	metrics  *busMetrics

	confirmFn func(ctx context.Context, callbackID string, conf *task.UserConfirmation) error
	cancelFn  func(ctx context.Context, req *task.CancelRequest) error

	// Pending confirmations keyed by callback id; only the recorded owner
	// may answer one.
	pendingMu sync.Mutex
	pending   map[string]pendingCallback

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	// Metrics
	eventsForwarded atomic.Int64
	eventsDropped   atomic.Int64
	clientErrors    atomic.Int64
	lastActivityMu  sync.RWMutex
	lastActivity    time.Time
}

// NewComponent creates a new progress-bus processor.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	var config Config
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Apply defaults
	defaults := DefaultConfig()
	if config.ListenAddr == "" {
		config.ListenAddr = defaults.ListenAddr
	}
	if config.WSPath == "" {
		config.WSPath = defaults.WSPath
	}
	if config.StreamName == "" {
		config.StreamName = defaults.StreamName
	}
	if config.ConsumerName == "" {
		config.ConsumerName = defaults.ConsumerName
	}
	if config.PingInterval == "" {
		config.PingInterval = defaults.PingInterval
	}
	if config.PongTimeout == "" {
		config.PongTimeout = defaults.PongTimeout
	}
	if config.WriteTimeout == "" {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.MaxConnections == 0 {
		config.MaxConnections = defaults.MaxConnections
	}
	if len(config.AllowedOrigins) == 0 {
		config.AllowedOrigins = defaults.AllowedOrigins
	}
	if config.Ports == nil {
		config.Ports = defaults.Ports
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	c := &Component{
		name:       "progress-bus",
		config:     config,
		natsClient: deps.NATSClient,
		logger:     deps.GetLogger(),
		hub:        newHub(config.MaxConnections),
		metrics:    newBusMetrics(),
	}
	c.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     c.checkOrigin,
	}
	return c, nil
}

// checkOrigin accepts requests whose Origin matches the allow-list. A
// bare "*" accepts any origin; requests without an Origin header are
// non-browser clients and pass.
func (c *Component) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range c.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	c.logger.Debug("Initialized progress-bus",
		"listen_addr", c.config.ListenAddr,
		"ws_path", c.config.WSPath,
		"stream", c.config.StreamName,
		"max_connections", c.config.MaxConnections)
	return nil
}

// Start begins serving WebSocket clients and forwarding progress events.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("component already running")
	}
	if c.natsClient == nil {
		c.mu.Unlock()
		return fmt.Errorf("NATS client required")
	}

	c.running = true
	c.startTime = time.Now()

	subCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	if err := c.wireCollaborators(); err != nil {
		c.rollbackStart(cancel)
		return err
	}

	js, err := c.natsClient.JetStream()
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("get jetstream: %w", err)
	}

	stream, err := js.Stream(subCtx, c.config.StreamName)
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("get stream %s: %w", c.config.StreamName, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(subCtx, jetstream.ConsumerConfig{
		Durable:       c.config.ConsumerName,
		FilterSubject: task.SubjectAllProgress,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    3,
	})
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("create consumer %s: %w", c.config.ConsumerName, err)
	}

	c.server = &http.Server{
		Addr:              c.config.ListenAddr,
		Handler:           c.httpHandler(subCtx),
		ReadHeaderTimeout: 10 * time.Second,
	}

	c.wg.Add(1)
	go c.consumeEvents(subCtx, consumer)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error("HTTP server stopped", "error", err)
		}
	}()

	c.metrics.register()

	c.logger.Info("progress-bus started",
		"listen_addr", c.config.ListenAddr,
		"ws_path", c.config.WSPath,
		"stream", c.config.StreamName)

	return nil
}

// wireCollaborators builds the NATS-backed stores not injected by tests.
func (c *Component) wireCollaborators() error {
	if c.confirmFn == nil {
		store, err := bus.NewConfirmationStore(c.natsClient)
		if err != nil {
			return fmt.Errorf("create confirmation store: %w", err)
		}
		c.confirmFn = store.Put
	}
	if c.cancelFn == nil {
		store, err := task.NewCancelStore(c.natsClient)
		if err != nil {
			return fmt.Errorf("create cancel store: %w", err)
		}
		c.cancelFn = store.RequestCancel
	}
	return nil
}

func (c *Component) rollbackStart(cancel context.CancelFunc) {
	c.mu.Lock()
	c.running = false
	c.cancel = nil
	c.mu.Unlock()
	cancel()
}

// httpHandler builds the mux serving the WebSocket endpoint plus health
// and metrics.
func (c *Component) httpHandler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(c.config.WSPath, func(w http.ResponseWriter, r *http.Request) {
		c.handleWS(ctx, w, r)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// handleWS upgrades one connection and binds it to the user named in the
// query string. Events for other users never reach this session.
func (c *Component) handleWS(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id query parameter is required", http.StatusBadRequest)
		return
	}

	if c.hub.connections() >= c.config.MaxConnections {
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}

	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.Warn("WebSocket upgrade failed", "user_id", userID, "error", err)
		return
	}

	client := newWSClient(userID, conn)
	if err := c.hub.add(client); err != nil {
		c.logger.Warn("Connection rejected", "user_id", userID, "error", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "connection limit reached"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	c.metrics.connections.Inc()

	c.wg.Add(2)
	go c.writePump(client)
	go c.readPump(ctx, client)

	c.sendEvent(client, &bus.Event{
		Type:      bus.EventNotification,
		UserID:    userID,
		Message:   "connected",
		Timestamp: time.Now().UnixMilli(),
	})
}

// writePump drains the client's send channel and keeps the connection
// alive with pings.
func (c *Component) writePump(client *wsClient) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.GetPingInterval())
	defer func() {
		ticker.Stop()
		_ = client.conn.Close()
	}()

	for {
		select {
		case data, ok := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(c.config.GetWriteTimeout()))
			if !ok {
				_ = client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(c.config.GetWriteTimeout()))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes client frames until the connection drops.
func (c *Component) readPump(ctx context.Context, client *wsClient) {
	defer c.wg.Done()
	defer func() {
		c.hub.remove(client)
		client.close()
		c.metrics.connections.Dec()
	}()

	_ = client.conn.SetReadDeadline(time.Now().Add(c.config.GetPongTimeout()))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(c.config.GetPongTimeout()))
	})

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("WebSocket read error", "user_id", client.userID, "error", err)
			}
			return
		}

		c.updateLastActivity()

		var msg bus.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.clientErrors.Add(1)
			c.metrics.clientErrors.Inc()
			c.sendError(client, "Invalid JSON format")
			continue
		}

		c.handleClientMessage(ctx, client, &msg)
	}
}

// handleClientMessage routes one client frame by action.
func (c *Component) handleClientMessage(ctx context.Context, client *wsClient, msg *bus.ClientMessage) {
	switch msg.Action {
	case bus.ActionConfirm:
		c.handleConfirm(ctx, client, msg)
	case bus.ActionCancel:
		c.handleCancel(ctx, client, msg)
	case bus.ActionPing:
		c.sendEvent(client, &bus.Event{
			Type:      bus.EventHeartbeat,
			UserID:    client.userID,
			Timestamp: time.Now().UnixMilli(),
		})
	case bus.ActionSubscribe:
		// Sessions are bound to their user at upgrade; subscribe is an
		// acknowledged no-op kept for client compatibility.
		c.sendEvent(client, &bus.Event{
			Type:      bus.EventNotification,
			UserID:    client.userID,
			Message:   "subscribed",
			Timestamp: time.Now().UnixMilli(),
		})
	default:
		c.clientErrors.Add(1)
		c.metrics.clientErrors.Inc()
		c.sendError(client, fmt.Sprintf("Unknown action: %s", msg.Action))
	}
}

// pendingTTL bounds how long an unanswered callback stays tracked. It
// matches the confirmation bucket TTL.
const pendingTTL = time.Hour

type pendingCallback struct {
	userID  string
	created time.Time
}

// trackCallback records the owning user of a pending confirmation and
// sweeps stale entries.
func (c *Component) trackCallback(callbackID, userID string) {
	now := time.Now()
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if c.pending == nil {
		c.pending = make(map[string]pendingCallback)
	}
	for id, p := range c.pending {
		if now.Sub(p.created) > pendingTTL {
			delete(c.pending, id)
		}
	}
	c.pending[callbackID] = pendingCallback{userID: userID, created: now}
}

// ownsCallback reports whether a pending confirmation belongs to the
// user. Unknown callbacks belong to no one.
func (c *Component) ownsCallback(callbackID, userID string) bool {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	p, ok := c.pending[callbackID]
	return ok && p.userID == userID
}

func (c *Component) dropCallback(callbackID string) {
	c.pendingMu.Lock()
	delete(c.pending, callbackID)
	c.pendingMu.Unlock()
}

// handleConfirm records the user's answer for a pending callback. An
// absent proceed field means approval. Answers for callbacks the session's
// user does not own are rejected.
func (c *Component) handleConfirm(ctx context.Context, client *wsClient, msg *bus.ClientMessage) {
	if msg.CallbackID == "" {
		c.sendError(client, "callback_id is required")
		return
	}

	if !c.ownsCallback(msg.CallbackID, client.userID) {
		c.clientErrors.Add(1)
		c.metrics.clientErrors.Inc()
		c.sendError(client, "unknown callback_id")
		return
	}

	proceed := true
	if msg.Proceed != nil {
		proceed = *msg.Proceed
	}

	conf := &task.UserConfirmation{Proceed: proceed, Feedback: msg.Feedback}
	if err := c.confirmFn(ctx, msg.CallbackID, conf); err != nil {
		c.logger.Warn("Failed to record confirmation",
			"user_id", client.userID,
			"callback_id", msg.CallbackID,
			"error", err)
		c.sendError(client, "failed to record confirmation")
		return
	}

	c.dropCallback(msg.CallbackID)
	c.metrics.confirmations.Inc()
	c.logger.Info("Confirmation recorded",
		"user_id", client.userID,
		"callback_id", msg.CallbackID,
		"proceed", proceed)
}

// handleCancel records a cancel request for a running task.
func (c *Component) handleCancel(ctx context.Context, client *wsClient, msg *bus.ClientMessage) {
	if msg.TaskID == "" {
		c.sendError(client, "task_id is required")
		return
	}

	req := &task.CancelRequest{
		TaskID: msg.TaskID,
		UserID: client.userID,
		Reason: msg.Feedback,
	}
	if err := c.cancelFn(ctx, req); err != nil {
		c.logger.Warn("Failed to record cancel",
			"user_id", client.userID,
			"task_id", msg.TaskID,
			"error", err)
		c.sendError(client, "failed to record cancel")
		return
	}

	c.metrics.cancels.Inc()
	c.sendEvent(client, &bus.Event{
		Type:      bus.EventNotification,
		UserID:    client.userID,
		TaskID:    msg.TaskID,
		Message:   "cancellation requested",
		Timestamp: time.Now().UnixMilli(),
	})
}

// sendEvent queues one event for the client; full buffers drop the
// frame rather than block the bus.
func (c *Component) sendEvent(client *wsClient, ev *bus.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_ = client.trySend(data)
}

func (c *Component) sendError(client *wsClient, message string) {
	data, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		return
	}
	_ = client.trySend(data)
}

// consumeEvents pulls progress events off the stream and forwards each
// strictly to the sessions of its user.
func (c *Component) consumeEvents(ctx context.Context, consumer jetstream.Consumer) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := consumer.Fetch(10, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Debug("Fetch timeout or error", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			c.forwardEvent(msg)
		}

		if msgs.Error() != nil && msgs.Error() != context.DeadlineExceeded {
			c.logger.Warn("Message fetch error", "error", msgs.Error())
		}
	}
}

// forwardEvent delivers one stream message and acks it. Events for
// users with no open session are acked and dropped; the result store
// keeps the durable record.
func (c *Component) forwardEvent(msg jetstream.Msg) {
	c.updateLastActivity()

	ev, err := bus.ParseEvent(msg.Data())
	if err != nil {
		c.logger.Error("Failed to parse progress event", "error", err)
		if err := msg.Ack(); err != nil {
			c.logger.Warn("Failed to ACK message", "error", err)
		}
		return
	}

	if ev.CallbackID != "" {
		c.trackCallback(ev.CallbackID, ev.UserID)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		c.logger.Error("Failed to marshal progress event", "error", err)
		_ = msg.Ack()
		return
	}

	// Evicted sessions tear down through their pumps, which settle the
	// connection gauge.
	delivered, _ := c.hub.sendToUser(ev.UserID, data)
	if delivered > 0 {
		c.eventsForwarded.Add(1)
		c.metrics.eventsForwarded.Inc()
	} else {
		c.eventsDropped.Add(1)
		c.metrics.eventsDropped.Inc()
	}

	if err := msg.Ack(); err != nil {
		c.logger.Warn("Failed to ACK message",
			"user_id", ev.UserID,
			"task_id", ev.TaskID,
			"error", err)
	}
}

// Stop gracefully stops the component, closing all sessions.
func (c *Component) Stop(timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}

	if c.cancel != nil {
		c.cancel()
	}

	if c.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := c.server.Shutdown(shutdownCtx); err != nil {
			c.logger.Warn("HTTP server shutdown", "error", err)
		}
	}

	c.hub.closeAll()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		c.logger.Warn("Shutdown window expired with pumps in flight")
	}

	c.running = false
	c.logger.Info("progress-bus stopped",
		"events_forwarded", c.eventsForwarded.Load(),
		"events_dropped", c.eventsDropped.Load(),
		"client_errors", c.clientErrors.Load())

	return nil
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "progress-bus",
		Type:        "processor",
		Description: "Pushes task lifecycle events to WebSocket clients and accepts confirmations",
		Version:     "0.1.0",
	}
}

// InputPorts returns configured input port definitions.
func (c *Component) InputPorts() []component.Port {
	if c.config.Ports == nil {
		return []component.Port{}
	}

	ports := make([]component.Port, len(c.config.Ports.Inputs))
	for i, portDef := range c.config.Ports.Inputs {
		ports[i] = component.Port{
			Name:        portDef.Name,
			Direction:   component.DirectionInput,
			Required:    portDef.Required,
			Description: portDef.Description,
			Config: component.NATSPort{
				Subject: portDef.Subject,
			},
		}
	}
	return ports
}

// OutputPorts returns configured output port definitions.
func (c *Component) OutputPorts() []component.Port {
	if c.config.Ports == nil {
		return []component.Port{}
	}

	ports := make([]component.Port, len(c.config.Ports.Outputs))
	for i, portDef := range c.config.Ports.Outputs {
		ports[i] = component.Port{
			Name:        portDef.Name,
			Direction:   component.DirectionOutput,
			Required:    portDef.Required,
			Description: portDef.Description,
			Config: component.NATSPort{
				Subject: portDef.Subject,
			},
		}
	}
	return ports
}

// ConfigSchema returns the configuration schema.
func (c *Component) ConfigSchema() component.ConfigSchema {
	return progressBusSchema
}

// Health returns the current health status.
func (c *Component) Health() component.HealthStatus {
	c.mu.RLock()
	running := c.running
	startTime := c.startTime
	c.mu.RUnlock()

	status := "stopped"
	if running {
		status = "running"
	}

	return component.HealthStatus{
		Healthy:    running,
		LastCheck:  time.Now(),
		ErrorCount: int(c.clientErrors.Load()),
		Uptime:     time.Since(startTime),
		Status:     status,
	}
}

// DataFlow returns current data flow metrics.
func (c *Component) DataFlow() component.FlowMetrics {
	return component.FlowMetrics{
		MessagesPerSecond: 0,
		BytesPerSecond:    0,
		ErrorRate:         0,
		LastActivity:      c.getLastActivity(),
	}
}

// IsRunning returns whether the component is running.
func (c *Component) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

func (c *Component) updateLastActivity() {
	c.lastActivityMu.Lock()
	c.lastActivity = time.Now()
	c.lastActivityMu.Unlock()
}

func (c *Component) getLastActivity() time.Time {
	c.lastActivityMu.RLock()
	defer c.lastActivityMu.RUnlock()
	return c.lastActivity
}

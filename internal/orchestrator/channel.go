package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/omerlefaruk/casare-rpa/internal/platform/logger"
)

const (
	pingInterval     = 30 * time.Second
	pongTimeout      = 10 * time.Second
	writeTimeout     = 10 * time.Second
	registerDeadline = 10 * time.Second
	maxFrameSize     = 4 << 20
)

// ChannelAuth configures robot authentication. Zero values disable the
// corresponding mechanism; with both empty, any robot may register.
type ChannelAuth struct {
	// JWTSecret verifies bearer tokens carried in Register frames.
	JWTSecret string
	// APIKeyHash is a bcrypt hash compared against the Register api_key.
	APIKeyHash string
}

// enabled reports whether any authentication is configured.
func (a ChannelAuth) enabled() bool { return a.JWTSecret != "" || a.APIKeyHash != "" }

// verify checks the credentials carried in a Register payload.
func (a ChannelAuth) verify(p RegisterPayload) bool {
	if !a.enabled() {
		return true
	}
	if a.JWTSecret != "" && p.Token != "" {
		token, err := jwt.Parse(p.Token, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(a.JWTSecret), nil
		})
		if err == nil && token.Valid {
			return true
		}
	}
	if a.APIKeyHash != "" && p.APIKey != "" {
		return bcrypt.CompareHashAndPassword([]byte(a.APIKeyHash), []byte(p.APIKey)) == nil
	}
	return false
}

// connection is one robot's websocket session.
type connection struct {
	robotID string
	ws      *websocket.Conn
	send    chan Envelope
	closed  chan struct{}
	once    sync.Once
}

func (c *connection) close() {
	c.once.Do(func() {
		close(c.closed)
		c.ws.Close()
	})
}

// Channel is the orchestrator side of the robot message stream: one
// websocket per robot, framed JSON envelopes, correlated request/response,
// ping/pong liveness.
type Channel struct {
	log  logger.Logger
	auth ChannelAuth

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	conns   map[string]*connection
	pending map[string]chan Envelope

	// Callbacks wired by the dispatcher before serving.
	OnRegister   func(RegisterPayload) (*Robot, error)
	OnHeartbeat  func(HeartbeatPayload) error
	OnDisconnect func(robotID string)
	OnJobEvent   func(robotID string, env Envelope)
	OnLog        func(entry LogEntryPayload)
}

// NewChannel creates a channel server.
func NewChannel(log logger.Logger, auth ChannelAuth) *Channel {
	if log == nil {
		log = logger.NewNop()
	}
	return &Channel{
		log:  log,
		auth: auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns:   make(map[string]*connection),
		pending: make(map[string]chan Envelope),
	}
}

// Connected reports whether a robot currently holds a session.
func (ch *Channel) Connected(robotID string) bool {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	_, ok := ch.conns[robotID]
	return ok
}

// ServeHTTP upgrades the request and runs the session: the first frame must
// be a Register, authenticated when auth is configured.
func (ch *Channel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := ch.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ch.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	ws.SetReadLimit(maxFrameSize)

	ws.SetReadDeadline(time.Now().Add(registerDeadline))
	var env Envelope
	if err := ws.ReadJSON(&env); err != nil || env.Type != MsgRegister {
		ws.Close()
		return
	}
	var reg RegisterPayload
	if err := env.Decode(&reg); err != nil {
		ws.Close()
		return
	}

	if !ch.auth.verify(reg) {
		ack, _ := NewEnvelope(MsgRegisterAck, RegisterAckPayload{Success: false, Message: "authentication failed"})
		ack.CorrelationID = env.CorrelationID
		ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		ws.WriteJSON(ack)
		ws.Close()
		ch.log.Warn("robot registration rejected", "robot_name", reg.Name)
		return
	}

	robot, err := ch.OnRegister(reg)
	if err != nil {
		ack, _ := NewEnvelope(MsgRegisterAck, RegisterAckPayload{Success: false, Message: err.Error()})
		ack.CorrelationID = env.CorrelationID
		ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		ws.WriteJSON(ack)
		ws.Close()
		return
	}

	conn := &connection{
		robotID: robot.ID,
		ws:      ws,
		send:    make(chan Envelope, 64),
		closed:  make(chan struct{}),
	}
	ch.attach(conn)

	ack, _ := NewEnvelope(MsgRegisterAck, RegisterAckPayload{Success: true, RobotID: robot.ID})
	ack.CorrelationID = env.CorrelationID
	conn.send <- ack

	ch.log.Info("robot connected", "robot_id", robot.ID, "robot_name", robot.Name)
	go ch.writePump(conn)
	ch.readPump(conn)
}

func (ch *Channel) attach(conn *connection) {
	ch.mu.Lock()
	old := ch.conns[conn.robotID]
	ch.conns[conn.robotID] = conn
	ch.mu.Unlock()
	if old != nil {
		old.close()
	}
}

func (ch *Channel) detach(conn *connection) {
	ch.mu.Lock()
	if ch.conns[conn.robotID] == conn {
		delete(ch.conns, conn.robotID)
	}
	ch.mu.Unlock()
	conn.close()
	if ch.OnDisconnect != nil {
		ch.OnDisconnect(conn.robotID)
	}
}

func (ch *Channel) readPump(conn *connection) {
	defer ch.detach(conn)

	conn.ws.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
	conn.ws.SetPongHandler(func(string) error {
		conn.ws.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
		return nil
	})

	for {
		var env Envelope
		if err := conn.ws.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				ch.log.Warn("robot connection dropped", "robot_id", conn.robotID, "error", err)
			}
			return
		}
		conn.ws.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))

		if env.CorrelationID != "" && ch.resolvePending(env) {
			continue
		}

		switch env.Type {
		case MsgHeartbeat:
			var hb HeartbeatPayload
			if err := env.Decode(&hb); err != nil {
				break
			}
			if ch.OnHeartbeat != nil {
				if err := ch.OnHeartbeat(hb); err != nil {
					ch.log.Warn("heartbeat rejected", "robot_id", conn.robotID, "error", err)
					break
				}
			}
			ack, _ := NewEnvelope(MsgHeartbeatAck, nil)
			ack.CorrelationID = env.CorrelationID
			ch.trySend(conn, ack)

		case MsgDisconnect:
			return

		case MsgJobProgress, MsgJobComplete, MsgJobFailed, MsgJobCancelled, MsgJobAccept, MsgJobReject, MsgStatusResponse:
			if ch.OnJobEvent != nil {
				ch.OnJobEvent(conn.robotID, env)
			}

		case MsgLogEntry:
			var entry LogEntryPayload
			if err := env.Decode(&entry); err == nil && ch.OnLog != nil {
				ch.OnLog(entry)
			}

		case MsgLogBatch:
			var batch LogBatchPayload
			if err := env.Decode(&batch); err == nil && ch.OnLog != nil {
				for _, entry := range batch.Entries {
					ch.OnLog(entry)
				}
			}

		default:
			ch.log.Debug("unhandled frame", "robot_id", conn.robotID, "type", string(env.Type))
		}
	}
}

func (ch *Channel) writePump(conn *connection) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case env := <-conn.send:
			conn.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.ws.WriteJSON(env); err != nil {
				conn.close()
				return
			}
		case <-ticker.C:
			conn.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.close()
				return
			}
		case <-conn.closed:
			return
		}
	}
}

func (ch *Channel) trySend(conn *connection, env Envelope) bool {
	select {
	case conn.send <- env:
		return true
	case <-conn.closed:
		return false
	}
}

// Send delivers a frame to a robot without awaiting a reply.
func (ch *Channel) Send(robotID string, env Envelope) error {
	ch.mu.RLock()
	conn, ok := ch.conns[robotID]
	ch.mu.RUnlock()
	if !ok {
		return &ErrRobotNotFound{RobotID: robotID}
	}
	if !ch.trySend(conn, env) {
		return fmt.Errorf("robot %s connection closed", robotID)
	}
	return nil
}

// Request sends a frame and awaits the correlated response within the
// timeout.
func (ch *Channel) Request(ctx context.Context, robotID string, env Envelope, timeout time.Duration) (Envelope, error) {
	correlationID := env.ID
	env.CorrelationID = correlationID

	reply := make(chan Envelope, 1)
	ch.mu.Lock()
	ch.pending[correlationID] = reply
	ch.mu.Unlock()
	defer func() {
		ch.mu.Lock()
		delete(ch.pending, correlationID)
		ch.mu.Unlock()
	}()

	if err := ch.Send(robotID, env); err != nil {
		return Envelope{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case response := <-reply:
		return response, nil
	case <-timer.C:
		return Envelope{}, fmt.Errorf("robot %s did not respond within %s", robotID, timeout)
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (ch *Channel) resolvePending(env Envelope) bool {
	ch.mu.Lock()
	reply, ok := ch.pending[env.CorrelationID]
	if ok {
		delete(ch.pending, env.CorrelationID)
	}
	ch.mu.Unlock()
	if !ok {
		return false
	}
	reply <- env
	return true
}

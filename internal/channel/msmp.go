package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/craftbridge/craftbridge/internal/domain"
)

const (
	msmpRequestTimeout = 30 * time.Second
	msmpPongTimeout    = 10 * time.Second
	msmpMethodPrefix   = "minecraft:"
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcMessage struct {
	ID     *int64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResult struct {
	raw json.RawMessage
	err error
}

// MSMPClient speaks the Minecraft Server Management Protocol: JSON-RPC 2.0
// over WebSocket with Bearer-token authentication. Responses are matched to
// requests by numeric id; messages carrying a method instead are server
// notifications and surface on Events.
type MSMPClient struct {
	url    string
	token  string
	logger *zap.Logger

	writeMu sync.Mutex // gorilla allows one concurrent writer
	conn    *websocket.Conn

	pendingMu sync.Mutex
	pending   map[int64]chan rpcResult
	nextID    int64

	pongCh chan struct{}
	events chan domain.ServerEvent
}

// NewMSMPClient creates an MSMP transport for ws://host:port.
func NewMSMPClient(host string, port int, token string, logger *zap.Logger) *MSMPClient {
	return &MSMPClient{
		url:     fmt.Sprintf("ws://%s:%d", host, port),
		token:   token,
		logger:  logger,
		pending: make(map[int64]chan rpcResult),
		pongCh:  make(chan struct{}, 1),
		events:  make(chan domain.ServerEvent, 16),
	}
}

// Name implements domain.Transport.
func (c *MSMPClient) Name() string { return "msmp" }

// Connect dials the management socket. A 401/403 handshake rejection maps
// to domain.ErrAuthFailed. On success the receive loop is started and the
// connection is validated with a status request; a slow validation keeps
// the connection (the socket itself is proven live).
func (c *MSMPClient) Connect(ctx context.Context) error {
	header := http.Header{"Authorization": {"Bearer " + c.token}}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.url, header)
	if err != nil {
		if errors.Is(err, websocket.ErrBadHandshake) && resp != nil &&
			(resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return domain.ErrAuthFailed
		}
		return fmt.Errorf("dial msmp %s: %w", c.url, err)
	}

	conn.SetPongHandler(func(string) error {
		select {
		case c.pongCh <- struct{}{}:
		default:
		}
		return nil
	})

	c.writeMu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = conn
	c.writeMu.Unlock()

	go c.readLoop(conn)

	validateCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := c.call(validateCtx, "server/status", []any{}); err != nil {
		c.logger.Warn("msmp connection validation failed, keeping connection", zap.Error(err))
	}

	c.logger.Info("msmp connected", zap.String("url", c.url))
	return nil
}

// Close sends a close frame and fails all pending requests.
func (c *MSMPClient) Close() error {
	c.writeMu.Lock()
	conn := c.conn
	c.conn = nil
	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}
	c.writeMu.Unlock()

	c.failPending(domain.ErrChannelUnavailable)
	return nil
}

// Ping sends a WebSocket ping and waits for the pong.
func (c *MSMPClient) Ping(ctx context.Context) error {
	c.writeMu.Lock()
	conn := c.conn
	if conn == nil {
		c.writeMu.Unlock()
		return domain.ErrChannelUnavailable
	}
	// Drain any stale pong before sending.
	select {
	case <-c.pongCh:
	default:
	}
	err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(msmpPongTimeout))
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("send ping: %w", err)
	}

	select {
	case <-c.pongCh:
		return nil
	case <-time.After(msmpPongTimeout):
		return domain.ErrRequestTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Execute runs a server command. A plain "stop" is routed to the dedicated
// server/stop method, which takes no arguments.
func (c *MSMPClient) Execute(ctx context.Context, command string) (string, error) {
	var (
		raw json.RawMessage
		err error
	)
	if strings.EqualFold(strings.TrimSpace(command), "stop") {
		raw, err = c.call(ctx, "server/stop", []any{})
	} else {
		raw, err = c.call(ctx, "server/command", []any{map[string]any{"command": command}})
	}
	if err != nil {
		return "", err
	}
	return rawToString(raw), nil
}

// Players queries the online players and the max_players server setting.
func (c *MSMPClient) Players(ctx context.Context) (domain.PlayerList, error) {
	raw, err := c.call(ctx, "players", []any{})
	if err != nil {
		return domain.PlayerList{}, err
	}

	var players []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &players); err != nil {
		return domain.PlayerList{}, fmt.Errorf("decode players: %w", err)
	}

	info := domain.PlayerList{Max: 20}
	for _, p := range players {
		if p.Name != "" {
			info.Names = append(info.Names, p.Name)
		}
	}
	info.Current = len(info.Names)

	if maxRaw, err := c.call(ctx, "serversettings/max_players", []any{}); err == nil {
		var max int
		if json.Unmarshal(maxRaw, &max) == nil && max > 0 {
			info.Max = max
		}
	} else {
		c.logger.Debug("max_players query failed", zap.Error(err))
	}
	return info, nil
}

// Status returns the structured server status object.
func (c *MSMPClient) Status(ctx context.Context) (map[string]any, error) {
	raw, err := c.call(ctx, "server/status", []any{})
	if err != nil {
		return nil, err
	}
	var status map[string]any
	if err := json.Unmarshal(raw, &status); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return status, nil
}

// GameRules returns the server's game rules.
func (c *MSMPClient) GameRules(ctx context.Context) (map[string]any, error) {
	raw, err := c.call(ctx, "gamerules", []any{})
	if err != nil {
		return nil, err
	}
	var rules map[string]any
	if err := json.Unmarshal(raw, &rules); err != nil {
		// Some servers answer with an array of rule objects.
		var list []map[string]any
		if err2 := json.Unmarshal(raw, &list); err2 != nil {
			return nil, fmt.Errorf("decode gamerules: %w", err)
		}
		rules = make(map[string]any, len(list))
		for _, r := range list {
			if key, ok := r["key"].(string); ok {
				rules[key] = r["value"]
			}
		}
	}
	return rules, nil
}

// StopServer requests a graceful shutdown.
func (c *MSMPClient) StopServer(ctx context.Context) error {
	_, err := c.call(ctx, "server/stop", []any{})
	return err
}

// Events implements domain.Transport.
func (c *MSMPClient) Events() <-chan domain.ServerEvent { return c.events }

// call sends one JSON-RPC request and waits for its response.
func (c *MSMPClient) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !strings.HasPrefix(method, msmpMethodPrefix) {
		method = msmpMethodPrefix + method
	}

	c.pendingMu.Lock()
	c.nextID++
	id := c.nextID
	ch := make(chan rpcResult, 1)
	c.pending[id] = ch
	c.pendingMu.Unlock()

	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}

	c.writeMu.Lock()
	conn := c.conn
	var err error
	if conn == nil {
		err = domain.ErrChannelUnavailable
	} else {
		err = conn.WriteJSON(req)
	}
	c.writeMu.Unlock()
	if err != nil {
		c.dropPending(id)
		return nil, err
	}

	select {
	case res := <-ch:
		return res.raw, res.err
	case <-time.After(msmpRequestTimeout):
		c.dropPending(id)
		return nil, fmt.Errorf("%s: %w", method, domain.ErrRequestTimeout)
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	}
}

func (c *MSMPClient) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.logger.Info("msmp connection closed", zap.Error(err))
			c.writeMu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			c.writeMu.Unlock()
			c.failPending(domain.ErrChannelUnavailable)
			return
		}

		var msg rpcMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Error("msmp message decode failed", zap.Error(err))
			continue
		}

		switch {
		case msg.ID != nil:
			c.pendingMu.Lock()
			ch, ok := c.pending[*msg.ID]
			if ok {
				delete(c.pending, *msg.ID)
			}
			c.pendingMu.Unlock()
			if !ok {
				continue
			}
			if msg.Error != nil {
				ch <- rpcResult{err: fmt.Errorf("msmp error %d: %s", msg.Error.Code, msg.Error.Message)}
			} else {
				ch <- rpcResult{raw: msg.Result}
			}

		case msg.Method != "":
			c.handleNotification(msg)
		}
	}
}

var notificationKinds = map[string]domain.ServerEventKind{
	"minecraft:notification/server/started":  domain.EventServerStarted,
	"minecraft:notification/server/stopping": domain.EventServerStopping,
	"minecraft:notification/server/saving":   domain.EventServerSaving,
	"minecraft:notification/server/saved":    domain.EventServerSaved,
	"minecraft:notification/players/joined":  domain.EventPlayerJoined,
	"minecraft:notification/players/left":    domain.EventPlayerLeft,
}

func (c *MSMPClient) handleNotification(msg rpcMessage) {
	kind, ok := notificationKinds[msg.Method]
	if !ok {
		c.logger.Debug("unhandled msmp notification", zap.String("method", msg.Method))
		return
	}

	// Notification params arrive as an array holding one object.
	var params []map[string]any
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			c.logger.Debug("notification params decode failed", zap.Error(err))
		}
	}
	var obj map[string]any
	if len(params) > 0 {
		obj = params[0]
	}

	event := domain.ServerEvent{Kind: kind, Raw: obj, Player: playerName(obj)}
	select {
	case c.events <- event:
	default:
		c.logger.Warn("server event dropped, consumer too slow", zap.String("kind", string(kind)))
	}
}

// playerName digs the player name out of a notification params object.
func playerName(obj map[string]any) string {
	if obj == nil {
		return ""
	}
	if name, ok := obj["name"].(string); ok {
		return name
	}
	if player, ok := obj["player"].(map[string]any); ok {
		if name, ok := player["name"].(string); ok {
			return name
		}
	}
	return ""
}

func (c *MSMPClient) dropPending(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *MSMPClient) failPending(err error) {
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		ch <- rpcResult{err: err}
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
}

func rawToString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}

var _ domain.Transport = (*MSMPClient)(nil)

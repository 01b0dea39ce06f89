// Package chat implements the group-chat gateway: a OneBot-style
// WebSocket endpoint the chat client connects to. Incoming group messages
// feed the rule engine's event queue; outbound sends go back over the same
// socket.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/craftbridge/craftbridge/internal/domain"
)

// Sink receives ingress chat messages as LogEvents. Implemented by
// bus.Queue.
type Sink interface {
	Publish(ev domain.LogEvent)
}

// Config holds the gateway settings.
type Config struct {
	ListenAddr  string // e.g. ":8765"
	AccessToken string // empty disables auth
	Groups      []int64
	Admins      []int64
}

// Gateway accepts one chat-client connection at a time; a newer
// connection replaces the current one.
type Gateway struct {
	cfg    Config
	sink   Sink
	logger *zap.Logger
	admins map[int64]bool
	groups map[int64]bool

	upgrader websocket.Upgrader

	mu   sync.Mutex
	conn *websocket.Conn
}

// New creates a chat gateway publishing ingress into sink.
func New(cfg Config, sink Sink, logger *zap.Logger) *Gateway {
	admins := make(map[int64]bool, len(cfg.Admins))
	for _, id := range cfg.Admins {
		admins[id] = true
	}
	groups := make(map[int64]bool, len(cfg.Groups))
	for _, id := range cfg.Groups {
		groups[id] = true
	}
	return &Gateway{
		cfg:    cfg,
		sink:   sink,
		logger: logger,
		admins: admins,
		groups: groups,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run serves the WebSocket endpoint until the context is canceled.
func (g *Gateway) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", g.handleConnect)

	srv := &http.Server{Addr: g.cfg.ListenAddr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("chat gateway listening", zap.String("addr", g.cfg.ListenAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		g.closeCurrent()
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (g *Gateway) handleConnect(w http.ResponseWriter, r *http.Request) {
	if !g.authorized(r) {
		g.logger.Warn("chat client rejected: bad access token",
			zap.String("remote", r.RemoteAddr))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	g.mu.Lock()
	if g.conn != nil {
		g.conn.Close() // newest connection wins
	}
	g.conn = conn
	g.mu.Unlock()
	g.logger.Info("chat client connected", zap.String("remote", r.RemoteAddr))

	g.readLoop(conn)
}

func (g *Gateway) authorized(r *http.Request) bool {
	if g.cfg.AccessToken == "" {
		return true
	}
	if r.URL.Query().Get("access_token") == g.cfg.AccessToken {
		return true
	}
	return r.Header.Get("Authorization") == "Bearer "+g.cfg.AccessToken
}

// inbound is the subset of the OneBot event envelope we act on.
type inbound struct {
	PostType   string `json:"post_type"`
	MsgType    string `json:"message_type"`
	GroupID    int64  `json:"group_id"`
	UserID     int64  `json:"user_id"`
	RawMessage string `json:"raw_message"`
	Message    string `json:"message"`
}

func (g *Gateway) readLoop(conn *websocket.Conn) {
	defer func() {
		g.mu.Lock()
		if g.conn == conn {
			g.conn = nil
		}
		g.mu.Unlock()
		conn.Close()
		g.logger.Info("chat client disconnected")
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var ev inbound
		if err := json.Unmarshal(data, &ev); err != nil {
			g.logger.Debug("unparseable chat event", zap.Error(err))
			continue
		}
		if ev.PostType != "message" || ev.MsgType != "group" {
			continue
		}
		if len(g.groups) > 0 && !g.groups[ev.GroupID] {
			continue
		}

		text := ev.RawMessage
		if text == "" {
			text = ev.Message
		}
		if text == "" {
			continue
		}

		g.sink.Publish(domain.LogEvent{
			Source:    domain.SourceChat,
			Text:      text,
			Stripped:  text,
			Timestamp: time.Now(),
			GroupID:   ev.GroupID,
			UserID:    ev.UserID,
			IsAdmin:   g.admins[ev.UserID],
		})
	}
}

// outbound is a send_group_msg action frame.
type outbound struct {
	Action string `json:"action"`
	Echo   string `json:"echo"`
	Params struct {
		GroupID    int64  `json:"group_id"`
		Message    string `json:"message"`
		AutoEscape bool   `json:"auto_escape"`
	} `json:"params"`
}

// Send delivers text to one group.
func (g *Gateway) Send(groupID int64, text string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conn == nil {
		return fmt.Errorf("no chat client connected")
	}

	var frame outbound
	frame.Action = "send_group_msg"
	frame.Echo = "craftbridge-" + uuid.NewString()
	frame.Params.GroupID = groupID
	frame.Params.Message = text

	if err := g.conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("send to group %d: %w", groupID, err)
	}
	return nil
}

// Broadcast delivers text to every configured group.
func (g *Gateway) Broadcast(text string) error {
	var firstErr error
	for _, groupID := range g.cfg.Groups {
		if err := g.Send(groupID, text); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Connected reports whether a chat client is attached.
func (g *Gateway) Connected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.conn != nil
}

func (g *Gateway) closeCurrent() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conn != nil {
		g.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
			time.Now().Add(time.Second))
		g.conn.Close()
		g.conn = nil
	}
}

var _ domain.ChatEgress = (*Gateway)(nil)

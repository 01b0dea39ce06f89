// Package channel unifies the MSMP and RCON management transports behind a
// single command/query surface with failover between them.
package channel

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/craftbridge/craftbridge/internal/domain"
)

// RCON packet types. Note that auth response and exec command share the
// value 2; direction disambiguates.
const (
	rconPacketAuth         = 3
	rconPacketAuthResponse = 2
	rconPacketExecCommand  = 2
	rconPacketResponse     = 0
)

const rconMaxPacketSize = 4096 + 10

// RCONClient speaks the Minecraft RCON protocol: length-prefixed packets
// with little-endian id/type headers and a NUL-terminated payload.
// One request is in flight at a time; Execute serializes callers.
type RCONClient struct {
	addr     string
	password string
	timeout  time.Duration
	logger   *zap.Logger

	mu        sync.Mutex
	conn      net.Conn
	requestID int32
}

// NewRCONClient creates an RCON transport for host:port.
func NewRCONClient(host string, port int, password string, timeout time.Duration, logger *zap.Logger) *RCONClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RCONClient{
		addr:     net.JoinHostPort(host, strconv.Itoa(port)),
		password: password,
		timeout:  timeout,
		logger:   logger,
	}
}

// Name implements domain.Transport.
func (c *RCONClient) Name() string { return "rcon" }

// Connect dials the server and authenticates. A rejected password is
// reported as domain.ErrAuthFailed and must not be retried automatically.
func (c *RCONClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.closeLocked()
	}

	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("dial rcon %s: %w", c.addr, err)
	}
	c.conn = conn

	if _, err := c.writePacketLocked(rconPacketAuth, c.password); err != nil {
		c.closeLocked()
		return fmt.Errorf("send auth: %w", err)
	}

	id, _, _, err := c.readPacketLocked()
	if err != nil {
		c.closeLocked()
		return fmt.Errorf("read auth response: %w", err)
	}
	// The server answers auth failure with request id -1.
	if id == -1 {
		c.closeLocked()
		return domain.ErrAuthFailed
	}

	c.logger.Info("rcon connected", zap.String("addr", c.addr))
	return nil
}

// Close implements domain.Transport. RCON has no logout packet.
func (c *RCONClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	return nil
}

func (c *RCONClient) closeLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Ping checks liveness with a cheap list command.
func (c *RCONClient) Ping(ctx context.Context) error {
	_, err := c.Execute(ctx, "list")
	return err
}

// Execute sends a command and returns the server's text response.
func (c *RCONClient) Execute(ctx context.Context, command string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return "", domain.ErrChannelUnavailable
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return "", err
	}
	defer c.conn.SetDeadline(time.Time{})

	if _, err := c.writePacketLocked(rconPacketExecCommand, command); err != nil {
		c.closeLocked()
		return "", fmt.Errorf("send command: %w", err)
	}

	_, _, payload, err := c.readPacketLocked()
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			// Leave the connection up: the command may still have run.
			return "", domain.ErrRequestTimeout
		}
		c.closeLocked()
		return "", fmt.Errorf("read response: %w", err)
	}
	return payload, nil
}

// Players runs the list command and parses the response.
func (c *RCONClient) Players(ctx context.Context) (domain.PlayerList, error) {
	resp, err := c.Execute(ctx, "list")
	if err != nil {
		return domain.PlayerList{}, err
	}
	return parseListResponse(resp), nil
}

// Status implements domain.Transport. RCON has no structured status query.
func (c *RCONClient) Status(ctx context.Context) (map[string]any, error) {
	return nil, domain.ErrUnsupported
}

// GameRules implements domain.Transport.
func (c *RCONClient) GameRules(ctx context.Context) (map[string]any, error) {
	return nil, domain.ErrUnsupported
}

// StopServer issues the stop command.
func (c *RCONClient) StopServer(ctx context.Context) error {
	_, err := c.Execute(ctx, "stop")
	return err
}

// Events implements domain.Transport. RCON has no event push.
func (c *RCONClient) Events() <-chan domain.ServerEvent { return nil }

// writePacketLocked frames and sends one packet, returning its request id.
// Layout: int32 length, int32 id, int32 type, payload, two NUL bytes.
func (c *RCONClient) writePacketLocked(packetType int32, payload string) (int32, error) {
	c.requestID++
	id := c.requestID

	body := make([]byte, 8+len(payload)+2)
	binary.LittleEndian.PutUint32(body[0:4], uint32(id))
	binary.LittleEndian.PutUint32(body[4:8], uint32(packetType))
	copy(body[8:], payload)

	packet := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(packet[0:4], uint32(len(body)))
	copy(packet[4:], body)

	if _, err := c.conn.Write(packet); err != nil {
		return 0, err
	}
	return id, nil
}

func (c *RCONClient) readPacketLocked() (id, packetType int32, payload string, err error) {
	var lengthBuf [4]byte
	if _, err = io.ReadFull(c.conn, lengthBuf[:]); err != nil {
		return 0, 0, "", err
	}
	length := int32(binary.LittleEndian.Uint32(lengthBuf[:]))
	if length < 8 || length > rconMaxPacketSize {
		return 0, 0, "", fmt.Errorf("invalid rcon packet length %d", length)
	}

	body := make([]byte, length)
	if _, err = io.ReadFull(c.conn, body); err != nil {
		return 0, 0, "", err
	}

	id = int32(binary.LittleEndian.Uint32(body[0:4]))
	packetType = int32(binary.LittleEndian.Uint32(body[4:8]))
	payload = string(body[8 : len(body)-2])
	return id, packetType, payload, nil
}

var (
	listStandardRE = regexp.MustCompile(`(?i)There are (\d+) of a max of (\d+) players online`)
	listSlashRE    = regexp.MustCompile(`(?i)There are (\d+)/(\d+) players online`)
	listGenericRE  = regexp.MustCompile(`(\d+)\s*(?:of|/)\s*(\d+)`)
	playerNameRE   = regexp.MustCompile(`[^a-zA-Z0-9_-]`)
)

// parseListResponse extracts the player summary from a list command
// response. Vanilla and common localized formats are handled; the player
// names after the colon win over the counts when they disagree.
func parseListResponse(resp string) domain.PlayerList {
	info := domain.PlayerList{Max: 20}
	cleaned := strings.TrimSpace(domain.StripColors(resp))

	for _, re := range []*regexp.Regexp{listStandardRE, listSlashRE, listGenericRE} {
		if m := re.FindStringSubmatch(cleaned); m != nil {
			info.Current, _ = strconv.Atoi(m[1])
			info.Max, _ = strconv.Atoi(m[2])
			break
		}
	}

	if idx := strings.Index(cleaned, ":"); idx >= 0 {
		part := strings.TrimSpace(cleaned[idx+1:])
		if part != "" && part != "." {
			for _, raw := range strings.Split(part, ",") {
				name := playerNameRE.ReplaceAllString(strings.TrimSpace(raw), "")
				if name != "" {
					info.Names = append(info.Names, name)
				}
			}
		}
	}
	if len(info.Names) > 0 && len(info.Names) != info.Current {
		info.Current = len(info.Names)
	}
	return info
}

var _ domain.Transport = (*RCONClient)(nil)

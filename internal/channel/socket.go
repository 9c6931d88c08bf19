package channel

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.olrik.dev/stagehand/internal/core"
)

// SocketChannel implements Channel over a unix socket
type SocketChannel struct {
	socketPath string
	env        []string
	listener   net.Listener

	mu      sync.Mutex
	conns   map[string]*socketConn // registered companions, updated by Pump
	inbox   []inboxItem            // frames waiting for the host thread
	waiters map[string]chan Frame  // sync call id -> reply
	handler InboundHandler
	output  io.Writer
	closed  bool
}

type socketConn struct {
	nc      net.Conn
	name    string
	writeMu sync.Mutex
	closed  atomic.Bool
	done    chan struct{}
}

type inboxItem struct {
	conn  *socketConn
	frame Frame
}

// Listen creates the socket and starts accepting companion connections.
// env is appended to the environment of every spawned companion.
func Listen(socketPath string, env ...string) (*SocketChannel, error) {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}
	// Remove a stale socket left by a previous host incarnation
	os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create socket: %w", err)
	}

	c := &SocketChannel{
		socketPath: socketPath,
		env:        append([]string{core.ChannelSocketEnv + "=" + socketPath}, env...),
		listener:   listener,
		conns:      make(map[string]*socketConn),
		waiters:    make(map[string]chan Frame),
	}
	go c.acceptLoop()

	slog.Debug("Channel listening", "socket", socketPath)
	return c, nil
}

// SocketPath returns the listening socket path
func (c *SocketChannel) SocketPath() string {
	return c.socketPath
}

// SetHandler sets the handler for inbound requests
func (c *SocketChannel) SetHandler(h InboundHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// SetOutput sets where spawned companions write stdout and stderr
func (c *SocketChannel) SetOutput(w io.Writer) {
	c.mu.Lock()
	c.output = w
	c.mu.Unlock()
}

// Spawn starts the companion bootstrap script
func (c *SocketChannel) Spawn(scriptPath string) (*Process, error) {
	c.mu.Lock()
	out := c.output
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	return spawnProcess(scriptPath, c.env, out)
}

// WaitForConnection polls IsConnected until connected or timeout
func (c *SocketChannel) WaitForConnection(name string, timeout time.Duration) iter.Seq[bool] {
	return PollConnection(func() bool { return c.IsConnected(name) }, timeout, nil)
}

// IsConnected reports whether name registered during a previous Pump and
// its connection is still open
func (c *SocketChannel) IsConnected(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	sc, ok := c.conns[name]
	return ok && !sc.closed.Load()
}

// CallAsync sends a one-way call
func (c *SocketChannel) CallAsync(name, service string, args ...any) error {
	sc, err := c.lookup(name)
	if err != nil {
		return err
	}
	frame, err := NewCallFrame(service, false, args...)
	if err != nil {
		return err
	}
	return sc.write(frame)
}

// CallSync sends a call and blocks until the reply arrives or ctx is done
func (c *SocketChannel) CallSync(ctx context.Context, name, service string, args ...any) (json.RawMessage, error) {
	sc, err := c.lookup(name)
	if err != nil {
		return nil, err
	}
	frame, err := NewCallFrame(service, true, args...)
	if err != nil {
		return nil, err
	}

	reply := make(chan Frame, 1)
	c.mu.Lock()
	c.waiters[frame.ID] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, frame.ID)
		c.mu.Unlock()
	}()

	if err := sc.write(frame); err != nil {
		return nil, err
	}

	select {
	case r := <-reply:
		if r.Error != "" {
			return nil, fmt.Errorf("%s: %s", service, r.Error)
		}
		return r.Result, nil
	case <-sc.done:
		return nil, fmt.Errorf("%s: %w", service, ErrNotConnected)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pump applies frames received since the previous pump. Must be called from
// the host thread; hostloop updaters are the intended caller.
func (c *SocketChannel) Pump() {
	c.mu.Lock()
	items := c.inbox
	c.inbox = nil
	handler := c.handler
	c.mu.Unlock()

	for _, item := range items {
		if item.frame.Type == FrameRegister {
			c.register(item.conn)
			continue
		}
		if handler == nil {
			slog.Warn("Dropping inbound request, no handler", "companion", item.conn.name, "type", item.frame.Type)
			continue
		}
		handler(Inbound{
			Name:    item.conn.name,
			Type:    item.frame.Type,
			Payload: item.frame.Payload,
		})
	}
}

// Close stops accepting connections and drops every companion connection
func (c *SocketChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conns := c.conns
	c.conns = make(map[string]*socketConn)
	c.mu.Unlock()

	err := c.listener.Close()
	for _, sc := range conns {
		sc.close()
	}
	os.Remove(c.socketPath)
	return err
}

func (c *SocketChannel) register(sc *socketConn) {
	if sc.closed.Load() {
		return
	}
	c.mu.Lock()
	previous := c.conns[sc.name]
	c.conns[sc.name] = sc
	c.mu.Unlock()

	if previous != nil && previous != sc {
		previous.close()
	}
	slog.Info("Companion registered", "companion", sc.name)
}

func (c *SocketChannel) lookup(name string) (*socketConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	sc, ok := c.conns[name]
	if !ok || sc.closed.Load() {
		return nil, fmt.Errorf("%s: %w", name, ErrNotConnected)
	}
	return sc, nil
}

func (c *SocketChannel) acceptLoop() {
	for {
		nc, err := c.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Debug("Channel accept failed", "error", err)
			return
		}
		go c.serveConn(&socketConn{nc: nc, done: make(chan struct{})})
	}
}

func (c *SocketChannel) serveConn(sc *socketConn) {
	defer func() {
		sc.close()
		c.mu.Lock()
		if c.conns[sc.name] == sc {
			delete(c.conns, sc.name)
		}
		c.mu.Unlock()
		if sc.name != "" {
			slog.Info("Companion disconnected", "companion", sc.name)
		}
	}()

	reader := bufio.NewReader(sc.nc)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			c.handleLine(sc, line)
		}
		if err != nil {
			return
		}
	}
}

func (c *SocketChannel) handleLine(sc *socketConn, line []byte) {
	frame, err := DecodeFrame(line)
	if err != nil {
		slog.Debug("Ignoring malformed frame", "error", err)
		return
	}

	switch frame.Type {
	case FrameRegister:
		if frame.Name == "" || sc.name != "" {
			slog.Debug("Ignoring register frame", "name", frame.Name, "registered_as", sc.name)
			return
		}
		sc.name = frame.Name
	case FrameReply:
		c.mu.Lock()
		waiter := c.waiters[frame.ID]
		c.mu.Unlock()
		if waiter != nil {
			select {
			case waiter <- frame:
			default:
			}
		}
		return
	default:
		if sc.name == "" {
			slog.Debug("Ignoring frame from unregistered connection", "type", frame.Type)
			return
		}
	}

	c.mu.Lock()
	c.inbox = append(c.inbox, inboxItem{conn: sc, frame: frame})
	c.mu.Unlock()
}

func (sc *socketConn) write(frame Frame) error {
	data, err := frame.Encode()
	if err != nil {
		return err
	}
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	if _, err := sc.nc.Write(data); err != nil {
		return fmt.Errorf("failed to send %s to companion: %w", frame.Service, err)
	}
	return nil
}

func (sc *socketConn) close() {
	if sc.closed.CompareAndSwap(false, true) {
		sc.nc.Close()
		close(sc.done)
	}
}

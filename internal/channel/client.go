package channel

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// CallHandler handles a call received by the companion. The returned value
// is sent back only for sync calls.
type CallHandler func(ctx context.Context, service string, args []json.RawMessage) (any, error)

// Client is the companion side of the channel
type Client struct {
	name    string
	conn    net.Conn
	writeMu sync.Mutex
}

// Dial connects to the host socket and registers under name
func Dial(socketPath, name string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to host: %w", err)
	}
	c := &Client{name: name, conn: conn}
	if err := c.send(Frame{Type: FrameRegister, Name: name}); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// Name returns the name the client registered under
func (c *Client) Name() string {
	return c.name
}

// SendRequest sends an inbound request of the given type to the host
func (c *Client) SendRequest(frameType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", frameType, err)
	}
	return c.send(Frame{Type: frameType, Payload: raw})
}

// Serve reads calls until the connection closes or ctx is done
func (c *Client) Serve(ctx context.Context, handle CallHandler) error {
	go func() {
		<-ctx.Done()
		c.conn.Close()
	}()

	reader := bufio.NewReader(c.conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		frame, err := DecodeFrame(line)
		if err != nil {
			slog.Debug("Ignoring malformed frame", "error", err)
			continue
		}
		if frame.Type != FrameCall {
			continue
		}

		result, callErr := handle(ctx, frame.Service, frame.Args)
		if !frame.Sync {
			if callErr != nil {
				slog.Warn("Call failed", "service", frame.Service, "error", callErr)
			}
			continue
		}

		reply := Frame{Type: FrameReply, ID: frame.ID}
		if callErr != nil {
			reply.Error = callErr.Error()
		} else if result != nil {
			raw, err := json.Marshal(result)
			if err != nil {
				reply.Error = fmt.Sprintf("failed to encode result: %v", err)
			} else {
				reply.Result = raw
			}
		}
		if err := c.send(reply); err != nil {
			return err
		}
	}
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) send(frame Frame) error {
	data, err := frame.Encode()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.conn.Write(data)
	return err
}

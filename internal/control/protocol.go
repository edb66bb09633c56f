// Package control implements the Unix-domain control surface of spec.md
// §4.7/§7.4: a JSON-line protocol carrying constructor arguments, runtime
// messages, and status-line requests to a running pool daemon. This
// replaces the out-of-scope configuration/CLI surface named in spec.md §1
// with a small concrete transport, since the core has to be reachable by
// something.
package control

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"

	"github.com/containerd/log"
	"github.com/google/uuid"
)

// Request is one control-socket request line. Args holds the message's
// positional arguments in the order thin.Dispatch expects them.
type Request struct {
	ID     string   `json:"id"`
	Target string   `json:"target"` // binding identifier the request applies to
	Op     string   `json:"op"`     // "message", "bind", "unbind", "pool_info", "pool_table", "thin_info", "thin_table"
	Msg    string   `json:"msg,omitempty"`
	Args   []string `json:"args,omitempty"`
}

// Response is one control-socket response line, correlated to its Request
// by ID.
type Response struct {
	ID    string `json:"id"`
	Line  string `json:"line,omitempty"`
	Error string `json:"error,omitempty"`
}

// NewRequest builds a Request with a fresh correlation id.
func NewRequest(target, op, msg string, args []string) Request {
	return Request{ID: uuid.NewString(), Target: target, Op: op, Msg: msg, Args: args}
}

// Handler resolves one Request into a status line or an error. The
// concrete pool/thin wiring lives in cmd/thinpoold; this package only
// fixes the wire shape and the accept loop.
type Handler func(ctx context.Context, req Request) (line string, err error)

// Serve accepts connections on ln and dispatches each request line to
// handle, writing back one JSON response line per request until the
// connection closes. Cancelling ctx closes ln and ends the accept loop;
// connections already accepted keep being served until the peer closes them.
func Serve(ctx context.Context, ln net.Listener, handle Handler) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("control: accept: %w", err)
			}
		}
		go serveConn(ctx, conn, handle)
	}
}

func serveConn(ctx context.Context, conn net.Conn, handle Handler) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	enc := json.NewEncoder(conn)
	for scanner.Scan() {
		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			enc.Encode(Response{Error: fmt.Sprintf("control: bad request: %v", err)})
			continue
		}
		reqLog := log.G(ctx).WithField("id", req.ID).WithField("target", req.Target).WithField("op", req.Op)
		line, err := handle(ctx, req)
		if err != nil {
			reqLog.WithField("error", err).Warn("control: request failed")
			enc.Encode(Response{ID: req.ID, Error: err.Error()})
			continue
		}
		reqLog.Debug("control: request handled")
		enc.Encode(Response{ID: req.ID, Line: line})
	}
}

// Dial connects to a control socket at addr (a filesystem path).
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", addr)
	if err != nil {
		return nil, fmt.Errorf("control: dial %s: %w", addr, err)
	}
	return &Client{conn: conn, enc: json.NewEncoder(conn), dec: json.NewDecoder(conn)}, nil
}

// Client is a control-socket connection from cmd/thinctl to cmd/thinpoold.
type Client struct {
	conn net.Conn
	enc  *json.Encoder
	dec  *json.Decoder
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// Call sends req and waits for its correlated response.
func (c *Client) Call(req Request) (string, error) {
	if err := c.enc.Encode(req); err != nil {
		return "", fmt.Errorf("control: send: %w", err)
	}
	var resp Response
	if err := c.dec.Decode(&resp); err != nil {
		return "", fmt.Errorf("control: receive: %w", err)
	}
	if resp.Error != "" {
		return "", fmt.Errorf("control: %s", resp.Error)
	}
	return resp.Line, nil
}

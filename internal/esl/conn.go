package esl

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"
)

// Content types sent by the switch.
const (
	typeAuthRequest = "auth/request"
	typeCommand     = "command/reply"
	typeAPI         = "api/response"
	typeEventPlain  = "text/event-plain"
	typeDisconnect  = "text/disconnect-notice"
)

type frame struct {
	header textproto.MIMEHeader
	body   []byte
}

func (f *frame) contentType() string { return f.header.Get("Content-Type") }

func (f *frame) replyText() string { return f.header.Get("Reply-Text") }

// conn frames the event socket protocol: a block of "Key: value" headers
// terminated by a blank line, followed by Content-Length bytes of body.
type conn struct {
	nc net.Conn
	r  *textproto.Reader
	w  *bufio.Writer
}

func newConn(nc net.Conn) *conn {
	return &conn{
		nc: nc,
		r:  textproto.NewReader(bufio.NewReader(nc)),
		w:  bufio.NewWriter(nc),
	}
}

func (c *conn) readFrame() (*frame, error) {
	for {
		h, err := c.r.ReadMIMEHeader()
		if err != nil {
			return nil, err
		}
		if len(h) == 0 {
			continue
		}

		f := &frame{header: h}
		if cl := h.Get("Content-Length"); cl != "" {
			n, err := strconv.Atoi(cl)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("invalid content length %q", cl)
			}
			f.body = make([]byte, n)
			if _, err := io.ReadFull(c.r.R, f.body); err != nil {
				return nil, err
			}
		}
		return f, nil
	}
}

func (c *conn) send(cmd string) error {
	if _, err := c.w.WriteString(cmd + "\n\n"); err != nil {
		return err
	}
	return c.w.Flush()
}

// command sends cmd and waits for its command/reply.
func (c *conn) command(cmd string) (*frame, error) {
	if err := c.send(cmd); err != nil {
		return nil, err
	}
	for {
		f, err := c.readFrame()
		if err != nil {
			return nil, err
		}
		switch f.contentType() {
		case typeCommand:
			if text := f.replyText(); strings.HasPrefix(text, "-ERR") {
				return f, fmt.Errorf("%s: %s", commandName(cmd), text)
			}
			return f, nil
		case typeDisconnect:
			return nil, fmt.Errorf("%s: disconnected by switch", commandName(cmd))
		}
	}
}

func (c *conn) authenticate(password string) error {
	f, err := c.readFrame()
	if err != nil {
		return fmt.Errorf("read greeting: %w", err)
	}
	if ct := f.contentType(); ct != typeAuthRequest {
		return fmt.Errorf("unexpected greeting %q", ct)
	}
	reply, err := c.command("auth " + password)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(reply.replyText(), "+OK") {
		return fmt.Errorf("auth rejected: %s", reply.replyText())
	}
	return nil
}

func (c *conn) subscribe(events []string) error {
	_, err := c.command("event plain " + strings.Join(events, " "))
	return err
}

// commandName keeps secrets such as the auth password out of errors.
func commandName(cmd string) string {
	if i := strings.IndexByte(cmd, ' '); i > 0 {
		return cmd[:i]
	}
	return cmd
}

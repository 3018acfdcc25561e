package protocol

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

// Reply is one decoded RESP reply.
type Reply struct {
	Type  byte // '+', '-', ':', '$', '*'
	Str   string
	Int   int64
	Array []Reply
	Nil   bool
}

// ServerError is a "-CODE message" reply.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + " " + e.Message
}

// Client is a minimal synchronous RESP client.
type Client struct {
	conn net.Conn
	r    *bufio.Reader
}

// Dial connects to addr.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, r: bufio.NewReader(conn)}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

// Do sends one command and reads its reply. Error replies are returned as
// *ServerError.
func (c *Client) Do(ctx context.Context, args ...string) (Reply, error) {
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
	} else {
		c.conn.SetDeadline(time.Time{})
	}

	var req strings.Builder
	req.WriteString("*" + strconv.Itoa(len(args)) + "\r\n")
	for _, arg := range args {
		req.WriteString("$" + strconv.Itoa(len(arg)) + "\r\n" + arg + "\r\n")
	}
	if _, err := io.WriteString(c.conn, req.String()); err != nil {
		return Reply{}, err
	}

	reply, err := readReply(c.r)
	if err != nil {
		return Reply{}, err
	}
	if reply.Type == '-' {
		code, msg, _ := strings.Cut(reply.Str, " ")
		return reply, &ServerError{Code: code, Message: msg}
	}
	return reply, nil
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r"), nil
}

func readReply(r *bufio.Reader) (Reply, error) {
	line, err := readLine(r)
	if err != nil {
		return Reply{}, err
	}
	if line == "" {
		return Reply{}, fmt.Errorf("empty reply line")
	}

	reply := Reply{Type: line[0]}
	body := line[1:]
	switch reply.Type {
	case '+', '-':
		reply.Str = body
	case ':':
		reply.Int, err = strconv.ParseInt(body, 10, 64)
	case '$':
		n, perr := strconv.Atoi(body)
		if perr != nil {
			return Reply{}, perr
		}
		if n < 0 {
			reply.Nil = true
			return reply, nil
		}
		buf := make([]byte, n+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return Reply{}, err
		}
		reply.Str = string(buf[:n])
	case '*':
		n, perr := strconv.Atoi(body)
		if perr != nil {
			return Reply{}, perr
		}
		if n < 0 {
			reply.Nil = true
			return reply, nil
		}
		reply.Array = make([]Reply, n)
		for i := range reply.Array {
			if reply.Array[i], err = readReply(r); err != nil {
				return Reply{}, err
			}
		}
	default:
		return Reply{}, fmt.Errorf("unexpected reply type %q", reply.Type)
	}
	return reply, err
}

// Format renders a reply the way a terminal client shows it.
func (r Reply) Format() string {
	switch {
	case r.Nil:
		return "(nil)"
	case r.Type == ':':
		return "(integer) " + strconv.FormatInt(r.Int, 10)
	case r.Type == '-':
		return "(error) " + r.Str
	case r.Type == '*':
		if len(r.Array) == 0 {
			return "(empty array)"
		}
		lines := make([]string, len(r.Array))
		for i, item := range r.Array {
			lines[i] = strconv.Itoa(i+1) + ") " + item.Format()
		}
		return strings.Join(lines, "\n")
	default:
		return r.Str
	}
}

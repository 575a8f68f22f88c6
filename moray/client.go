package moray

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/valyala/fastjson"
	"go.uber.org/zap"

	"github.com/TritonDataCenter/sharkspotter/common"
)

const (
	dialTimeout  = 10 * time.Second
	frameTimeout = 30 * time.Second

	// Server side query timeout, milliseconds.
	sqlTimeoutMillis = 10000
)

type (
	// client is a connection to one metadata service endpoint. Calls are
	// serialized; the protocol multiplexes by message id but a shard scan
	// only ever has one call in flight.
	client struct {
		addr   string
		conn   net.Conn
		reader *bufio.Reader
		logger *zap.Logger

		mu     sync.Mutex
		msgID  uint32
		parser fastjson.Parser
	}

	requestMeta struct {
		Name string `json:"name"`
		UTS  int64  `json:"uts"`
	}

	requestEnvelope struct {
		M requestMeta   `json:"m"`
		D []interface{} `json:"d"`
	}

	sqlOptions struct {
		Timeout int `json:"timeout"`
	}
)

// dialClient resolves addr's host and connects. Every shard registers one
// DNS name, so resolution failures are connectivity errors the same way
// refused connections are.
func dialClient(ctx context.Context, addr string, logger *zap.Logger) (*client, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, common.NewConfigError(fmt.Sprintf("invalid moray address %q", addr), err)
	}
	addrs, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil {
		return nil, common.NewConnectivityError("resolve", addr, err)
	}
	dialer := &net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(addrs[0], port))
	if err != nil {
		return nil, common.NewConnectivityError("dial", addr, err)
	}
	logger.Debug("connected to moray", zap.String("addr", addr), zap.String("ip", addrs[0]))
	return &client{
		addr:   addr,
		conn:   conn,
		reader: bufio.NewReader(conn),
		logger: logger,
	}, nil
}

// SQL executes one query and streams every returned row to the callback.
func (c *client) SQL(ctx context.Context, query string, each func(*fastjson.Value) error) error {
	args := []interface{}{query, []interface{}{}, sqlOptions{Timeout: sqlTimeoutMillis}}
	return c.rpc(ctx, "sql", args, each)
}

// FindObjects searches a bucket with an LDAP style filter and streams every
// found record to the callback.
func (c *client) FindObjects(ctx context.Context, bucket string, filter string, each func(*fastjson.Value) error) error {
	args := []interface{}{bucket, filter, struct{}{}}
	return c.rpc(ctx, "findObjects", args, each)
}

func (c *client) Close() error {
	return c.conn.Close()
}

func (c *client) rpc(ctx context.Context, method string, args []interface{}, each func(*fastjson.Value) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.msgID++
	msgID := c.msgID
	payload, err := json.Marshal(requestEnvelope{
		M: requestMeta{Name: method, UTS: time.Now().UnixNano() / int64(time.Microsecond)},
		D: args,
	})
	if err != nil {
		return err
	}

	if err := c.conn.SetWriteDeadline(c.deadline(ctx)); err != nil {
		return common.NewConnectivityError(method, c.addr, err)
	}
	if err := encodeFrame(c.conn, frame{status: statusData, msgID: msgID, data: payload}); err != nil {
		return common.NewConnectivityError(method, c.addr, err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.conn.SetReadDeadline(c.deadline(ctx)); err != nil {
			return common.NewConnectivityError(method, c.addr, err)
		}
		f, err := decodeFrame(c.reader)
		if err != nil {
			return common.NewConnectivityError(method, c.addr, err)
		}
		if f.msgID != msgID {
			return common.NewConnectivityError(method, c.addr,
				fmt.Errorf("response for message %v arrived while %v was in flight", f.msgID, msgID))
		}

		switch f.status {
		case statusEnd:
			return nil
		case statusError:
			return c.decodeRPCError(method, f.data)
		}

		envelope, err := c.parser.ParseBytes(f.data)
		if err != nil {
			return common.NewConnectivityError(method, c.addr,
				fmt.Errorf("malformed response envelope: %w", err))
		}
		for _, row := range envelope.GetArray("d") {
			if err := each(row); err != nil {
				return err
			}
		}
	}
}

// Error frames carry a list of error objects; the first names the failure.
func (c *client) decodeRPCError(method string, data []byte) error {
	envelope, err := c.parser.ParseBytes(data)
	if err != nil {
		return fmt.Errorf("%v failed with an undecodable error frame: %v", method, err)
	}
	failures := envelope.GetArray("d")
	if len(failures) == 0 {
		return fmt.Errorf("%v failed with an empty error frame", method)
	}
	name := string(failures[0].GetStringBytes("name"))
	message := string(failures[0].GetStringBytes("message"))
	return fmt.Errorf("%v failed: %v: %v", method, name, message)
}

// deadline bounds one frame's network wait by the per frame timeout or the
// context deadline, whichever comes first.
func (c *client) deadline(ctx context.Context) time.Time {
	deadline := time.Now().Add(frameTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return deadline
}

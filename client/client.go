// Package client talks to a JIM server. A Client can only dial and exchange
// frames; listening and accepting belong to the server package.
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"jim/protocol"
	"net"
	"sync"
	"time"
)

var (
	ErrConnectionLost = errors.New("server connection lost")
	ErrTimeout        = errors.New("timed out waiting for server")
)

// StatusError is a response outside the 2xx range.
type StatusError struct {
	Code  int
	Alert string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server replied %d: %s", e.Code, e.Alert)
}

// Client is a connection to a JIM server. Requests are serialized: each waits
// for its response before the next is sent.
type Client struct {
	conn    net.Conn
	timeout time.Duration
	account string

	reqMu     sync.Mutex
	abandoned int // requests that timed out; their responses are still due
	responses chan *protocol.Response
	messages  chan *protocol.Envelope

	done    chan struct{}
	errOnce sync.Once
	err     error
}

// Dial connects to addr. timeout bounds the dial and every later wait for
// the server.
func Dial(addr string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}

	c := &Client{
		conn:      conn,
		timeout:   timeout,
		responses: make(chan *protocol.Response, 16),
		messages:  make(chan *protocol.Envelope, 256),
		done:      make(chan struct{}),
	}
	go c.readLoop()

	return c, nil
}

// Account returns the name the client authenticated as.
func (c *Client) Account() string {
	return c.account
}

func (c *Client) Close() error {
	c.fail(net.ErrClosed)
	return c.conn.Close()
}

// Err returns why the connection ended, or nil while it is up.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Client) fail(err error) {
	c.errOnce.Do(func() {
		c.err = fmt.Errorf("%w: %v", ErrConnectionLost, err)
		close(c.done)
	})
}

// readLoop splits the stream into frames: those carrying an action are
// routed messages, the rest are responses to our requests.
func (c *Client) readLoop() {
	dec := json.NewDecoder(c.conn)
	for {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			c.fail(err)
			c.conn.Close()
			return
		}

		var probe struct {
			Action *string `json:"action"`
		}
		if err := json.Unmarshal(raw, &probe); err != nil {
			continue
		}

		if probe.Action != nil {
			env := new(protocol.Envelope)
			if err := json.Unmarshal(raw, env); err != nil {
				continue
			}
			select {
			case c.messages <- env:
			case <-c.done:
				return
			}
			continue
		}

		resp, err := protocol.DecodeResponse(raw)
		if err != nil {
			continue
		}
		select {
		case c.responses <- resp:
		case <-c.done:
			return
		}
	}
}

// Request sends one envelope and waits for the server's response. After
// ErrTimeout the connection stays usable: the late response is discarded.
func (c *Client) Request(env *protocol.Envelope) (*protocol.Response, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	if err := c.Err(); err != nil {
		return nil, err
	}

	frame, err := protocol.Encode(env)
	if err != nil {
		return nil, err
	}

	c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	if _, err := c.conn.Write(frame); err != nil {
		c.fail(err)
		return nil, c.err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	// The server answers every request in order, so late replies to
	// abandoned requests arrive ahead of ours.
	for {
		select {
		case resp := <-c.responses:
			if c.abandoned > 0 {
				c.abandoned--
				continue
			}
			return resp, nil
		case <-c.done:
			return nil, c.err
		case <-timer.C:
			c.abandoned++
			return nil, ErrTimeout
		}
	}
}

func (c *Client) expect(env *protocol.Envelope, codes ...int) (*protocol.Response, error) {
	resp, err := c.Request(env)
	if err != nil {
		return nil, err
	}
	for _, code := range codes {
		if resp.Response == code {
			return resp, nil
		}
	}
	return resp, &StatusError{Code: resp.Response, Alert: resp.Alert.String()}
}

// Presence announces the account and reports whether the server created it.
func (c *Client) Presence(account, status string) (created bool, err error) {
	resp, err := c.expect(protocol.NewPresence(account, status), protocol.StatusOK, protocol.StatusCreated)
	if err != nil {
		return false, err
	}
	return resp.Response == protocol.StatusCreated, nil
}

func (c *Client) Authenticate(account, password string) error {
	if _, err := c.expect(protocol.NewAuthenticate(account, password), protocol.StatusOK); err != nil {
		return err
	}
	c.account = account
	return nil
}

// SendMessage sends text to one account, or to everyone with protocol.AllRecipients.
func (c *Client) SendMessage(to, text string) error {
	_, err := c.expect(protocol.NewMessage(c.account, to, text), protocol.StatusOK)
	return err
}

func (c *Client) GetContacts() ([]string, error) {
	resp, err := c.expect(protocol.NewGetContacts(c.account), protocol.StatusAccepted)
	if err != nil {
		return nil, err
	}
	return resp.Alert.List, nil
}

func (c *Client) AddContact(contact string) error {
	_, err := c.expect(protocol.NewAddContact(c.account, contact), protocol.StatusAccepted)
	return err
}

func (c *Client) DelContact(contact string) error {
	_, err := c.expect(protocol.NewDelContact(c.account, contact), protocol.StatusAccepted)
	return err
}

// Receive waits up to timeout for the next routed message.
func (c *Client) Receive(timeout time.Duration) (*protocol.Envelope, error) {
	select {
	case env := <-c.messages:
		return env, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case env := <-c.messages:
		return env, nil
	case <-c.done:
		return nil, c.err
	case <-timer.C:
		return nil, ErrTimeout
	}
}

package mgmt

import (
	"errors"
	"fmt"
	"net"

	"gopkg.in/yaml.v3"
)

// -------------------------------------------------------------------------
// Client — used by golispctl
// -------------------------------------------------------------------------

// ErrRequestFailed indicates the daemon answered ResErr.
var ErrRequestFailed = errors.New("management request failed")

// Client is a management API client over a stream socket.
type Client struct {
	conn net.Conn
}

// Dial connects to the daemon's management socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial management socket %s: %w", socketPath, err)
	}
	return &Client{conn: conn}, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Do sends one request and returns the reply document. An ResErr reply
// surfaces as ErrRequestFailed wrapping the daemon's reason.
func (c *Client) Do(device Device, target Target, op Operation, payload []byte) ([]byte, error) {
	hdr := Header{Device: device, Target: target, Operation: op, Type: TypeRequest}
	if err := WriteFrame(c.conn, hdr, payload); err != nil {
		return nil, err
	}
	rhdr, rpayload, err := ReadFrame(c.conn)
	if err != nil {
		return nil, err
	}
	if rhdr.Type != TypeResult {
		return nil, fmt.Errorf("unexpected frame type %d: %w", rhdr.Type, ErrRequestFailed)
	}
	res, data, err := DecodeResult(rpayload)
	if err != nil {
		return nil, err
	}
	if res != ResOK {
		var reason ErrorDTO
		_ = yaml.Unmarshal(data, &reason)
		return nil, fmt.Errorf("%w: %s", ErrRequestFailed, reason.Error)
	}
	return data, nil
}

// ReadAll dumps a target.
func (c *Client) ReadAll(device Device, target Target) ([]byte, error) {
	return c.Do(device, target, OpReadAll, nil)
}

// Create installs the given document on a target.
func (c *Client) Create(device Device, target Target, doc any) error {
	payload, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	_, err = c.Do(device, target, OpCreate, payload)
	return err
}

// Delete removes the state named by the document; a nil doc flushes the
// whole target.
func (c *Client) Delete(device Device, target Target, doc any) error {
	var payload []byte
	if doc != nil {
		var err error
		payload, err = yaml.Marshal(doc)
		if err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
	}
	_, err := c.Do(device, target, OpDelete, payload)
	return err
}

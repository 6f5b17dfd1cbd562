package modbus

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// Client is a Modbus TCP client. Requests are serialized over one
// connection.
type Client struct {
	address       string
	conn          net.Conn
	mu            sync.Mutex
	transactionID uint16
	timeout       time.Duration
	connected     bool
}

func NewClient(address string, timeout time.Duration) *Client {
	return &Client{
		address: address,
		timeout: timeout,
	}
}

func (c *Client) Address() string { return c.address }

func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	conn, err := net.DialTimeout("tcp", c.address, c.timeout)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}

	c.conn = conn
	c.connected = true
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil
	}

	err := c.conn.Close()
	c.connected = false
	c.conn = nil
	return err
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SendFrame sends request and waits for the matching response. The
// deadline is the earlier of ctx's deadline and the client timeout.
func (c *Client) SendFrame(ctx context.Context, request *ModbusFrame) (*ModbusFrame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil, fmt.Errorf("not connected")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.transactionID++
	request.TransactionID = c.transactionID
	requestData := request.Encode()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("failed to set deadline: %w", err)
	}

	if _, err := c.conn.Write(requestData); err != nil {
		c.dropLocked()
		return nil, fmt.Errorf("write failed: %w", err)
	}

	header := make([]byte, 6)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		c.dropLocked()
		return nil, fmt.Errorf("read failed: %w", err)
	}
	length := int(header[4])<<8 | int(header[5])
	if length < 2 || length > 254 {
		c.dropLocked()
		return nil, fmt.Errorf("invalid frame length %d", length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(c.conn, body); err != nil {
		c.dropLocked()
		return nil, fmt.Errorf("read failed: %w", err)
	}

	response, err := DecodeFrame(append(header, body...))
	if err != nil {
		return nil, fmt.Errorf("decode failed: %w", err)
	}

	if response.TransactionID != request.TransactionID {
		return nil, fmt.Errorf("transaction ID mismatch: expected %d, got %d",
			request.TransactionID, response.TransactionID)
	}
	if err := response.Exception(); err != nil {
		return nil, err
	}

	return response, nil
}

// dropLocked closes a connection left in an unknown state.
func (c *Client) dropLocked() {
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = nil
	c.connected = false
}

func (c *Client) ReadHoldingRegisters(ctx context.Context, unitID uint8, startAddr uint16, quantity uint16) ([]uint16, error) {
	response, err := c.SendFrame(ctx, ReadHoldingRegistersRequest(0, unitID, startAddr, quantity))
	if err != nil {
		return nil, err
	}
	return response.ParseRegisterResponse()
}

func (c *Client) ReadInputRegisters(ctx context.Context, unitID uint8, startAddr uint16, quantity uint16) ([]uint16, error) {
	response, err := c.SendFrame(ctx, ReadInputRegistersRequest(0, unitID, startAddr, quantity))
	if err != nil {
		return nil, err
	}
	return response.ParseRegisterResponse()
}

func (c *Client) WriteSingleRegister(ctx context.Context, unitID uint8, addr uint16, value uint16) error {
	_, err := c.SendFrame(ctx, WriteSingleRegisterRequest(0, unitID, addr, value))
	return err
}

func (c *Client) WriteMultipleRegisters(ctx context.Context, unitID uint8, startAddr uint16, values []uint16) error {
	_, err := c.SendFrame(ctx, WriteMultipleRegistersRequest(0, unitID, startAddr, values))
	return err
}

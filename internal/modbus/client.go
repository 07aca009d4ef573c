// Package modbus reads SunSpec devices over Modbus TCP.
package modbus

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/simonvetter/modbus"
)

type Client struct {
	client  *modbus.ModbusClient
	mu      sync.Mutex
	host    string
	port    int
	unitID  uint8
	timeout time.Duration
}

func NewClient(host string, port int, unitID uint8, timeout time.Duration) *Client {
	return &Client{
		host:    host,
		port:    port,
		unitID:  unitID,
		timeout: timeout,
	}
}

func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return nil
	}

	client, err := modbus.NewClient(&modbus.ClientConfiguration{
		URL:     fmt.Sprintf("tcp://%s:%d", c.host, c.port),
		Timeout: c.timeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create modbus client: %w", err)
	}

	if err := client.Open(); err != nil {
		return fmt.Errorf("failed to connect to %s:%d: %w", c.host, c.port, err)
	}

	client.SetUnitId(c.unitID)
	c.client = client

	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}

	err := c.client.Close()
	c.client = nil
	return err
}

// SetUnitID selects the unit addressed by subsequent reads.
func (c *Client) SetUnitID(id uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.unitID = id
	if c.client != nil {
		c.client.SetUnitId(id)
	}
}

func (c *Client) ReadHoldingRegisters(address uint16, quantity uint16) ([]uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil, fmt.Errorf("client not connected")
	}

	regs, err := c.client.ReadRegisters(address, quantity, modbus.HOLDING_REGISTER)
	if err != nil {
		return nil, fmt.Errorf("failed to read holding registers at %d: %w", address, err)
	}

	return regs, nil
}

// Reconnect drops the current connection and dials again. A failed close
// is reported alongside the dial result.
func (c *Client) Reconnect() error {
	closeErr := c.Close()
	if closeErr != nil {
		closeErr = fmt.Errorf("failed to close modbus connection: %w", closeErr)
	}
	return errors.Join(closeErr, c.Connect())
}

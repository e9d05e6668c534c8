// Package spi is a simple register-sequencing client of ate.Transport
// driving a memory-mapped SPI master: a 32-bit TX register and a
// 32-bit RX register, with no control/status polling.
package spi

import (
	"go.uber.org/zap"

	"github.com/bradfordvt/p2654drv/ate"
)

const base = 0x00001C00

const (
	regTX = base + 0x30
	regRX = base + 0x31
)

// Controller drives an SPI master through a borrowed ate.Transport.
type Controller struct {
	transport *ate.Transport
	logger    *zap.Logger
}

// NewController returns a Controller bound to transport. logger may be nil.
func NewController(transport *ate.Transport, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{transport: transport, logger: logger}
}

// Write sends value out the SPI TX register.
func (c *Controller) Write(value uint32) error {
	if err := c.transport.Write(regTX, value); err != nil {
		return err
	}
	c.logger.Debug("spi write", zap.Uint32("value", value))
	return nil
}

// Read returns the value currently latched in the SPI RX register.
func (c *Controller) Read() (uint32, error) {
	if err := c.transport.Read(regRX); err != nil {
		return 0, err
	}
	v := c.transport.LastValue()
	c.logger.Debug("spi read", zap.Uint32("value", v))
	return v, nil
}

// Package gpio is trivial memory-mapped I/O: a single 32-bit register
// whose upper half is the last written output value and whose lower
// half reflects the pin state driven by that output.
package gpio

import (
	"go.uber.org/zap"

	"github.com/bradfordvt/p2654drv/ate"
)

const reg = 0x00001800

// Controller drives a GPIO block through a borrowed ate.Transport.
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

// Write sets the output half of the GPIO register.
func (c *Controller) Write(output uint16) error {
	if err := c.transport.Write(reg, uint32(output)); err != nil {
		return err
	}
	c.logger.Debug("gpio write", zap.Uint16("output", output))
	return nil
}

// Read splits the GPIO register into (output, input) halves.
func (c *Controller) Read() (output, input uint16, err error) {
	if err := c.transport.Read(reg); err != nil {
		return 0, 0, err
	}
	v := c.transport.LastValue()
	output, input = uint16(v>>16), uint16(v&0xFFFF)
	c.logger.Debug("gpio read", zap.Uint16("output", output), zap.Uint16("input", input))
	return output, input, nil
}

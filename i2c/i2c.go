// Package i2c is a simple register-sequencing client of ate.Transport
// driving a memory-mapped I2C master: byte-level register read/write
// plus 4-byte MSB-first multibyte forms.
package i2c

import (
	"go.uber.org/zap"

	"github.com/bradfordvt/p2654drv/ate"
)

const base = 0x00001C00

const (
	regTX      = base + 0
	regRX      = base + 1
	regControl = base + 2
	regStatus  = base + 3
)

// Control register bits.
const (
	ctrlExecute    = 0x01
	ctrlWrite      = 0x02
	ctrlStart      = 0x08
	ctrlStop       = 0x10
	ctrlMasterAck  = 0x04
)

// Status register bits.
const (
	statusBusy   = 0x01
	statusAckErr = 0x02
)

// Controller drives an I2C master through a borrowed ate.Transport.
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

func (c *Controller) writeTX(v byte) error {
	return c.transport.Write(regTX, uint32(v)&0xFF)
}

func (c *Controller) writeControl(v byte) error {
	return c.transport.Write(regControl, uint32(v)&0xFF)
}

func (c *Controller) readRX() (byte, error) {
	if err := c.transport.Read(regRX); err != nil {
		return 0, err
	}
	return byte(c.transport.LastValue() & 0xFF), nil
}

func (c *Controller) readStatus() (byte, error) {
	if err := c.transport.Read(regStatus); err != nil {
		return 0, err
	}
	return byte(c.transport.LastValue() & 0xFF), nil
}

// execute writes the transmit register (when txValid) and control
// register, then polls status until not busy, returning an
// AckError if the slave NACKed.
func (c *Controller) execute(txValid bool, tx byte, control byte) error {
	if txValid {
		if err := c.writeTX(tx); err != nil {
			return err
		}
	}
	if err := c.writeControl(control); err != nil {
		return err
	}
	status, err := c.readStatus()
	if err != nil {
		return err
	}
	for status&statusBusy != 0 {
		status, err = c.readStatus()
		if err != nil {
			return err
		}
	}
	if status&statusAckErr != 0 {
		c.logger.Debug("i2c ack error", zap.Uint8("control", control))
		return ackError("acknowledge error detected during device address transmission")
	}
	return nil
}

// WriteReg performs a single-byte register write: device address +
// START|WRITE|EXECUTE, register index + WRITE|EXECUTE, data +
// WRITE|EXECUTE|STOP.
func (c *Controller) WriteReg(devAddr, regAddr, value byte) error {
	if err := c.execute(true, (devAddr<<1)&0xFE, ctrlStart|ctrlWrite|ctrlExecute); err != nil {
		return err
	}
	if err := c.execute(true, regAddr, ctrlWrite|ctrlExecute); err != nil {
		return err
	}
	return c.execute(true, value, ctrlWrite|ctrlExecute|ctrlStop)
}

// ReadReg performs a single-byte register read: device address write,
// register index write, repeated-start device address read, then a
// single EXECUTE|MASTER_ACK|STOP cycle to clock out the byte.
func (c *Controller) ReadReg(devAddr, regAddr byte) (byte, error) {
	if err := c.execute(true, (devAddr<<1)&0xFE, ctrlStart|ctrlWrite|ctrlExecute); err != nil {
		return 0, err
	}
	if err := c.execute(true, regAddr, ctrlWrite|ctrlExecute); err != nil {
		return 0, err
	}
	if err := c.execute(true, (devAddr<<1)|1, ctrlStart|ctrlWrite|ctrlExecute); err != nil {
		return 0, err
	}
	if err := c.execute(false, 0, ctrlExecute|ctrlMasterAck|ctrlStop); err != nil {
		return 0, err
	}
	return c.readRX()
}

// MultibyteWrite chains four data bytes MSB-first after the device and
// register address phases.
func (c *Controller) MultibyteWrite(devAddr, regAddr byte, data uint32) error {
	if err := c.execute(true, (devAddr<<1)&0xFE, ctrlStart|ctrlWrite|ctrlExecute); err != nil {
		return err
	}
	if err := c.execute(true, regAddr, ctrlWrite|ctrlExecute); err != nil {
		return err
	}
	shifts := []uint{24, 16, 8, 0}
	for i, shift := range shifts {
		b := byte(data >> shift)
		control := ctrlWrite | ctrlExecute
		if i == len(shifts)-1 {
			control |= ctrlStop
		}
		if err := c.execute(true, b, byte(control)); err != nil {
			return err
		}
	}
	return nil
}

// MultibyteRead reads four data bytes MSB-first following the
// device/register/repeated-start address phases.
func (c *Controller) MultibyteRead(devAddr, regAddr byte) (uint32, error) {
	if err := c.execute(true, (devAddr<<1)&0xFE, ctrlStart|ctrlWrite|ctrlExecute); err != nil {
		return 0, err
	}
	if err := c.execute(true, regAddr, ctrlWrite|ctrlExecute); err != nil {
		return 0, err
	}
	if err := c.execute(true, (devAddr<<1)|1, ctrlStart|ctrlWrite|ctrlExecute); err != nil {
		return 0, err
	}

	var result uint32
	shifts := []uint{24, 16, 8, 0}
	for i, shift := range shifts {
		control := ctrlExecute
		if i == len(shifts)-1 {
			control |= ctrlMasterAck | ctrlStop
		}
		if err := c.execute(false, 0, byte(control)); err != nil {
			return 0, err
		}
		value, err := c.readRX()
		if err != nil {
			return 0, err
		}
		result |= uint32(value) << shift
	}
	return result, nil
}

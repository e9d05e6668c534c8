// Package ate implements the ATE command transport: it serializes
// 32-bit register read/write commands over a telnet.Link to the
// simulation shell, parses ASCII responses, and recovers value and
// status for the controller packages built on top of it.
package ate

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bradfordvt/p2654drv/telnet"
)

// DefaultReadTimeoutS is the read_until deadline used by Write/Read/Stop/Close
// (the original ATETelnetClient wrapper's fixed default).
const DefaultReadTimeoutS = 30

const maxResponseLen = 511

// Config holds the connection and timing parameters for a Transport.
type Config struct {
	Host            string
	Port            int
	TelnetTimeoutS  int
	ConnectRetry    bool
	// SettleDelay is how long the transport waits after sending a
	// command before issuing read_until, giving the simulator shell
	// time to produce a response.
	SettleDelay time.Duration
}

// DefaultConfig returns a Config with spec-mandated defaults.
func DefaultConfig(host string, port int) Config {
	return Config{
		Host:           host,
		Port:           port,
		TelnetTimeoutS: 60,
		ConnectRetry:   true,
		SettleDelay:    5 * time.Millisecond,
	}
}

// Transport is the ATE command transport: connect/start/stop/exit verbs
// plus 32-bit MR/MW request/response, layered on a telnet.Link.
type Transport struct {
	cfg    Config
	link   *telnet.Link
	logger *zap.Logger

	lastResponse string
	lastValue    uint32
}

// NewTransport constructs a Transport that is not yet connected.
func NewTransport(cfg Config, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{cfg: cfg, logger: logger}
}

// Connect opens the telnet link, retrying once after a one-second
// backoff on the initial failure when cfg.ConnectRetry is set.
func (t *Transport) Connect() error {
	link, err := telnet.Open(t.cfg.Host, t.cfg.Port, t.logger)
	if err != nil {
		if !t.cfg.ConnectRetry {
			return err
		}
		t.logger.Debug("ate connect retry", zap.Error(err))
		time.Sleep(time.Second)
		link, err = telnet.Open(t.cfg.Host, t.cfg.Port, t.logger)
		if err != nil {
			return err
		}
	}
	t.link = link
	return nil
}

// Start sends STARTSIM <board> and waits for the OK acknowledgement,
// using cfg.TelnetTimeoutS as the read_until deadline (spec.md §6's
// telnet_timeout_s, defaulted to the spec-mandated 60 seconds).
func (t *Transport) Start(board string) error {
	if err := t.link.Write([]byte(fmt.Sprintf("STARTSIM %s\r\n", board))); err != nil {
		return err
	}
	time.Sleep(t.cfg.SettleDelay)
	resp, err := t.link.ReadUntil("OK\r\n", t.cfg.TelnetTimeoutS)
	if err != nil {
		return err
	}
	t.storeResponse(resp)
	if len(resp) == 0 {
		return ackErr("STARTSIM produced no response", nil)
	}
	return nil
}

// Write formats and sends an MW command for the given address/data pair.
func (t *Transport) Write(addr, data uint32) error {
	cmd := fmt.Sprintf("MW 0x%08x 0x%08x\r\n", addr, data)
	if err := t.link.Write([]byte(cmd)); err != nil {
		return err
	}
	time.Sleep(t.cfg.SettleDelay)
	resp, err := t.link.ReadUntil("OK\r\n", DefaultReadTimeoutS)
	if err != nil {
		return err
	}
	t.storeResponse(resp)
	if len(resp) == 0 {
		return ackErr("MW produced no response", nil)
	}
	return nil
}

// Read formats and sends an MR command, parsing the first
// whitespace-delimited token of the response as a hex uint32.
func (t *Transport) Read(addr uint32) error {
	cmd := fmt.Sprintf("MR 0x%x\r\n", addr)
	if err := t.link.Write([]byte(cmd)); err != nil {
		return err
	}
	time.Sleep(t.cfg.SettleDelay)
	resp, err := t.link.ReadUntil("OK\r\n", DefaultReadTimeoutS)
	if err != nil {
		return err
	}
	t.storeResponse(resp)
	if len(resp) == 0 {
		return ackErr("MR produced no response", nil)
	}
	fields := strings.Fields(resp)
	if len(fields) == 0 {
		return ackErr("MR response had no value token", nil)
	}
	token := strings.TrimPrefix(fields[0], "0x")
	v, err := strconv.ParseUint(token, 16, 32)
	if err != nil {
		return ackErr(fmt.Sprintf("MR response token %q is not hex", fields[0]), err)
	}
	t.lastValue = uint32(v)
	return nil
}

// Stop sends STOPSIM and verifies the shell reports a clean teardown.
func (t *Transport) Stop() error {
	if err := t.link.Write([]byte("STOPSIM\r\n")); err != nil {
		return err
	}
	time.Sleep(t.cfg.SettleDelay)
	resp, err := t.link.ReadUntil("OK\r\n", DefaultReadTimeoutS)
	if err != nil {
		return err
	}
	t.storeResponse(resp)
	if !strings.Contains(resp, "Simulation has stopped.") {
		return ackErr("STOPSIM did not report a clean stop", nil)
	}
	return nil
}

// Close sends EXIT, drains the goodbye banner, and closes the link.
func (t *Transport) Close() error {
	if err := t.link.Write([]byte("EXIT\r\n")); err == nil {
		time.Sleep(t.cfg.SettleDelay)
		if resp, rerr := t.link.ReadUntil("Goodbye", DefaultReadTimeoutS); rerr == nil {
			t.storeResponse(resp)
		}
	}
	return t.link.Close()
}

// LastResponse returns the last (possibly truncated) shell response.
func (t *Transport) LastResponse() string {
	return t.lastResponse
}

// LastValue returns the value parsed by the most recent successful Read.
func (t *Transport) LastValue() uint32 {
	return t.lastValue
}

func (t *Transport) storeResponse(resp string) {
	if len(resp) > maxResponseLen {
		resp = resp[:maxResponseLen]
	}
	t.lastResponse = resp
}

// Package testutil provides a fake simulator shell for end-to-end tests
// of ate.Transport and the controller packages built on it: a
// net.Listener-backed responder that answers the line-oriented MW/MR
// wire protocol against an in-memory register file, optionally
// transforming or computing individual registers so tests can model
// loopback wiring, FIFOs, or other device behavior without a real
// simulator.
package testutil

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// FakeShell answers the ATE command transport's wire protocol: MW/MR
// against a 32-bit register file, plus canned replies for any other
// command (STARTSIM, STOPSIM, EXIT) keyed by the command's first token.
type FakeShell struct {
	mu      sync.Mutex
	regs    map[uint32]uint32
	replies map[string]string
	onWrite map[uint32]func(data uint32, peek func(addr uint32) uint32) uint32
	onRead  map[uint32]func() uint32
}

// NewFakeShell returns a FakeShell with an empty register file.
func NewFakeShell() *FakeShell {
	return &FakeShell{
		regs:    make(map[uint32]uint32),
		replies: make(map[string]string),
		onWrite: make(map[uint32]func(data uint32, peek func(addr uint32) uint32) uint32),
		onRead:  make(map[uint32]func() uint32),
	}
}

// SetReply registers a canned response for a non-register command,
// keyed by the command's first whitespace-delimited token.
func (f *FakeShell) SetReply(cmdPrefix, reply string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[cmdPrefix] = reply
}

// OnWrite installs a hook that transforms the value stored at addr on
// every MW to it, e.g. to model GPIO output pins looping back into the
// input half of the same register. peek reads any register's raw
// stored value without taking the shell's lock again, since the hook
// runs with it already held.
func (f *FakeShell) OnWrite(addr uint32, transform func(data uint32, peek func(addr uint32) uint32) uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onWrite[addr] = transform
}

// OnRead installs a hook that computes the value returned by every MR
// of addr instead of the plain register file, e.g. to model a FIFO
// draining on read.
func (f *FakeShell) OnRead(addr uint32, compute func() uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onRead[addr] = compute
}

// Reg returns the raw stored value at addr, for assertions.
func (f *FakeShell) Reg(addr uint32) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.regs[addr]
}

// SetReg presets a register's value before the shell starts serving.
func (f *FakeShell) SetReg(addr, value uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regs[addr] = value
}

// Serve accepts exactly one connection from ln and answers it until the
// peer closes the connection or stops sending lines.
func (f *FakeShell) Serve(t *testing.T, ln net.Listener) {
	t.Helper()
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		// Drop leading Telnet IAC command sequences (the client's
		// first write is prefixed with IAC DONT ECHO).
		for len(line) >= 3 && line[0] == 0xFF {
			line = line[3:]
		}
		if _, err := conn.Write([]byte(f.handle(line))); err != nil {
			return
		}
	}
}

func (f *FakeShell) handle(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "ERR\r\n"
	}

	switch fields[0] {
	case "MW":
		if len(fields) < 3 {
			return "ERR\r\n"
		}
		addr, data := parseHex(fields[1]), parseHex(fields[2])
		f.mu.Lock()
		if hook, ok := f.onWrite[addr]; ok {
			peek := func(a uint32) uint32 { return f.regs[a] }
			data = hook(data, peek)
		}
		f.regs[addr] = data
		f.mu.Unlock()
		return "OK\r\n"

	case "MR":
		if len(fields) < 2 {
			return "ERR\r\n"
		}
		addr := parseHex(fields[1])
		f.mu.Lock()
		hook, hasHook := f.onRead[addr]
		v := f.regs[addr]
		f.mu.Unlock()
		if hasHook {
			v = hook()
		}
		return fmt.Sprintf("%08x OK\r\n", v)

	default:
		f.mu.Lock()
		reply, ok := f.replies[fields[0]]
		f.mu.Unlock()
		if ok {
			return reply
		}
		return "ERR\r\n"
	}
}

func parseHex(tok string) uint32 {
	tok = strings.TrimPrefix(strings.ToLower(tok), "0x")
	v, _ := strconv.ParseUint(tok, 16, 32)
	return uint32(v)
}

// NewLoopbackListener opens a TCP listener on an OS-chosen loopback
// port, closing it automatically at test cleanup.
func NewLoopbackListener(t *testing.T) (net.Listener, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	return ln, ln.Addr().(*net.TCPAddr).Port
}

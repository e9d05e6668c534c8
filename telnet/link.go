// Package telnet implements a minimal RFC 854 Telnet client over a
// blocking TCP socket: just enough option negotiation to survive a
// simulator shell that sends WILL/DO and expects the client to refuse
// everything, plus read-until/read-all/read-some stream primitives on
// top of a cooked byte queue.
//
// This is deliberately not a general Telnet implementation — see the
// rationale in Link's doc comment.
package telnet

import (
	"bytes"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// MaxQueueLen bounds both the raw and cooked queues. It is enforced as
// a capacity policy on growable slices, not a fixed array layout.
const MaxQueueLen = 2048

// Telnet command bytes (RFC 854).
const (
	iac  byte = 255
	will byte = 251
	wont byte = 252
	do   byte = 253
	dont byte = 254
)

// optEcho is the only option this client ever requests: it asks the
// peer to stop echoing before the first user write. The request is
// best-effort and known to be ignored by some servers (spec.md §9).
const optEcho byte = 1

// pollInterval bounds how long a single fillRawq iteration blocks on
// the socket before re-checking the overall deadline.
const pollInterval = 3 * time.Minute

// Link is a Telnet client over a connected TCP socket.
//
// Rationale: the minimal IAC state machine here is not a full Telnet
// implementation because the peer is a known simulator shell — we only
// need to (a) survive option negotiation and (b) refuse every option so
// the stream degrades to raw bytes.
type Link struct {
	conn net.Conn

	rawq    []byte
	cookedq []byte

	eof        bool
	firstWrite bool

	closed atomic.Bool
	logger *zap.Logger
}

// Open resolves host:port, connects a TCP stream, and returns a ready
// Link. logger may be nil.
func Open(host string, port int, logger *zap.Logger) (*Link, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	addr := fmt.Sprintf("%s:%d", host, port)
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, ioErr(fmt.Sprintf("dial %s", addr), err)
	}
	logger.Debug("telnet link opened", zap.String("addr", addr))
	return &Link{
		conn:       conn,
		firstWrite: true,
		logger:     logger,
	}, nil
}

// Close closes the underlying socket. It is idempotent: calling it
// twice on an already-closed Link does not fail.
func (l *Link) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	return l.conn.Close()
}

// Write sends bytes to the peer. On the first call only, it first
// transmits IAC DONT ECHO as a best-effort request for the peer to stop
// echoing; failure of that preamble is not retried.
func (l *Link) Write(data []byte) error {
	if l.firstWrite {
		_ = l.writeRaw([]byte{iac, dont, optEcho})
		l.firstWrite = false
	}
	return l.writeRaw(data)
}

func (l *Link) writeRaw(data []byte) error {
	n, err := l.conn.Write(data)
	if err != nil {
		return ioErr("write", err)
	}
	if n != len(data) {
		return ioErr("partial write", nil)
	}
	return nil
}

// ReadUntil returns the bytes up to and including pattern, consuming
// them from the cooked queue. timeoutS of 0 waits indefinitely.
//
// On deadline expiry with no match found it returns a TimeoutError; the
// link stays open and any bytes already cooked remain buffered for the
// next call. On EOF with an empty cooked queue it returns an EofError;
// on EOF with a non-empty cooked queue it returns that residual data
// (a lazy read) without error.
func (l *Link) ReadUntil(pattern string, timeoutS int) (string, error) {
	if err := l.processRawq(); err != nil {
		return "", err
	}
	if idx := bytes.Index(l.cookedq, []byte(pattern)); idx >= 0 {
		return l.takeCooked(idx + len(pattern)), nil
	}

	unbounded := timeoutS <= 0
	deadline := time.Now().Add(time.Duration(timeoutS) * time.Second)

	for !l.eof {
		searchFrom := len(l.cookedq) - (len(pattern) - 1)
		if searchFrom < 0 {
			searchFrom = 0
		}
		if err := l.fillRawq(deadline, unbounded); err != nil {
			return "", err
		}
		if err := l.processRawq(); err != nil {
			return "", err
		}
		if idx := bytes.Index(l.cookedq[searchFrom:], []byte(pattern)); idx >= 0 {
			return l.takeCooked(searchFrom + idx + len(pattern)), nil
		}
	}

	if len(l.cookedq) == 0 {
		return "", eofErr("telnet connection closed")
	}
	return l.drainCooked(), nil
}

// ReadAll drains the connection until EOF and returns everything cooked.
func (l *Link) ReadAll() (string, error) {
	if err := l.processRawq(); err != nil {
		return "", err
	}
	for !l.eof {
		if err := l.fillRawq(time.Time{}, true); err != nil {
			return "", err
		}
		if err := l.processRawq(); err != nil {
			return "", err
		}
	}
	return l.drainCooked(), nil
}

// ReadSome blocks until at least one cooked byte is available (or EOF),
// then returns and clears the cooked queue.
func (l *Link) ReadSome() (string, error) {
	if err := l.processRawq(); err != nil {
		return "", err
	}
	for len(l.cookedq) == 0 && !l.eof {
		if err := l.fillRawq(time.Time{}, true); err != nil {
			return "", err
		}
		if err := l.processRawq(); err != nil {
			return "", err
		}
	}
	return l.drainCooked(), nil
}

func (l *Link) takeCooked(end int) string {
	result := string(l.cookedq[:end])
	l.cookedq = l.cookedq[end:]
	return result
}

func (l *Link) drainCooked() string {
	result := string(l.cookedq)
	l.cookedq = l.cookedq[:0]
	return result
}

// processRawq strips Telnet IAC sequences out of rawq, moving the
// remaining payload bytes into cookedq. Null bytes are dropped silently.
// An incomplete trailing IAC sequence is left in rawq for the next fill.
func (l *Link) processRawq() error {
	i := 0
	for i < len(l.rawq) {
		c := l.rawq[i]
		if c == iac {
			if i+2 >= len(l.rawq) {
				break
			}
			cmd := l.rawq[i+1]
			opt := l.rawq[i+2]
			switch cmd {
			case will:
				_ = l.writeRaw([]byte{iac, dont, opt})
			case do:
				_ = l.writeRaw([]byte{iac, wont, opt})
			case wont, dont:
				// no response
			default:
				// consume and discard
			}
			i += 3
			continue
		}
		if c == 0 {
			i++
			continue
		}
		if len(l.cookedq) >= MaxQueueLen {
			l.rawq = l.rawq[i:]
			return ioErr("process_rawq overflow", nil)
		}
		l.cookedq = append(l.cookedq, c)
		i++
	}
	l.rawq = l.rawq[i:]
	return nil
}

// fillRawq waits for the socket to become readable, reads up to
// MaxQueueLen bytes, and appends them to rawq. deadline is ignored when
// unbounded is true.
func (l *Link) fillRawq(deadline time.Time, unbounded bool) error {
	for {
		readDeadline := time.Now().Add(pollInterval)
		if !unbounded && deadline.Before(readDeadline) {
			readDeadline = deadline
		}
		if err := l.conn.SetReadDeadline(readDeadline); err != nil {
			return ioErr("set read deadline", err)
		}

		buf := make([]byte, MaxQueueLen)
		n, err := l.conn.Read(buf)
		if n > 0 {
			if len(l.rawq)+n > MaxQueueLen {
				return ioErr("fill_rawq overflow", nil)
			}
			l.rawq = append(l.rawq, buf[:n]...)
			return nil
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if unbounded || time.Now().Before(deadline) {
					continue
				}
				return timeoutErr("fill_rawq timeout")
			}
			l.eof = true
			return nil
		}
		// n == 0, err == nil: peer performed an orderly close.
		l.eof = true
		return nil
	}
}

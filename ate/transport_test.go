package ate

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bradfordvt/p2654drv/internal/testutil"
	"github.com/bradfordvt/p2654drv/telnet"
)

// rawScriptShell answers a single connection with literal, possibly
// malformed replies, for edge cases testutil.FakeShell's well-formed
// hex responses can't express.
func rawScriptShell(t *testing.T, ln net.Listener, script map[string]string) {
	t.Helper()
	conn, err := ln.Accept()
	require.NoError(t, err)
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
		fields := strings.Fields(line)
		key := line
		if len(fields) > 0 {
			key = fields[0]
		}
		reply, ok := script[key]
		if !ok {
			reply = "ERR\r\n"
		}
		if _, err := conn.Write([]byte(reply)); err != nil {
			return
		}
	}
}

func TestTransport_StartWriteReadStopClose(t *testing.T) {
	ln, port := testutil.NewLoopbackListener(t)
	shell := testutil.NewFakeShell()
	shell.SetReply("STARTSIM", "OK\r\n")
	shell.SetReply("STOPSIM", "Simulation has stopped.\r\nOK\r\n")
	shell.SetReply("EXIT", "Goodbye\r\n")
	shell.SetReg(0x2000, 0x0000a5a5)

	done := make(chan struct{})
	go func() { shell.Serve(t, ln); close(done) }()

	cfg := DefaultConfig("127.0.0.1", port)
	cfg.SettleDelay = time.Millisecond
	tr := NewTransport(cfg, nil)
	require.NoError(t, tr.Connect())
	require.NoError(t, tr.Start("SPITest"))
	require.NoError(t, tr.Write(0x1000, 0x00000001))
	require.NoError(t, tr.Read(0x2000))
	assert.Equal(t, uint32(0x0000a5a5), tr.LastValue())
	require.NoError(t, tr.Stop())
	require.NoError(t, tr.Close())
	<-done
}

func TestTransport_ReadRejectsNonHexToken(t *testing.T) {
	ln, port := testutil.NewLoopbackListener(t)
	script := map[string]string{"MR": "zzzz OK\r\n"}
	go rawScriptShell(t, ln, script)

	cfg := DefaultConfig("127.0.0.1", port)
	cfg.SettleDelay = time.Millisecond
	tr := NewTransport(cfg, nil)
	require.NoError(t, tr.Connect())

	err := tr.Read(0x1000)
	require.Error(t, err)
	assert.True(t, IsAckError(err))
}

func TestTransport_ConnectRetriesOnceThenFails(t *testing.T) {
	cfg := DefaultConfig("127.0.0.1", 1) // port 1 refuses connections
	cfg.SettleDelay = time.Millisecond
	tr := NewTransport(cfg, nil)
	err := tr.Connect()
	require.Error(t, err)
	assert.True(t, telnet.IsIO(err))
}

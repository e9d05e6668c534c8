package telnet

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// newTestLink wires a Link to one end of a net.Pipe, returning the peer
// end for the test to drive.
func newTestLink(t *testing.T) (*Link, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	l := &Link{conn: client, firstWrite: true}
	t.Cleanup(func() { _ = l.Close() })
	t.Cleanup(func() { _ = server.Close() })
	return l, server
}

func TestReadUntil_FindsPatternAcrossReads(t *testing.T) {
	l, peer := newTestLink(t)

	go func() {
		_, _ = peer.Write([]byte("prom"))
		time.Sleep(10 * time.Millisecond)
		_, _ = peer.Write([]byte("pt> rest"))
	}()

	got, err := l.ReadUntil("prompt>", 5)
	require.NoError(t, err)
	assert.Equal(t, "prompt>", got)

	rest, err := l.ReadSome()
	require.NoError(t, err)
	assert.Equal(t, " rest", rest)
}

func TestReadUntil_StripsIACAndRefusesOptions(t *testing.T) {
	l, peer := newTestLink(t)

	// net.Pipe is unbuffered, so the peer must read the link's refusal
	// before it can send the rest of the line.
	var reply []byte
	var readErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = peer.Write([]byte{'o', 'k'})
		_, _ = peer.Write([]byte{iac, will, 3})
		buf := make([]byte, 3)
		_ = peer.SetReadDeadline(time.Now().Add(time.Second))
		n, err := peer.Read(buf)
		reply, readErr = buf[:n], err
		_, _ = peer.Write([]byte("> "))
	}()

	got, err := l.ReadUntil("> ", 5)
	require.NoError(t, err)
	assert.Equal(t, "ok> ", got)

	<-done
	require.NoError(t, readErr)
	assert.Equal(t, []byte{iac, dont, 3}, reply)
}

func TestReadUntil_TimeoutLeavesLinkOpenAndBufferIntact(t *testing.T) {
	l, peer := newTestLink(t)
	defer peer.Close()

	go func() { _, _ = peer.Write([]byte("partial")) }()

	_, err := l.ReadUntil("prompt>", 1)
	require.Error(t, err)
	assert.True(t, IsTimeout(err))

	go func() { _, _ = peer.Write([]byte(" more prompt>")) }()
	got, err := l.ReadUntil("prompt>", 5)
	require.NoError(t, err)
	assert.Equal(t, "partial more prompt>", got)
}

func TestReadUntil_EOFWithEmptyCookedQueue(t *testing.T) {
	l, peer := newTestLink(t)
	_ = peer.Close()

	_, err := l.ReadUntil("prompt>", 2)
	require.Error(t, err)
	assert.True(t, IsEOF(err))
}

func TestReadUntil_EOFWithResidualIsLazyReturn(t *testing.T) {
	l, peer := newTestLink(t)

	done := make(chan struct{})
	go func() {
		_, _ = peer.Write([]byte("residual, no prompt here"))
		_ = peer.Close()
		close(done)
	}()

	got, err := l.ReadUntil("prompt>", 2)
	<-done
	require.NoError(t, err)
	assert.Equal(t, "residual, no prompt here", got)
}

func TestClose_Idempotent(t *testing.T) {
	l, _ := newTestLink(t)
	assert.NoError(t, l.Close())
	assert.NoError(t, l.Close())
}

// TestIACRoundTrip: any payload byte stream, once prefixed with a
// complete IAC WILL sequence, cooks down to exactly the original
// payload bytes with the IAC sequence removed.
func TestIACRoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		payload := rapid.SliceOfN(rapid.Byte().Filter(func(b byte) bool {
			return b != iac && b != 0
		}), 0, 64).Draw(rt, "payload")

		// processRawq answers WILL on the connection, so give the Link
		// one whose peer discards everything it receives.
		client, server := net.Pipe()
		go func() { _, _ = io.Copy(io.Discard, server) }()
		defer client.Close()

		l := &Link{conn: client}
		raw := make([]byte, 0, len(payload)+3)
		raw = append(raw, iac, will, 3)
		raw = append(raw, payload...)
		l.rawq = raw

		err := l.processRawq()
		require.NoError(rt, err)
		assert.Equal(rt, payload, l.cookedq)
	})
}

// TestPatternDelimiterInvariant: ReadUntil never returns a string
// longer than necessary to include the first occurrence of the pattern.
func TestPatternDelimiterInvariant(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		prefix := rapid.StringOfN(rapid.RuneFrom([]rune("abcxyz")), 0, 30, -1).Draw(rt, "prefix")
		pattern := "DELIM"

		l, peer := newTestLink(t)
		go func() {
			_, _ = peer.Write([]byte(prefix + pattern + "trailing-garbage"))
		}()

		got, err := l.ReadUntil(pattern, 5)
		require.NoError(rt, err)
		assert.Equal(rt, prefix+pattern, got)
	})
}

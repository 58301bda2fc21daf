package tlstream

import (
	"crypto/tls"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEngineHandshakeAndEcho(t *testing.T) {
	ln := newTLSEchoListener(t, false)
	defer ln.Close()

	sock, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer sock.Close()

	eng := NewEngine("127.0.0.1", &tls.Config{InsecureSkipVerify: true})
	defer eng.Close()

	driveHandshake(t, eng, sock)
	require.True(t, eng.HandshakeComplete())

	// Nothing received yet: plaintext reads report a would-block, not an error.
	buf := make([]byte, 1024)
	n, err := eng.ReadPlaintext(buf)
	require.NoError(t, err)
	require.Zero(t, n)

	_, err = eng.WritePlaintext([]byte("ping"))
	require.NoError(t, err)
	flushCiphertext(t, eng, sock)

	echoed := awaitPlaintext(t, eng, sock, len("ping"))
	require.Equal(t, "ping", string(echoed))
}

func TestEngineReportsCleanEOF(t *testing.T) {
	ln := newTLSEchoListener(t, true)
	defer ln.Close()

	sock, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer sock.Close()

	eng := NewEngine("127.0.0.1", &tls.Config{InsecureSkipVerify: true})
	defer eng.Close()

	driveHandshake(t, eng, sock)

	_, err = eng.WritePlaintext([]byte("bye"))
	require.NoError(t, err)
	flushCiphertext(t, eng, sock)

	echoed := awaitPlaintext(t, eng, sock, len("bye"))
	require.Equal(t, "bye", string(echoed))

	// The peer closes after the first echo; the engine surfaces io.EOF once
	// the close_notify record is fed.
	buf := make([]byte, 1024)
	deadline := time.Now().Add(5 * time.Second)
	for {
		require.True(t, time.Now().Before(deadline), "engine never reported EOF")
		require.NoError(t, eng.Process())
		n, rerr := eng.ReadPlaintext(buf)
		if rerr != nil {
			require.ErrorIs(t, rerr, io.EOF)
			require.Zero(t, n)
			return
		}
		require.NoError(t, sock.SetReadDeadline(time.Now().Add(time.Second)))
		nn, serr := sock.Read(buf)
		if nn > 0 {
			_, ferr := eng.FeedCiphertext(buf[:nn])
			require.NoError(t, ferr)
		}
		if serr == io.EOF {
			eng.FeedEOF()
		}
	}
}

func TestEngineRejectsWriteBeforeHandshake(t *testing.T) {
	eng := NewEngine("example.test", &tls.Config{InsecureSkipVerify: true})
	defer eng.Close()

	_, err := eng.WritePlaintext([]byte("too soon"))
	require.Error(t, err)
}

// driveHandshake plays the socket side of the driver loop until the engine
// reports a completed handshake with nothing left to flush.
func driveHandshake(t *testing.T, eng Engine, sock net.Conn) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	buf := make([]byte, 32*1024)
	for {
		require.True(t, time.Now().Before(deadline), "handshake did not settle")
		require.NoError(t, eng.Process())
		for eng.WantsWrite() {
			n := eng.TakeCiphertext(buf)
			_, err := sock.Write(buf[:n])
			require.NoError(t, err)
		}
		if eng.HandshakeComplete() && !eng.WantsWrite() {
			return
		}
		if eng.WantsRead() {
			require.NoError(t, sock.SetReadDeadline(time.Now().Add(time.Second)))
			n, err := sock.Read(buf)
			require.NoError(t, err)
			_, err = eng.FeedCiphertext(buf[:n])
			require.NoError(t, err)
		}
	}
}

func flushCiphertext(t *testing.T, eng Engine, sock net.Conn) {
	t.Helper()
	buf := make([]byte, 32*1024)
	for eng.WantsWrite() {
		n := eng.TakeCiphertext(buf)
		_, err := sock.Write(buf[:n])
		require.NoError(t, err)
	}
}

func awaitPlaintext(t *testing.T, eng Engine, sock net.Conn, want int) []byte {
	t.Helper()
	out := make([]byte, 0, want)
	buf := make([]byte, 32*1024)
	deadline := time.Now().Add(5 * time.Second)
	for len(out) < want {
		require.True(t, time.Now().Before(deadline), "plaintext never arrived")
		require.NoError(t, eng.Process())
		n, err := eng.ReadPlaintext(buf)
		require.NoError(t, err)
		if n > 0 {
			out = append(out, buf[:n]...)
			continue
		}
		require.NoError(t, sock.SetReadDeadline(time.Now().Add(time.Second)))
		nn, err := sock.Read(buf)
		require.NoError(t, err)
		_, err = eng.FeedCiphertext(buf[:nn])
		require.NoError(t, err)
	}
	return out
}

package ws_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tickwire/tickwire/errs"
	"github.com/tickwire/tickwire/internal/ws"
)

func TestFrameRoundTripAcrossLengthTiers(t *testing.T) {
	sizes := []int{0, 1, 125, 126, 300, 65535, 65536, 70000}
	for _, size := range sizes {
		payload := makePayload(size)

		masked := ws.BinaryFrame(payload)
		raw := ws.EncodeFrame(masked)
		decoded, consumed, err := ws.DecodeFrame(raw)
		require.NoError(t, err, "size %d", size)
		require.Equal(t, len(raw), consumed, "size %d", size)
		require.True(t, decoded.Fin)
		require.Equal(t, ws.OpBinary, decoded.Opcode)
		require.True(t, decoded.Masked)
		require.Equal(t, masked.MaskKey, decoded.MaskKey)
		require.Equal(t, int64(size), decoded.Length)
		require.Equal(t, payload, decoded.Payload, "size %d", size)

		server := serverFrame(ws.OpText, payload)
		raw = ws.EncodeFrame(server)
		decoded, consumed, err = ws.DecodeFrame(raw)
		require.NoError(t, err, "size %d", size)
		require.Equal(t, len(raw), consumed)
		require.False(t, decoded.Masked)
		require.Equal(t, payload, decoded.Payload)
	}
}

func TestEncodeSetsMaskBitAndOpcode(t *testing.T) {
	raw := ws.EncodeFrame(ws.TextFrame("Hi"))
	require.Equal(t, byte(0x81), raw[0])
	require.NotZero(t, raw[1]&0x80)
	require.Equal(t, byte(2), raw[1]&0x7f)
	require.Len(t, raw, 2+4+2)
}

func TestMaskingIsAnInvolution(t *testing.T) {
	payload := makePayload(1031)
	key := [4]byte{0xde, 0xad, 0xbe, 0xef}

	work := append([]byte(nil), payload...)
	ws.ApplyMask(work, key)
	require.NotEqual(t, payload, work)
	ws.ApplyMask(work, key)
	require.Equal(t, payload, work)
}

func TestDecodeSignalsIncompleteInput(t *testing.T) {
	full := ws.EncodeFrame(ws.BinaryFrame(makePayload(70000)))

	// Cuts inside the header, the extended length, the mask, and the payload.
	for _, cut := range []int{0, 1, 2, 5, 9, 12, 14, len(full) / 2, len(full) - 1} {
		_, _, err := ws.DecodeFrame(full[:cut])
		require.ErrorIs(t, err, ws.ErrShortFrame, "cut %d", cut)
	}

	frame, consumed, err := ws.DecodeFrame(full)
	require.NoError(t, err)
	require.Equal(t, len(full), consumed)
	require.Equal(t, int64(70000), frame.Length)
}

func TestDecodeRejectsProtocolViolations(t *testing.T) {
	cases := []struct {
		name string
		raw  []byte
	}{
		{name: "reserved opcode", raw: []byte{0x83, 0x00}},
		{name: "reserved bits set", raw: []byte{0xc1, 0x01, 'x'}},
		{name: "fragmented ping", raw: []byte{0x09, 0x00}},
		{name: "oversized control", raw: []byte{0x89, 126, 0x00, 0xc8}},
		{name: "length high bit", raw: []byte{0x82, 127, 0x80, 0, 0, 0, 0, 0, 0, 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := ws.DecodeFrame(tc.raw)
			require.Error(t, err)
			require.NotErrorIs(t, err, ws.ErrShortFrame)
			require.True(t, errs.IsCode(err, errs.CodeProtocol), "got %v", err)
		})
	}
}

func TestCloseFrameCarriesCodeAndReason(t *testing.T) {
	f := ws.CloseFrame(ws.CloseGoingAway, "maintenance")
	code, reason := ws.ParseClose(f.Payload)
	require.Equal(t, ws.CloseGoingAway, code)
	require.Equal(t, "maintenance", reason)

	code, reason = ws.ParseClose(nil)
	require.Zero(t, code)
	require.Empty(t, reason)
}

func makePayload(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i % 251)
	}
	return p
}

func serverFrame(op ws.Opcode, payload []byte) ws.Frame {
	return ws.Frame{
		FrameHeader: ws.FrameHeader{
			Fin:     true,
			Opcode:  op,
			Masked:  false,
			MaskKey: [4]byte{},
			Length:  int64(len(payload)),
		},
		Payload: payload,
	}
}

package rtp

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loopback() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)}
}

func TestUDPTransportSendReceive(t *testing.T) {
	a, err := NewUDPTransport(TransportConfig{LocalAddr: loopback()})
	require.NoError(t, err)
	defer a.Close()

	b, err := NewUDPTransport(TransportConfig{LocalAddr: loopback(), RemoteAddr: a.LocalAddr()})
	require.NoError(t, err)
	defer b.Close()

	packet := &rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 8, SequenceNumber: 7, Timestamp: 1600, SSRC: 99},
		Payload: []byte{0xD5, 0xD5, 0xD5},
	}
	require.NoError(t, b.Send(packet))

	var data []byte
	require.Eventually(t, func() bool {
		data, _, err = a.Read(context.Background())
		return err == nil
	}, 2*time.Second, time.Millisecond)

	got, err := parseRTP(data)
	require.NoError(t, err)

	assert.Equal(t, packet.Header.SequenceNumber, got.SequenceNumber)
	assert.Equal(t, packet.Payload, got.Payload)
}

func TestUDPTransportReceiveTimeout(t *testing.T) {
	tr, err := NewUDPTransport(TransportConfig{LocalAddr: loopback(), ReceiveTimeout: 10 * time.Millisecond})
	require.NoError(t, err)
	defer tr.Close()

	_, _, err = tr.Read(context.Background())
	require.Error(t, err)
	assert.True(t, isTimeout(err))
}

func TestUDPTransportClosed(t *testing.T) {
	tr, err := NewUDPTransport(TransportConfig{LocalAddr: loopback(), RemoteAddr: loopback()})
	require.NoError(t, err)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.False(t, tr.IsActive())

	assert.ErrorIs(t, tr.Write([]byte{1}), ErrTransportClosed)
	_, _, err = tr.Read(context.Background())
	assert.ErrorIs(t, err, ErrTransportClosed)
}

func TestUDPTransportCancelledContext(t *testing.T) {
	tr, err := NewUDPTransport(TransportConfig{LocalAddr: loopback()})
	require.NoError(t, err)
	defer tr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err = tr.Read(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestUDPTransportWithoutRemote(t *testing.T) {
	tr, err := NewUDPTransport(TransportConfig{LocalAddr: loopback()})
	require.NoError(t, err)
	defer tr.Close()

	assert.Error(t, tr.Write([]byte{1}))
}

func TestValidateRTPHeader(t *testing.T) {
	assert.NoError(t, validateRTPHeader(&rtp.Header{Version: 2, PayloadType: 0}))
	assert.Error(t, validateRTPHeader(&rtp.Header{Version: 1}))
	assert.Error(t, validateRTPHeader(&rtp.Header{Version: 2, PayloadType: 200}))
}

func TestParseRTPRejectsMalformed(t *testing.T) {
	_, err := parseRTP(make([]byte, MinRTPPacketSize-1))
	assert.Error(t, err)

	raw, err := (&rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: 0}, Payload: []byte{0xFF}}).Marshal()
	require.NoError(t, err)
	raw[0] = (raw[0] & 0x3F) | 0x40 // версия 1
	_, err = parseRTP(raw)
	assert.Error(t, err)
}

func TestValidatePacketSize(t *testing.T) {
	assert.Error(t, validatePacketSize(MinRTPPacketSize-1))
	assert.NoError(t, validatePacketSize(MinRTPPacketSize))
	assert.NoError(t, validatePacketSize(MaxRTPPacketSize))
	assert.Error(t, validatePacketSize(MaxRTPPacketSize+1))
}

func TestDirection(t *testing.T) {
	tests := []struct {
		dir        Direction
		name       string
		send, recv bool
	}{
		{DirectionSendRecv, "sendrecv", true, true},
		{DirectionSendOnly, "sendonly", true, false},
		{DirectionRecvOnly, "recvonly", false, true},
		{DirectionInactive, "inactive", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.name, tt.dir.String())
			assert.Equal(t, tt.send, tt.dir.CanSend())
			assert.Equal(t, tt.recv, tt.dir.CanReceive())
		})
	}
}

package sdfu

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tkhx/go-sdfu/sdfu/config/arch"
)

func TestDeviceVerifyPayloadLength(t *testing.T) {
	image := testImage(32)
	pkg, plan := buildTestPackage(t, image)
	dev := NewDevice(arch.NRF52840, "7.3.0", plan)
	conn := loopback(t, dev)

	require.NoError(t, writeFrame(conn, opNegotiate, pkg.initPacket().marshal()))
	resp, err := readFrame(conn)
	require.NoError(t, err)
	require.Equal(t, statusSuccess, resp.op)

	require.NoError(t, writeFrame(conn, opChunk, chunkPayload(0, image)))
	resp, err = readFrame(conn)
	require.NoError(t, err)
	require.Equal(t, statusSuccess, resp.op)

	// A truncated checksum is refused without committing anything.
	require.NoError(t, writeFrame(conn, opVerify, []byte{0x01, 0x02}))
	resp, err = readFrame(conn)
	require.NoError(t, err)
	assert.Equal(t, statusLength, resp.op)
	assert.False(t, dev.Bootable())
	assert.Nil(t, dev.Committed())

	// The refusal does not consume the session: a well-formed verify on
	// the same staged image still commits.
	crc := binary.LittleEndian.AppendUint32(nil, pkg.CRC)
	require.NoError(t, writeFrame(conn, opVerify, crc))
	resp, err = readFrame(conn)
	require.NoError(t, err)
	assert.Equal(t, statusSuccess, resp.op)
	assert.True(t, dev.Bootable())
	assert.Equal(t, image, dev.Committed())
}

func TestDeviceVerifyChecksumMismatch(t *testing.T) {
	image := testImage(32)
	pkg, plan := buildTestPackage(t, image)
	dev := NewDevice(arch.NRF52840, "7.3.0", plan)
	conn := loopback(t, dev)

	require.NoError(t, writeFrame(conn, opNegotiate, pkg.initPacket().marshal()))
	resp, err := readFrame(conn)
	require.NoError(t, err)
	require.Equal(t, statusSuccess, resp.op)

	require.NoError(t, writeFrame(conn, opChunk, chunkPayload(0, image)))
	resp, err = readFrame(conn)
	require.NoError(t, err)
	require.Equal(t, statusSuccess, resp.op)

	// A checksum that contradicts the one declared at negotiation is
	// refused before the staged image is even hashed.
	wrong := binary.LittleEndian.AppendUint32(nil, pkg.CRC^1)
	require.NoError(t, writeFrame(conn, opVerify, wrong))
	resp, err = readFrame(conn)
	require.NoError(t, err)
	assert.Equal(t, statusVerify, resp.op)
	assert.False(t, dev.Bootable())
}

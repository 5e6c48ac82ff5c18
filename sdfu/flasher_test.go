package sdfu

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tkhx/go-sdfu/sdfu/config/arch"
)

// loopback wires a simulated device to the returned host side of an
// in-memory duplex channel.
func loopback(t *testing.T, dev *Device) io.ReadWriter {
	t.Helper()
	hostConn, devConn := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- dev.Serve(devConn) }()
	t.Cleanup(func() {
		hostConn.Close()
		devConn.Close()
		require.NoError(t, <-done)
	})
	return hostConn
}

func testImage(n int) []byte {
	img := make([]byte, n)
	for i := range img {
		img[i] = byte(i * 7)
	}
	return img
}

func buildTestPackage(t *testing.T, image []byte) (*UpdatePackage, *PartitionPlan) {
	t.Helper()
	plan, err := PlanFor(arch.NRF52840, DefaultServiceConfig())
	require.NoError(t, err)
	pkg, err := BuildPackage(image, arch.NRF52840, "7.3.0", plan)
	require.NoError(t, err)
	return pkg, plan
}

func protocolKind(t *testing.T, err error) ProtocolErrorKind {
	t.Helper()
	var perr *ProtocolError
	require.True(t, errors.As(err, &perr), "want ProtocolError, got %v", err)
	return perr.Kind
}

func TestFlashComplete(t *testing.T) {
	image := testImage(1000)
	pkg, plan := buildTestPackage(t, image)
	dev := NewDevice(arch.NRF52840, "7.3.0", plan)

	var last Progress
	flasher := NewFlasher(loopback(t, dev),
		WithChunkSize(128),
		WithProgress(func(p Progress) { last = p }),
	)
	require.NoError(t, flasher.Flash(context.Background(), pkg))

	assert.Equal(t, StateComplete, flasher.State())
	assert.True(t, dev.Bootable())
	assert.Equal(t, image, dev.Committed())
	assert.Equal(t, StateComplete, last.State)
	assert.Equal(t, len(image), last.BytesSent)
	assert.Equal(t, 8, last.TotalChunks)
}

func TestFlashSingleUse(t *testing.T) {
	image := testImage(64)
	pkg, plan := buildTestPackage(t, image)
	dev := NewDevice(arch.NRF52840, "7.3.0", plan)

	flasher := NewFlasher(loopback(t, dev))
	require.NoError(t, flasher.Flash(context.Background(), pkg))

	err := flasher.Flash(context.Background(), pkg)
	assert.Error(t, err, "the engine never restarts a terminated session")
}

func TestFlashIncompatibleArch(t *testing.T) {
	pkg, plan := buildTestPackage(t, testImage(256))
	dev := NewDevice(arch.NRF52832, "7.3.0", plan)

	flasher := NewFlasher(loopback(t, dev))
	err := flasher.Flash(context.Background(), pkg)

	assert.Equal(t, IncompatibleTarget, protocolKind(t, err))
	assert.Equal(t, StateError, flasher.State())
	assert.Zero(t, dev.Received(), "no chunk may be sent to a rejected target")
	assert.False(t, dev.Bootable())
}

func TestFlashServiceVersionMismatch(t *testing.T) {
	pkg, plan := buildTestPackage(t, testImage(256))

	for _, installed := range []string{"6.1.1", ""} {
		dev := NewDevice(arch.NRF52840, installed, plan)
		flasher := NewFlasher(loopback(t, dev))
		err := flasher.Flash(context.Background(), pkg)

		assert.Equal(t, IncompatibleTarget, protocolKind(t, err), "installed %q", installed)
		assert.Zero(t, dev.Received())
	}
}

func TestFlashImageExceedsDeviceRegion(t *testing.T) {
	pkg, _ := buildTestPackage(t, testImage(0x300))

	smallPlan, err := DerivePlan(0x27000+0x200, 0x40000, 0x27000, 0x2000)
	require.NoError(t, err)
	dev := NewDevice(arch.NRF52840, "7.3.0", smallPlan)

	flasher := NewFlasher(loopback(t, dev))
	err = flasher.Flash(context.Background(), pkg)

	assert.Equal(t, IncompatibleTarget, protocolKind(t, err))
	assert.Zero(t, dev.Received())
}

func TestFlashRetransmitsWithinBudget(t *testing.T) {
	image := testImage(96) // single chunk
	pkg, plan := buildTestPackage(t, image)

	const retries = 3
	dev := NewDevice(arch.NRF52840, "7.3.0", plan, WithAckDrops(retries))

	flasher := NewFlasher(loopback(t, dev),
		WithChunkSize(128),
		WithStepTimeout(50*time.Millisecond),
		WithRetries(retries),
	)
	require.NoError(t, flasher.Flash(context.Background(), pkg))
	assert.True(t, dev.Bootable())
	assert.Equal(t, image, dev.Committed())
}

func TestFlashRetryBudgetExhausted(t *testing.T) {
	pkg, plan := buildTestPackage(t, testImage(96))

	const retries = 2
	dev := NewDevice(arch.NRF52840, "7.3.0", plan, WithAckDrops(retries+1))

	flasher := NewFlasher(loopback(t, dev),
		WithChunkSize(128),
		WithStepTimeout(50*time.Millisecond),
		WithRetries(retries),
	)
	err := flasher.Flash(context.Background(), pkg)

	assert.Equal(t, TransferTimeout, protocolKind(t, err))
	assert.Equal(t, StateError, flasher.State())
	assert.False(t, dev.Bootable())
}

func TestFlashIntegrityFailure(t *testing.T) {
	image := testImage(512)
	pkg, plan := buildTestPackage(t, image)
	dev := NewDevice(arch.NRF52840, "7.3.0", plan, WithFlashFault(100))

	flasher := NewFlasher(loopback(t, dev), WithChunkSize(128))
	err := flasher.Flash(context.Background(), pkg)

	assert.Equal(t, IntegrityFailure, protocolKind(t, err))
	assert.False(t, dev.Bootable(), "a corrupted image must never be marked bootable")
	assert.Nil(t, dev.Committed())
}

func TestFlashCancelBetweenChunksThenRetry(t *testing.T) {
	image := testImage(512)
	pkg, plan := buildTestPackage(t, image)
	dev := NewDevice(arch.NRF52840, "7.3.0", plan)

	hostConn, devConn := net.Pipe()
	firstDone := make(chan error, 1)
	go func() { firstDone <- dev.Serve(devConn) }()

	ctx, cancel := context.WithCancel(context.Background())
	flasher := NewFlasher(hostConn,
		WithChunkSize(128),
		WithProgress(func(p Progress) {
			if p.State == StateTransferring && p.SentChunks == 1 {
				cancel()
			}
		}),
	)
	err := flasher.Flash(ctx, pkg)
	require.Error(t, err)
	var perr *ProtocolError
	require.True(t, errors.As(err, &perr))
	assert.True(t, strings.Contains(perr.Detail, "cancelled"), perr.Detail)
	assert.Equal(t, StateError, flasher.State())
	assert.False(t, dev.Bootable())

	hostConn.Close()
	devConn.Close()
	require.NoError(t, <-firstDone)

	// The abandoned session must not poison the device: a brand-new
	// session over a fresh connection negotiates and completes.
	retry := NewFlasher(loopback(t, dev), WithChunkSize(128))
	require.NoError(t, retry.Flash(context.Background(), pkg))
	assert.True(t, dev.Bootable())
	assert.Equal(t, image, dev.Committed())
}

// corruptConn flips one image byte of the first chunk frame written through
// it and repairs the frame checksum, modeling corruption the weak frame sum
// cannot see. Only the end-to-end CRC can catch it.
type corruptConn struct {
	io.ReadWriter
	armed bool
}

func (c *corruptConn) Write(p []byte) (int, error) {
	if c.armed && len(p) > minFrameSize && p[1] == opChunk {
		c.armed = false
		b := append([]byte(nil), p...)
		b[6] ^= 0x01
		sum := frameChecksum(b[1 : len(b)-3])
		binary.LittleEndian.PutUint16(b[len(b)-3:len(b)-1], sum)
		return c.ReadWriter.Write(b)
	}
	return c.ReadWriter.Write(p)
}

func TestFlashCorruptionInTransit(t *testing.T) {
	image := testImage(512)
	pkg, plan := buildTestPackage(t, image)
	dev := NewDevice(arch.NRF52840, "7.3.0", plan)

	conn := &corruptConn{ReadWriter: loopback(t, dev), armed: true}
	flasher := NewFlasher(conn, WithChunkSize(128))
	err := flasher.Flash(context.Background(), pkg)

	assert.Equal(t, IntegrityFailure, protocolKind(t, err))
	assert.False(t, dev.Bootable())
	assert.Nil(t, dev.Committed())
}

func TestFlashDuplicateFinalAckDoesNotMaskVerify(t *testing.T) {
	image := testImage(64) // single chunk
	pkg, _ := buildTestPackage(t, image)

	hostConn, devConn := net.Pipe()
	t.Cleanup(func() {
		hostConn.Close()
		devConn.Close()
	})

	// A scripted peer that acks the chunk twice, as a device whose first
	// ack was delayed past the step timeout would, and then refuses the
	// checksum. The duplicate ack must not be read as the verify answer.
	go func() {
		fr, err := readFrame(devConn)
		if err != nil || fr.op != opNegotiate {
			return
		}
		_ = writeFrame(devConn, statusSuccess, nil)
		fr, err = readFrame(devConn)
		if err != nil || fr.op != opChunk {
			return
		}
		seq := fr.payload[:2]
		_ = writeFrame(devConn, statusSuccess, seq)
		_ = writeFrame(devConn, statusSuccess, seq)
		fr, err = readFrame(devConn)
		if err != nil || fr.op != opVerify {
			return
		}
		_ = writeFrame(devConn, statusVerify, nil)
	}()

	flasher := NewFlasher(hostConn, WithChunkSize(128))
	err := flasher.Flash(context.Background(), pkg)

	assert.Equal(t, IntegrityFailure, protocolKind(t, err))
	assert.Equal(t, StateError, flasher.State())
}

func TestPackagedRoundTripOverLoopback(t *testing.T) {
	image := bytes.Repeat([]byte{0xC3, 0x3C}, 400)
	pkg, plan := buildTestPackage(t, image)
	dev := NewDevice(arch.NRF52840, "7.3.0", plan)

	flasher := NewFlasher(loopback(t, dev), WithChunkSize(64))
	require.NoError(t, flasher.Flash(context.Background(), pkg))
	assert.Equal(t, image, dev.Committed())
	assert.Equal(t, StateComplete, flasher.State())
}

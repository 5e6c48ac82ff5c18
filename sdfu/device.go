package sdfu

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
	"strconv"
	"strings"

	"github.com/tkhx/go-sdfu/sdfu/config/arch"
)

// Device is the bootloader side of the transfer protocol, serving one serial
// channel. It backs the loopback tests and the sdfu-sim bench tool, and is
// the reference for what a real bootloader must enforce: compatibility
// before any write, sequenced chunks, checksum before commit.
type Device struct {
	arch           arch.Arch
	serviceVersion string
	plan           *PartitionPlan

	declared  *initPacket
	staged    []byte
	expectSeq uint16

	flash    []byte
	bootable bool

	ackDrops    int
	faultOffset int
}

// DeviceOption configures fault injection on a simulated device.
type DeviceOption func(*Device)

// WithAckDrops makes the device swallow the first n chunk acknowledgments,
// exercising the host's retransmission path.
func WithAckDrops(n int) DeviceOption {
	return func(d *Device) { d.ackDrops = n }
}

// WithFlashFault flips one bit of the staged image at the given offset
// before verification, as a failed flash write would.
func WithFlashFault(offset int) DeviceOption {
	return func(d *Device) { d.faultOffset = offset }
}

// NewDevice creates a simulated device with the given identity. The resident
// service version is what the device reports installed; an empty string
// simulates a device with no resident service at all.
func NewDevice(a arch.Arch, serviceVersion string, plan *PartitionPlan, opts ...DeviceOption) *Device {
	d := &Device{
		arch:           a,
		serviceVersion: serviceVersion,
		plan:           plan,
		faultOffset:    -1,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Committed returns the last image the device marked bootable.
func (d *Device) Committed() []byte {
	return d.flash
}

// Bootable reports whether a transferred image was committed.
func (d *Device) Bootable() bool {
	return d.bootable
}

// Received reports how many image bytes the current session has staged.
func (d *Device) Received() int {
	return len(d.staged)
}

// Serve handles frames until the channel closes. A finished or failed
// exchange does not end serving: the host may always re-negotiate from
// scratch on the same channel.
func (d *Device) Serve(rw io.ReadWriter) error {
	for {
		fr, err := readFrame(rw)
		if err != nil {
			if errors.Is(err, errFrameDamaged) {
				if werr := writeFrame(rw, statusChecksum, nil); werr != nil {
					return werr
				}
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
		if err := d.handle(rw, fr); err != nil {
			return err
		}
	}
}

func (d *Device) handle(rw io.Writer, fr *frame) error {
	switch fr.op {
	case opNegotiate:
		return d.negotiate(rw, fr.payload)
	case opChunk:
		return d.chunk(rw, fr.payload)
	case opVerify:
		return d.verify(rw, fr.payload)
	default:
		return writeFrame(rw, statusState, nil)
	}
}

// negotiate checks every compatibility gate before a single image byte is
// accepted. Any prior session state is discarded, so re-negotiation is
// always safe.
func (d *Device) negotiate(rw io.Writer, payload []byte) error {
	d.declared = nil
	d.staged = nil
	d.expectSeq = 0

	pkt, err := parseInitPacket(payload)
	if err != nil {
		return writeFrame(rw, statusFormat, nil)
	}
	if pkt.Format != FormatVersion {
		return writeFrame(rw, statusFormat, nil)
	}
	if pkt.Arch != string(d.arch) {
		return writeFrame(rw, statusIncompatible, nil)
	}
	if d.serviceVersion == "" || versionLess(d.serviceVersion, pkt.SvcVersion) {
		return writeFrame(rw, statusIncompatible, nil)
	}
	if pkt.ImageSize == 0 || pkt.ImageSize > d.plan.AppFlash.Length {
		return writeFrame(rw, statusNoSpace, nil)
	}
	d.declared = pkt
	d.staged = make([]byte, 0, pkt.ImageSize)
	return writeFrame(rw, statusSuccess, nil)
}

func (d *Device) chunk(rw io.Writer, payload []byte) error {
	if d.declared == nil {
		return writeFrame(rw, statusState, nil)
	}
	if len(payload) < 2 {
		return writeFrame(rw, statusLength, nil)
	}
	seq := binary.LittleEndian.Uint16(payload)
	data := payload[2:]
	switch {
	case seq == d.expectSeq:
		if len(d.staged)+len(data) > int(d.declared.ImageSize) {
			return writeFrame(rw, statusLength, nil)
		}
		d.staged = append(d.staged, data...)
		d.expectSeq++
	case seq+1 == d.expectSeq:
		// Retransmission of a chunk whose ack got lost; ack again
		// without staging it twice.
	default:
		return writeFrame(rw, statusSequence, payload[:2])
	}
	if d.ackDrops > 0 {
		d.ackDrops--
		return nil
	}
	return writeFrame(rw, statusSuccess, payload[:2])
}

// verify compares the staged image against the checksum declared at
// negotiation. Only a match commits the image and marks it bootable.
func (d *Device) verify(rw io.Writer, payload []byte) error {
	if d.declared == nil || len(d.staged) != int(d.declared.ImageSize) {
		d.declared = nil
		return writeFrame(rw, statusState, nil)
	}
	if len(payload) != 4 {
		return writeFrame(rw, statusLength, nil)
	}
	declared := d.declared
	d.declared = nil
	if requested := binary.LittleEndian.Uint32(payload); requested != declared.ImageCRC {
		return writeFrame(rw, statusVerify, nil)
	}
	img := d.staged
	d.staged = nil
	if d.faultOffset >= 0 && d.faultOffset < len(img) {
		img[d.faultOffset] ^= 0x01
	}
	if crc32.ChecksumIEEE(img) != declared.ImageCRC {
		return writeFrame(rw, statusVerify, nil)
	}
	d.flash = img
	d.bootable = true
	return writeFrame(rw, statusSuccess, nil)
}

// versionLess compares dotted decimal versions, reporting a < b. Fields
// missing on one side count as zero.
func versionLess(a, b string) bool {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		av, bv := 0, 0
		if i < len(as) {
			av, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(bs[i])
		}
		if av != bv {
			return av < bv
		}
	}
	return false
}

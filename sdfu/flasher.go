package sdfu

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

// Logger is an optional logging hook so the library stays silent unless the
// caller wires one in.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Progress reports how far a transfer has come.
type Progress struct {
	State       SessionState
	SentChunks  int
	TotalChunks int
	BytesSent   int
	Elapsed     time.Duration
}

// ProgressFunc receives progress updates. Implementations should return
// quickly; the transfer blocks while the callback runs.
type ProgressFunc func(Progress)

// Config holds the flasher configuration.
type Config struct {
	// ChunkSize is the image payload per chunk frame.
	ChunkSize int
	// StepTimeout bounds every wait for a device response. Expiry is
	// retryable for chunk acks and fatal for negotiation and verify.
	StepTimeout time.Duration
	// Retries is the retransmission budget per chunk.
	Retries int
	// Progress is called as the transfer advances (optional).
	Progress ProgressFunc
	// Logger receives diagnostics (optional).
	Logger Logger
}

func defaultConfig() Config {
	return Config{
		ChunkSize:   128,
		StepTimeout: time.Second,
		Retries:     3,
	}
}

// Option is a functional option for configuring the Flasher.
type Option func(*Config)

// WithChunkSize sets the image payload per chunk frame.
func WithChunkSize(size int) Option {
	return func(c *Config) {
		if size > 0 && size <= maxPayload-2 {
			c.ChunkSize = size
		}
	}
}

// WithStepTimeout sets the per-step response timeout.
func WithStepTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.StepTimeout = d
		}
	}
}

// WithRetries sets the per-chunk retransmission budget.
func WithRetries(n int) Option {
	return func(c *Config) {
		if n >= 0 {
			c.Retries = n
		}
	}
}

// WithProgress sets the progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(c *Config) { c.Progress = fn }
}

// WithLogger sets the diagnostic logger.
func WithLogger(l Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// Flasher drives one update package to a bootloader over a serial channel.
// It owns the channel exclusively for the session's lifetime and runs one
// session, ever: after the session terminates the caller builds a new
// Flasher for a full retry.
type Flasher struct {
	device io.ReadWriter
	config Config
	sess   session
}

// NewFlasher wraps an exclusively owned serial channel.
func NewFlasher(device io.ReadWriter, opts ...Option) *Flasher {
	if device == nil {
		panic("device cannot be nil")
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Flasher{device: device, config: cfg}
}

// State returns the session state, StateIdle before Flash is called and a
// terminal state after it returns.
func (f *Flasher) State() SessionState {
	return f.sess.state
}

var (
	errStepTimeout = errors.New("response timeout")
	errLinkClosed  = errors.New("link closed")
)

// Flash negotiates, streams and verifies pkg. It returns nil once the device
// confirms the checksum and commits the image, and a *ProtocolError when the
// session ends in StateError. Cancellation is honored between chunks and
// while waiting for responses, never mid-frame.
func (f *Flasher) Flash(ctx context.Context, pkg *UpdatePackage) error {
	if pkg == nil {
		return fmt.Errorf("package cannot be nil")
	}
	if f.sess.state != StateIdle {
		return fmt.Errorf("session already ran (state %s)", f.sess.state)
	}

	frames := make(chan *frame)
	done := make(chan struct{})
	defer close(done)
	go f.readLoop(frames, done)

	start := time.Now()
	total := (len(pkg.Image) + f.config.ChunkSize - 1) / f.config.ChunkSize

	// Negotiate: metadata first, so an incompatible device rejects before
	// a single image byte is sent.
	if err := f.sess.advance(StateNegotiating); err != nil {
		return err
	}
	f.report(Progress{State: StateNegotiating, TotalChunks: total, Elapsed: time.Since(start)})
	if err := writeFrame(f.device, opNegotiate, pkg.initPacket().marshal()); err != nil {
		return f.sess.fail(LinkFailure, fmt.Sprintf("send metadata: %v", err))
	}
	resp, err := f.awaitStep(ctx, frames)
	switch {
	case errors.Is(err, errStepTimeout):
		return f.sess.fail(TransferTimeout, "no answer to negotiation")
	case err != nil:
		return f.sess.fail(LinkFailure, err.Error())
	case resp.op != statusSuccess:
		return f.sess.fail(IncompatibleTarget, statusName(resp.op))
	}
	f.logDebug("negotiated", "arch", pkg.Arch, "size", len(pkg.Image), "crc", fmt.Sprintf("%#08x", pkg.CRC))

	// Transfer: one chunk in flight, each acknowledged before the next.
	if err := f.sess.advance(StateTransferring); err != nil {
		return err
	}
	sent := 0
	for off := 0; off < len(pkg.Image); off += f.config.ChunkSize {
		if err := ctx.Err(); err != nil {
			return f.sess.fail(LinkFailure, fmt.Sprintf("cancelled before chunk %d: %v", sent, err))
		}
		end := off + f.config.ChunkSize
		if end > len(pkg.Image) {
			end = len(pkg.Image)
		}
		seq := uint16(sent)
		if err := f.sendChunk(ctx, frames, seq, pkg.Image[off:end]); err != nil {
			return err
		}
		sent++
		f.report(Progress{
			State:       StateTransferring,
			SentChunks:  sent,
			TotalChunks: total,
			BytesSent:   end,
			Elapsed:     time.Since(start),
		})
	}

	// Verify: the device compares its own checksum against the value
	// declared at negotiation before committing anything.
	if err := f.sess.advance(StateVerifying); err != nil {
		return err
	}
	f.report(Progress{State: StateVerifying, SentChunks: sent, TotalChunks: total, BytesSent: len(pkg.Image), Elapsed: time.Since(start)})
	crc := binary.LittleEndian.AppendUint32(nil, pkg.CRC)
	if err := writeFrame(f.device, opVerify, crc); err != nil {
		return f.sess.fail(LinkFailure, fmt.Sprintf("request verify: %v", err))
	}
	resp, err = f.awaitStep(ctx, frames)
	switch {
	case errors.Is(err, errStepTimeout):
		return f.sess.fail(TransferTimeout, "no answer to verify")
	case err != nil:
		return f.sess.fail(LinkFailure, err.Error())
	case resp.op == statusVerify || resp.op == statusChecksum:
		return f.sess.fail(IntegrityFailure, statusName(resp.op))
	case resp.op != statusSuccess:
		return f.sess.fail(LinkFailure, statusName(resp.op))
	}

	if err := f.sess.advance(StateComplete); err != nil {
		return err
	}
	f.report(Progress{State: StateComplete, SentChunks: sent, TotalChunks: total, BytesSent: len(pkg.Image), Elapsed: time.Since(start)})
	f.logInfo("transfer complete", "chunks", sent, "bytes", len(pkg.Image), "elapsed", time.Since(start).String())
	return nil
}

// sendChunk transmits one chunk and waits for its acknowledgment,
// retransmitting on timeout or NAK up to the retry budget. Only this chunk
// is retransmitted; earlier chunks stay acknowledged.
func (f *Flasher) sendChunk(ctx context.Context, frames <-chan *frame, seq uint16, data []byte) error {
	for attempt := 0; ; attempt++ {
		if attempt > f.config.Retries {
			return f.sess.fail(TransferTimeout, fmt.Sprintf("chunk %d unacknowledged after %d attempts", seq, attempt))
		}
		if attempt > 0 {
			f.logDebug("retransmitting chunk", "seq", seq, "attempt", attempt)
		}
		if err := writeFrame(f.device, opChunk, chunkPayload(seq, data)); err != nil {
			return f.sess.fail(LinkFailure, fmt.Sprintf("send chunk %d: %v", seq, err))
		}
		resp, err := f.awaitAck(ctx, frames, seq)
		switch {
		case errors.Is(err, errStepTimeout):
			continue
		case err != nil:
			return f.sess.fail(LinkFailure, err.Error())
		case resp.op == statusSuccess:
			return nil
		case resp.op == statusChecksum || resp.op == statusSequence:
			// The device rejected this chunk but the link is alive.
			continue
		default:
			return f.sess.fail(LinkFailure, statusName(resp.op))
		}
	}
}

// awaitAck waits for the acknowledgment of chunk seq, discarding stale acks
// left over from retransmitted chunks.
func (f *Flasher) awaitAck(ctx context.Context, frames <-chan *frame, seq uint16) (*frame, error) {
	deadline := time.Now().Add(f.config.StepTimeout)
	for {
		remain := time.Until(deadline)
		if remain <= 0 {
			return nil, errStepTimeout
		}
		resp, err := f.await(ctx, frames, remain)
		if err != nil {
			return nil, err
		}
		if resp.op == statusSuccess && len(resp.payload) >= 2 {
			if got := binary.LittleEndian.Uint16(resp.payload); got != seq {
				f.logDebug("stale ack", "got", got, "want", seq)
				continue
			}
		}
		return resp, nil
	}
}

// awaitStep waits for the response to a negotiate or verify request. Chunk
// responses always echo the 2-byte chunk sequence while step responses carry
// no payload, so a payload-bearing frame here is a stale duplicate left over
// from a retransmitted chunk and must not be mistaken for the step's answer.
func (f *Flasher) awaitStep(ctx context.Context, frames <-chan *frame) (*frame, error) {
	deadline := time.Now().Add(f.config.StepTimeout)
	for {
		remain := time.Until(deadline)
		if remain <= 0 {
			return nil, errStepTimeout
		}
		resp, err := f.await(ctx, frames, remain)
		if err != nil {
			return nil, err
		}
		if len(resp.payload) >= 2 {
			f.logDebug("discarding stale chunk response", "status", statusName(resp.op))
			continue
		}
		return resp, nil
	}
}

// await blocks for one response frame, a timeout, or cancellation.
func (f *Flasher) await(ctx context.Context, frames <-chan *frame, d time.Duration) (*frame, error) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case resp, ok := <-frames:
		if !ok {
			return nil, errLinkClosed
		}
		return resp, nil
	case <-t.C:
		return nil, errStepTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// readLoop pumps response frames off the serial channel. Damaged frames are
// dropped so the per-step timeout drives the retransmission; any other read
// error ends the loop and the session with it.
func (f *Flasher) readLoop(frames chan<- *frame, done <-chan struct{}) {
	defer close(frames)
	for {
		resp, err := readFrame(f.device)
		if err != nil {
			if errors.Is(err, errFrameDamaged) {
				f.logDebug("dropping damaged frame", "err", err.Error())
				continue
			}
			return
		}
		select {
		case frames <- resp:
		case <-done:
			return
		}
	}
}

func (f *Flasher) report(p Progress) {
	if f.config.Progress != nil {
		f.config.Progress(p)
	}
}

func (f *Flasher) logDebug(msg string, keysAndValues ...any) {
	if f.config.Logger != nil {
		f.config.Logger.Debug(msg, keysAndValues...)
	}
}

func (f *Flasher) logInfo(msg string, keysAndValues ...any) {
	if f.config.Logger != nil {
		f.config.Logger.Info(msg, keysAndValues...)
	}
}

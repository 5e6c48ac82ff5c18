package sdfu

import "fmt"

// LayoutErrorKind identifies the class of partition plan failure.
type LayoutErrorKind int

const (
	// InsufficientSpace means a reserved range or image does not fit the memory it targets.
	InsufficientSpace LayoutErrorKind = iota
	// RegionOverlap means two regions of the same memory kind intersect.
	RegionOverlap
	// OutOfBounds means a region extends past the device's addressable range.
	OutOfBounds
)

func (k LayoutErrorKind) String() string {
	switch k {
	case InsufficientSpace:
		return "insufficient space"
	case RegionOverlap:
		return "region overlap"
	case OutOfBounds:
		return "out of bounds"
	default:
		return fmt.Sprintf("layout error %d", int(k))
	}
}

// LayoutError reports a space or overlap violation detected while deriving
// or validating a partition plan. Layout errors are never retried.
type LayoutError struct {
	Kind   LayoutErrorKind
	Mem    MemoryKind
	Detail string
}

func (e *LayoutError) Error() string {
	return fmt.Sprintf("layout: %s: %s: %s", e.Mem, e.Kind, e.Detail)
}

// PackagingErrorKind identifies the class of package build or read failure.
type PackagingErrorKind int

const (
	// EmptyImage means the application image has zero length.
	EmptyImage PackagingErrorKind = iota
	// ImageTooLarge means the image exceeds the application flash region.
	ImageTooLarge
	// BadFormat means a stored package is malformed or self-inconsistent.
	BadFormat
)

func (k PackagingErrorKind) String() string {
	switch k {
	case EmptyImage:
		return "empty image"
	case ImageTooLarge:
		return "image too large"
	case BadFormat:
		return "bad package format"
	default:
		return fmt.Sprintf("packaging error %d", int(k))
	}
}

// PackagingError reports an image/region mismatch or a malformed package.
// Packaging errors are fatal.
type PackagingError struct {
	Kind   PackagingErrorKind
	Detail string
}

func (e *PackagingError) Error() string {
	return fmt.Sprintf("package: %s: %s", e.Kind, e.Detail)
}

// ProtocolErrorKind identifies why a transfer session failed.
type ProtocolErrorKind int

const (
	// IncompatibleTarget means the device rejected the package at
	// negotiation: wrong device type, missing or unexpected resident
	// service version, or a declared size that does not fit.
	IncompatibleTarget ProtocolErrorKind = iota
	// TransferTimeout means a protocol step exceeded its timeout after
	// exhausting the retry budget.
	TransferTimeout
	// IntegrityFailure means the transferred image failed the final
	// checksum comparison. The device does not mark the image bootable.
	IntegrityFailure
	// LinkFailure means the serial link failed or the peer sent a frame
	// the protocol does not allow in the current state.
	LinkFailure
)

func (k ProtocolErrorKind) String() string {
	switch k {
	case IncompatibleTarget:
		return "incompatible target"
	case TransferTimeout:
		return "transfer timeout"
	case IntegrityFailure:
		return "integrity failure"
	case LinkFailure:
		return "link failure"
	default:
		return fmt.Sprintf("protocol error %d", int(k))
	}
}

// ProtocolError reports a failed transfer session. The session state at the
// time of failure is retained so an operator can tell a rejected negotiation
// from an unreliable link from a corrupted transfer.
type ProtocolError struct {
	Kind   ProtocolErrorKind
	State  SessionState
	Detail string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("transfer: %s in state %s: %s", e.Kind, e.State, e.Detail)
}

package sdfu

import (
	"errors"
	"fmt"
	"io"

	"github.com/marcinbor85/gohex"
)

// ImageFromHex flattens Intel HEX build output into a raw application image
// relative to the application flash origin. Gaps between segments are padded
// with 0xFF, the erased state of flash.
func ImageFromHex(r io.Reader, origin uint32) ([]byte, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(r); err != nil {
		return nil, err
	}
	segments := mem.GetDataSegments()
	if len(segments) == 0 {
		return nil, errors.New("hex file has no data")
	}
	var end uint32
	for _, segment := range segments {
		if segment.Address < origin {
			return nil, fmt.Errorf("hex segment at %#x is below application origin %#x", segment.Address, origin)
		}
		if e := segment.Address + uint32(len(segment.Data)); e > end {
			end = e
		}
	}
	return mem.ToBinary(origin, end-origin, 0xFF), nil
}

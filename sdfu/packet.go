package sdfu

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// The init packet is the self-describing head of an update package. It is
// what the engine sends at negotiation and what gets stored as the package's
// .dat entry, encoded in protobuf wire format so a receiving bootloader can
// skip fields it does not know.
//
// Field numbers are part of the wire contract and must not be reused.
const (
	fieldFormat     protowire.Number = 1 // varint, packaging format version
	fieldArch       protowire.Number = 2 // bytes, target architecture name
	fieldSvcVersion protowire.Number = 3 // bytes, required resident service version
	fieldImageSize  protowire.Number = 4 // varint, application image size
	fieldImageCRC   protowire.Number = 5 // fixed32, CRC32 (IEEE) over the image
)

type initPacket struct {
	Format     uint32
	Arch       string
	SvcVersion string
	ImageSize  uint32
	ImageCRC   uint32
}

func (p *initPacket) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldFormat, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.Format))
	b = protowire.AppendTag(b, fieldArch, protowire.BytesType)
	b = protowire.AppendString(b, p.Arch)
	b = protowire.AppendTag(b, fieldSvcVersion, protowire.BytesType)
	b = protowire.AppendString(b, p.SvcVersion)
	b = protowire.AppendTag(b, fieldImageSize, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.ImageSize))
	b = protowire.AppendTag(b, fieldImageCRC, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, p.ImageCRC)
	return b
}

func parseInitPacket(b []byte) (*initPacket, error) {
	var p initPacket
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case fieldFormat, fieldImageSize:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			if num == fieldFormat {
				p.Format = uint32(v)
			} else {
				p.ImageSize = uint32(v)
			}
			b = b[n:]
		case fieldArch, fieldSvcVersion:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			if num == fieldArch {
				p.Arch = string(v)
			} else {
				p.SvcVersion = string(v)
			}
			b = b[n:]
		case fieldImageCRC:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			p.ImageCRC = v
			b = b[n:]
		default:
			// Unknown field from a newer packer; skip it.
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	if p.Format == 0 {
		return nil, errors.New("init packet carries no format version")
	}
	if p.Arch == "" {
		return nil, fmt.Errorf("init packet carries no target arch")
	}
	return &p, nil
}

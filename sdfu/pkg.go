package sdfu

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"io/fs"
	"os"

	"github.com/tkhx/go-sdfu/sdfu/config/arch"
)

// FormatVersion is the packaging format this library writes. A bootloader
// seeing an unknown version rejects the package outright instead of
// guessing at its layout.
const FormatVersion = 2

const (
	manifestFileName = "manifest.json"
	imageFileName    = "app.bin"
	initFileName     = "init.dat"
)

// UpdatePackage bundles an application image with the metadata a bootloader
// needs to decide, before any flash write, whether the image belongs on the
// device in front of it. Packages are immutable once built and may be
// re-transmitted across any number of flashing attempts.
type UpdatePackage struct {
	Arch            arch.Arch
	RequiredService string
	Image           []byte
	CRC             uint32
	Format          uint32
}

// BuildPackage wraps image into an update package for the given target.
// The image must be non-empty and fit the plan's application flash region.
func BuildPackage(image []byte, a arch.Arch, requiredService string, plan *PartitionPlan) (*UpdatePackage, error) {
	if len(image) == 0 {
		return nil, &PackagingError{Kind: EmptyImage, Detail: "application image is empty"}
	}
	if err := plan.FitsImage(len(image)); err != nil {
		return nil, &PackagingError{Kind: ImageTooLarge, Detail: err.Error()}
	}
	img := make([]byte, len(image))
	copy(img, image)
	return &UpdatePackage{
		Arch:            a,
		RequiredService: requiredService,
		Image:           img,
		CRC:             crc32.ChecksumIEEE(img),
		Format:          FormatVersion,
	}, nil
}

func (p *UpdatePackage) initPacket() *initPacket {
	return &initPacket{
		Format:     p.Format,
		Arch:       string(p.Arch),
		SvcVersion: p.RequiredService,
		ImageSize:  uint32(len(p.Image)),
		ImageCRC:   p.CRC,
	}
}

type packageContents struct {
	Manifest packageManifest `json:"manifest"`
}

type packageManifest struct {
	App applicationFiles `json:"application"`
}

type applicationFiles struct {
	BinFile string `json:"bin_file"`
	DatFile string `json:"dat_file"`
}

// WritePackage stores the package as a zip archive holding the manifest,
// the application image and the init packet.
func WritePackage(name string, p *UpdatePackage) error {
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	if err := writePackage(f, p); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writePackage(w io.Writer, p *UpdatePackage) error {
	zw := zip.NewWriter(w)
	manifest := packageContents{
		Manifest: packageManifest{
			App: applicationFiles{BinFile: imageFileName, DatFile: initFileName},
		},
	}
	mb, err := json.Marshal(&manifest)
	if err != nil {
		return err
	}
	for _, entry := range []struct {
		name string
		data []byte
	}{
		{manifestFileName, mb},
		{imageFileName, p.Image},
		{initFileName, p.initPacket().marshal()},
	} {
		ew, err := zw.Create(entry.name)
		if err != nil {
			return err
		}
		if _, err := ew.Write(entry.data); err != nil {
			return err
		}
	}
	return zw.Close()
}

// OpenPackage reads a package archive back and cross-checks the init packet
// against the stored image.
func OpenPackage(name string) (*UpdatePackage, error) {
	r, err := zip.OpenReader(name)
	if err != nil {
		return nil, &PackagingError{Kind: BadFormat, Detail: err.Error()}
	}
	defer r.Close()
	return readPackage(r)
}

func readPackage(zr *zip.ReadCloser) (*UpdatePackage, error) {
	mf, err := zr.Open(manifestFileName)
	if err != nil {
		return nil, &PackagingError{Kind: BadFormat, Detail: "missing manifest"}
	}
	defer mf.Close()
	var contents packageContents
	if err := json.NewDecoder(mf).Decode(&contents); err != nil {
		return nil, &PackagingError{Kind: BadFormat, Detail: fmt.Sprintf("manifest: %v", err)}
	}
	app := contents.Manifest.App
	if app.BinFile == "" || app.DatFile == "" {
		return nil, &PackagingError{Kind: BadFormat, Detail: "manifest names no application files"}
	}
	image, err := readEntry(zr, app.BinFile)
	if err != nil {
		return nil, err
	}
	dat, err := readEntry(zr, app.DatFile)
	if err != nil {
		return nil, err
	}
	packet, err := parseInitPacket(dat)
	if err != nil {
		return nil, &PackagingError{Kind: BadFormat, Detail: fmt.Sprintf("init packet: %v", err)}
	}
	if packet.Format != FormatVersion {
		return nil, &PackagingError{Kind: BadFormat, Detail: fmt.Sprintf("format version %d, this tool writes %d", packet.Format, FormatVersion)}
	}
	if int(packet.ImageSize) != len(image) {
		return nil, &PackagingError{Kind: BadFormat, Detail: fmt.Sprintf("init packet declares %d bytes, image has %d", packet.ImageSize, len(image))}
	}
	if crc := crc32.ChecksumIEEE(image); crc != packet.ImageCRC {
		return nil, &PackagingError{Kind: BadFormat, Detail: fmt.Sprintf("image crc %#08x, init packet declares %#08x", crc, packet.ImageCRC)}
	}
	var a arch.Arch
	if err := a.UnmarshalBinary([]byte(packet.Arch)); err != nil {
		return nil, &PackagingError{Kind: BadFormat, Detail: err.Error()}
	}
	return &UpdatePackage{
		Arch:            a,
		RequiredService: packet.SvcVersion,
		Image:           image,
		CRC:             packet.ImageCRC,
		Format:          packet.Format,
	}, nil
}

func readEntry(zr *zip.ReadCloser, name string) ([]byte, error) {
	b, err := fs.ReadFile(zr, name)
	if err != nil {
		return nil, &PackagingError{Kind: BadFormat, Detail: fmt.Sprintf("missing %s", name)}
	}
	return b, nil
}

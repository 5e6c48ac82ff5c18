package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/tkhx/go-sdfu/sdfu"
	"github.com/tkhx/go-sdfu/sdfu/config"
	"github.com/tkhx/go-sdfu/sdfu/config/arch"
)

var (
	archName     = flag.String("arch", "nRF52840", "target architecture")
	svcVersion   = flag.String("sd-ver", "7.3.0", "required resident service version")
	profilesPath = flag.String("profiles", "", "pkl module overriding the built-in device profiles")
	inPath       = flag.String("in", "", "application image (.hex or .bin) for pack")
	outPath      = flag.String("out", "", "package file to write for pack")
	devicePath   = flag.String("device", "", "serial device path for flash")
	pkgPath      = flag.String("pkg", "", "package file for flash")
	chunkSize    = flag.Int("chunk", 128, "chunk size in bytes")
	timeout      = flag.Duration("timeout", time.Second, "per-step response timeout")
	retries      = flag.Int("retries", 3, "per-chunk retransmission budget")
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [flags] plan|pack|flash\n", filepath.Base(os.Args[0]))
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	flag.Usage = usage
	flag.Parse()
	defer glog.Flush()
	if flag.NArg() != 1 {
		usage()
	}

	var a arch.Arch
	if err := a.UnmarshalBinary([]byte(*archName)); err != nil {
		fail(err)
	}
	prof, err := deviceProfile(a)
	if err != nil {
		fail(err)
	}
	plan, err := sdfu.PlanForProfile(prof, sdfu.DefaultServiceConfig())
	if err != nil {
		fail(err)
	}

	switch flag.Arg(0) {
	case "plan":
		runPlan(plan)
	case "pack":
		runPack(a, plan)
	case "flash":
		runFlash()
	default:
		usage()
	}
}

// deviceProfile resolves the memory profile for a, from the pkl module named
// by -profiles when given and from the built-in table otherwise.
func deviceProfile(a arch.Arch) (*config.DeviceProfile, error) {
	if *profilesPath == "" {
		return sdfu.ProfileFor(a)
	}
	profiles, err := sdfu.LoadProfiles(context.Background(), *profilesPath)
	if err != nil {
		return nil, err
	}
	p, ok := profiles[a]
	if !ok {
		return nil, fmt.Errorf("%s has no profile for %s", *profilesPath, a)
	}
	return p, nil
}

func runPlan(plan *sdfu.PartitionPlan) {
	fmt.Printf("resident FLASH [%#08x,%#08x) %s\n", plan.ResidentFlash.Origin, plan.ResidentFlash.End(), plan.ResidentFlash.Access)
	fmt.Printf("app      FLASH [%#08x,%#08x) %s\n", plan.AppFlash.Origin, plan.AppFlash.End(), plan.AppFlash.Access)
	fmt.Printf("resident RAM   [%#08x,%#08x) %s\n", plan.RAMBase+plan.ResidentRAM.Origin, plan.RAMBase+plan.ResidentRAM.End(), plan.ResidentRAM.Access)
	fmt.Printf("app      RAM   [%#08x,%#08x) %s\n", plan.RAMBase+plan.AppRAM.Origin, plan.RAMBase+plan.AppRAM.End(), plan.AppRAM.Access)
	fmt.Print(plan.LinkerSections())
}

func runPack(a arch.Arch, plan *sdfu.PartitionPlan) {
	if *inPath == "" || *outPath == "" {
		fail(errors.New("pack needs -in and -out"))
	}
	image, err := loadImage(*inPath, plan.AppFlash.Origin)
	if err != nil {
		fail(err)
	}
	pkg, err := sdfu.BuildPackage(image, a, *svcVersion, plan)
	if err != nil {
		fail(err)
	}
	if err := sdfu.WritePackage(*outPath, pkg); err != nil {
		fail(err)
	}
	glog.Infof("packed %d bytes for %s, crc %#08x", len(pkg.Image), pkg.Arch, pkg.CRC)
}

func loadImage(name string, origin uint32) ([]byte, error) {
	if strings.EqualFold(filepath.Ext(name), ".hex") {
		f, err := os.Open(name)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return sdfu.ImageFromHex(f, origin)
	}
	return os.ReadFile(name)
}

func runFlash() {
	if *devicePath == "" || *pkgPath == "" {
		fail(errors.New("flash needs -device and -pkg"))
	}
	pkg, err := sdfu.OpenPackage(*pkgPath)
	if err != nil {
		fail(err)
	}
	dev, err := os.OpenFile(*devicePath, os.O_RDWR, 0)
	if err != nil {
		fail(err)
	}
	defer dev.Close()

	flasher := sdfu.NewFlasher(dev,
		sdfu.WithChunkSize(*chunkSize),
		sdfu.WithStepTimeout(*timeout),
		sdfu.WithRetries(*retries),
		sdfu.WithProgress(func(p sdfu.Progress) {
			glog.Infof("%s: %d/%d chunks, %d bytes", p.State, p.SentChunks, p.TotalChunks, p.BytesSent)
		}),
	)
	if err := flasher.Flash(context.Background(), pkg); err != nil {
		fail(err)
	}
	fmt.Println("complete")
}

// fail prints the specific error kind and exits non-zero.
func fail(err error) {
	var layoutErr *sdfu.LayoutError
	var pkgErr *sdfu.PackagingError
	var protoErr *sdfu.ProtocolError
	switch {
	case errors.As(err, &layoutErr):
		fmt.Fprintf(os.Stderr, "sdfu: %s: %v\n", layoutErr.Kind, err)
	case errors.As(err, &pkgErr):
		fmt.Fprintf(os.Stderr, "sdfu: %s: %v\n", pkgErr.Kind, err)
	case errors.As(err, &protoErr):
		fmt.Fprintf(os.Stderr, "sdfu: %s: %v\n", protoErr.Kind, err)
	default:
		fmt.Fprintf(os.Stderr, "sdfu: %v\n", err)
	}
	glog.Flush()
	os.Exit(1)
}

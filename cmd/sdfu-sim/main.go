// Command sdfu-sim runs the bootloader side of the transfer protocol on
// stdin/stdout, for bench testing the flasher without hardware:
//
//	socat -d pty,raw,echo=0,link=/tmp/ttySIM exec:sdfu-sim
package main

import (
	"flag"
	"io"
	"os"

	"github.com/golang/glog"
	"github.com/tkhx/go-sdfu/sdfu"
	"github.com/tkhx/go-sdfu/sdfu/config/arch"
)

var (
	archName   = flag.String("arch", "nRF52840", "simulated architecture")
	svcVersion = flag.String("sd-ver", "7.3.0", "installed resident service version")
)

type stdio struct {
	io.Reader
	io.Writer
}

func main() {
	flag.Parse()
	defer glog.Flush()

	var a arch.Arch
	if err := a.UnmarshalBinary([]byte(*archName)); err != nil {
		glog.Exit(err)
	}
	plan, err := sdfu.PlanFor(a, sdfu.DefaultServiceConfig())
	if err != nil {
		glog.Exit(err)
	}

	dev := sdfu.NewDevice(a, *svcVersion, plan)
	if err := dev.Serve(stdio{os.Stdin, os.Stdout}); err != nil {
		glog.Exit(err)
	}
	if dev.Bootable() {
		glog.Infof("committed %d bytes", len(dev.Committed()))
	}
}

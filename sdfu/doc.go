// Package sdfu partitions nRF-class microcontroller memory between a
// resident radio service and the application, packages application images
// for update, and delivers packages to a serial bootloader.
//
// The three pieces chain together: a PartitionPlan constrains what the build
// toolchain may produce, BuildPackage wraps the produced image with
// placement and compatibility metadata, and Flasher streams the package to
// the device and confirms installation.
package sdfu

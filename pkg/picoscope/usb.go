package picoscope

import "github.com/ilyaradko/PicoScope/internal/adapters/usbprobe"

// USBUnit is a PicoScope found on the USB bus.
type USBUnit = usbprobe.Unit

// ListUSB enumerates attached PicoScope units without opening them through
// the vendor driver.
func ListUSB() ([]USBUnit, error) {
	return usbprobe.List()
}

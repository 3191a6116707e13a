// Package usbprobe enumerates PicoScope units on the USB bus without going
// through the vendor driver, so a selector can be checked before opening.
package usbprobe

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/gousb"
)

// PicoVendorID is the USB vendor id of Pico Technology.
const PicoVendorID gousb.ID = gousb.ID(0x0ce9)

// PS2000ProductID is reported by the 2000-series scopes.
const PS2000ProductID gousb.ID = gousb.ID(0x1007)

var ErrNoUnits = errors.New("usbprobe: no PicoScope units attached")

// Unit is one attached scope as seen on the bus.
type Unit struct {
	Bus       int
	Address   int
	VendorID  gousb.ID
	ProductID gousb.ID
	Serial    string
	Product   string
}

func (u Unit) String() string {
	return fmt.Sprintf("%03d:%03d %s:%s %s serial=%s", u.Bus, u.Address, u.VendorID, u.ProductID, u.Product, u.Serial)
}

// List opens every Pico device on the bus long enough to read its strings.
func List() ([]Unit, error) {
	usb := gousb.NewContext()
	defer usb.Close()

	devs, err := usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == PicoVendorID
	})
	defer func() {
		for _, d := range devs {
			d.Close()
		}
	}()

	units := make([]Unit, 0, len(devs))
	for _, d := range devs {
		u := Unit{
			Bus:       d.Desc.Bus,
			Address:   d.Desc.Address,
			VendorID:  d.Desc.Vendor,
			ProductID: d.Desc.Product,
		}
		// strings are unreadable while another process holds the unit
		if s, serr := d.SerialNumber(); serr == nil {
			u.Serial = strings.TrimSpace(s)
		}
		if p, perr := d.Product(); perr == nil {
			u.Product = strings.TrimSpace(p)
		}
		units = append(units, u)
	}
	if err != nil && len(units) == 0 {
		return nil, fmt.Errorf("usbprobe: open devices: %w", err)
	}
	return units, nil
}

// Select picks the unit matching selector. An empty selector matches the
// first unit. Units whose serial could not be read only match an empty
// selector.
func Select(units []Unit, selector string) (Unit, error) {
	if len(units) == 0 {
		return Unit{}, ErrNoUnits
	}
	if selector == "" {
		return units[0], nil
	}
	for _, u := range units {
		if u.Serial != "" && strings.EqualFold(u.Serial, selector) {
			return u, nil
		}
	}
	return Unit{}, fmt.Errorf("usbprobe: no unit with serial %q among %d attached", selector, len(units))
}

// Probe lists the bus and selects one unit.
func Probe(selector string) (Unit, error) {
	units, err := List()
	if err != nil {
		return Unit{}, err
	}
	return Select(units, selector)
}

// Package usb opens adb-capable USB devices as raw byte channels.
//
// An adb interface is vendor-specific class 0xff, subclass 0x42, protocol
// 0x01, with one bulk endpoint per direction. Enumeration and transfer
// submission are delegated to gousb; this package only picks the right
// interface and pairs the endpoints up.
package usb

import (
	"fmt"

	"github.com/google/gousb"
	"github.com/pkg/errors"
)

const (
	adbClass    = gousb.ClassVendorSpec
	adbSubclass = 0x42
	adbProtocol = 0x01
)

// Descriptor identifies one attached adb-capable device.
type Descriptor struct {
	VendorID  uint16
	ProductID uint16
	Bus       int
	Address   int
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%04x:%04x (bus %d, addr %d)", d.VendorID, d.ProductID, d.Bus, d.Address)
}

// adbInterface returns the config/interface/alternate holding the adb
// endpoints, or ok=false if the device doesn't expose one.
func adbInterface(desc *gousb.DeviceDesc) (cfg, intf, alt int, ok bool) {
	for _, c := range desc.Configs {
		for _, i := range c.Interfaces {
			for _, a := range i.AltSettings {
				if a.Class == adbClass && a.SubClass == adbSubclass && a.Protocol == adbProtocol {
					return c.Number, i.Number, a.Number, true
				}
			}
		}
	}
	return 0, 0, 0, false
}

// FindDevices enumerates all attached adb-capable devices.
func FindDevices() ([]Descriptor, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()

	var found []Descriptor
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if _, _, _, ok := adbInterface(desc); ok {
			found = append(found, Descriptor{
				VendorID:  uint16(desc.Vendor),
				ProductID: uint16(desc.Product),
				Bus:       desc.Bus,
				Address:   desc.Address,
			})
		}
		// Never open during enumeration.
		return false
	})
	for _, d := range devs {
		d.Close()
	}
	if err != nil {
		return nil, errors.Wrap(err, "error enumerating USB devices")
	}
	return found, nil
}

// Transport is an opened bulk endpoint pair. It satisfies the adb package's
// Transport contract.
type Transport struct {
	ctx     *gousb.Context
	dev     *gousb.Device
	intf    *gousb.Interface
	release func()

	in  *gousb.InEndpoint
	out *gousb.OutEndpoint

	// Endpoint max packet size; writes that are an exact multiple must be
	// followed by a zero-length packet to signal end-of-transfer.
	outPacketSize int
}

// Open claims the first device matching vendorID and productID. Pass zeros
// to open the first adb-capable device found.
func Open(vendorID, productID uint16) (*Transport, error) {
	ctx := gousb.NewContext()

	dev, err := openMatching(ctx, vendorID, productID)
	if err != nil {
		ctx.Close()
		return nil, err
	}

	t, err := claim(ctx, dev)
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, err
	}
	return t, nil
}

func openMatching(ctx *gousb.Context, vendorID, productID uint16) (*gousb.Device, error) {
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if vendorID != 0 && (uint16(desc.Vendor) != vendorID || uint16(desc.Product) != productID) {
			return false
		}
		_, _, _, ok := adbInterface(desc)
		return ok
	})
	if err != nil && len(devs) == 0 {
		return nil, errors.Wrap(err, "error opening USB device")
	}
	if len(devs) == 0 {
		return nil, errors.Errorf("no adb-capable USB device found (want %04x:%04x)", vendorID, productID)
	}
	// Only the first match is used.
	for _, d := range devs[1:] {
		d.Close()
	}
	return devs[0], nil
}

// claim acquires the adb interface and its endpoint pair. On failure it
// releases only what it acquired itself; dev and ctx stay owned by the
// caller until a Transport is returned.
func claim(ctx *gousb.Context, dev *gousb.Device) (*Transport, error) {
	cfgNum, intfNum, altNum, ok := adbInterface(dev.Desc)
	if !ok {
		return nil, errors.New("device has no adb interface")
	}

	if err := dev.SetAutoDetach(true); err != nil {
		return nil, errors.Wrap(err, "error detaching kernel driver")
	}
	cfg, err := dev.Config(cfgNum)
	if err != nil {
		return nil, errors.Wrapf(err, "error selecting config %d", cfgNum)
	}
	intf, err := cfg.Interface(intfNum, altNum)
	if err != nil {
		cfg.Close()
		return nil, errors.Wrapf(err, "error claiming interface %d", intfNum)
	}

	var (
		in            *gousb.InEndpoint
		out           *gousb.OutEndpoint
		outPacketSize int
	)
	for _, ep := range intf.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk || err != nil {
			continue
		}
		if ep.Direction == gousb.EndpointDirectionIn && in == nil {
			in, err = intf.InEndpoint(ep.Number)
		} else if ep.Direction == gousb.EndpointDirectionOut && out == nil {
			out, err = intf.OutEndpoint(ep.Number)
			outPacketSize = ep.MaxPacketSize
		}
	}
	if err == nil && (in == nil || out == nil) {
		err = errors.New("adb interface missing a bulk endpoint pair")
	}
	if err != nil {
		intf.Close()
		cfg.Close()
		return nil, errors.Wrap(err, "error opening bulk endpoints")
	}

	return &Transport{
		ctx:           ctx,
		dev:           dev,
		intf:          intf,
		release:       func() { cfg.Close() },
		in:            in,
		out:           out,
		outPacketSize: outPacketSize,
	}, nil
}

// ReadExact fills buf from the in endpoint, looping over short bulk reads.
func (t *Transport) ReadExact(buf []byte) error {
	for read := 0; read < len(buf); {
		n, err := t.in.Read(buf[read:])
		if err != nil {
			return errors.Wrapf(err, "bulk read after %d/%d bytes", read, len(buf))
		}
		read += n
	}
	return nil
}

// WriteExact sends buf on the out endpoint. A payload that is an exact
// multiple of the endpoint packet size is terminated with a zero-length
// packet so the device knows the transfer is complete.
func (t *Transport) WriteExact(buf []byte) error {
	for written := 0; written < len(buf); {
		n, err := t.out.Write(buf[written:])
		if err != nil {
			return errors.Wrapf(err, "bulk write after %d/%d bytes", written, len(buf))
		}
		written += n
	}
	if len(buf) > 0 && t.outPacketSize > 0 && len(buf)%t.outPacketSize == 0 {
		if _, err := t.out.Write(nil); err != nil {
			return errors.Wrap(err, "zero-length packet")
		}
	}
	return nil
}

// Close releases the interface and the device.
func (t *Transport) Close() error {
	if t.intf != nil {
		t.intf.Close()
	}
	if t.release != nil {
		t.release()
	}
	if t.dev != nil {
		t.dev.Close()
	}
	if t.ctx != nil {
		return t.ctx.Close()
	}
	return nil
}

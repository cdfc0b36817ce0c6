// mtpprobe lists USB devices exposing a still-image (PTP/MTP) class
// interface and prints their bulk and interrupt endpoint addresses.
// Useful for checking what a host sees once the gadget is configured.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/google/gousb"
)

func main() {
	vid := flag.Int("vid", 0, "filter by vendor ID (0 means any)")
	pid := flag.Int("pid", 0, "filter by product ID (0 means any)")
	flag.Parse()

	ctx := gousb.NewContext()
	defer ctx.Close()

	devs, err := ctx.OpenDevices(func(d *gousb.DeviceDesc) bool {
		if *vid != 0 && d.Vendor != gousb.ID(*vid) {
			return false
		}
		if *pid != 0 && d.Product != gousb.ID(*pid) {
			return false
		}
		return true
	})
	for _, d := range devs {
		defer d.Close()
	}
	if err != nil {
		// Some devices refuse to open; report what we could.
		fmt.Fprintf(os.Stderr, "open: %v\n", err)
	}

	found := 0
	for _, d := range devs {
		found += probe(d)
	}
	if found == 0 {
		fmt.Println("no still-image interfaces found")
	}
}

// pipeSet is the endpoint triple a still-image interface should carry.
// The event endpoint is optional; some gadgets omit it.
type pipeSet struct {
	bulkIn  *gousb.EndpointDesc
	bulkOut *gousb.EndpointDesc
	eventIn *gousb.EndpointDesc
}

// classify picks the protocol endpoints out of an alternate setting,
// or returns false if it is not a usable still-image interface.
func classify(alt gousb.InterfaceSetting) (pipeSet, bool) {
	if alt.Class != gousb.ClassPTP {
		return pipeSet{}, false
	}
	var ps pipeSet
	for _, ep := range alt.Endpoints {
		ep := ep
		switch {
		case ep.Direction == gousb.EndpointDirectionIn && ep.TransferType == gousb.TransferTypeBulk:
			ps.bulkIn = &ep
		case ep.Direction == gousb.EndpointDirectionOut && ep.TransferType == gousb.TransferTypeBulk:
			ps.bulkOut = &ep
		case ep.Direction == gousb.EndpointDirectionIn && ep.TransferType == gousb.TransferTypeInterrupt:
			ps.eventIn = &ep
		}
	}
	return ps, ps.bulkIn != nil && ps.bulkOut != nil
}

func probe(d *gousb.Device) int {
	found := 0
	for _, cfg := range d.Desc.Configs {
		for _, intf := range cfg.Interfaces {
			for _, alt := range intf.AltSettings {
				ps, ok := classify(alt)
				if !ok {
					continue
				}
				found++

				man, _ := d.Manufacturer()
				prod, _ := d.Product()
				fmt.Printf("%s %s (%04x:%04x) config %d interface %d alt %d\n",
					man, prod, uint16(d.Desc.Vendor), uint16(d.Desc.Product),
					cfg.Number, intf.Number, alt.Alternate)
				fmt.Printf("  bulk in  0x%02x maxpkt %d\n", uint8(ps.bulkIn.Address), ps.bulkIn.MaxPacketSize)
				fmt.Printf("  bulk out 0x%02x maxpkt %d\n", uint8(ps.bulkOut.Address), ps.bulkOut.MaxPacketSize)
				if ps.eventIn != nil {
					fmt.Printf("  event in 0x%02x maxpkt %d\n", uint8(ps.eventIn.Address), ps.eventIn.MaxPacketSize)
				}
			}
		}
	}
	return found
}

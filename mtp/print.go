package mtp

import (
	"fmt"
	"io"
	"strings"
)

func getName(m map[int]string, code int) string {
	n, ok := m[code]
	if !ok {
		n = fmt.Sprintf("0x%x", code)
	}
	return n
}

func getNames(m map[int]string, vals []uint16) string {
	r := []string{}
	for _, v := range vals {
		r = append(r, getName(m, int(v)))
	}
	return strings.Join(r, ", ")
}

// HexDump writes data to w in the classic offset/hex/ASCII layout.
func HexDump(w io.Writer, data []byte) {
	for off := 0; off < len(data); off += 16 {
		end := off + 16
		if end > len(data) {
			end = len(data)
		}
		line := data[off:end]

		fmt.Fprintf(w, "%04x ", off)
		for i := 0; i < 16; i++ {
			if i < len(line) {
				fmt.Fprintf(w, "%02x ", line[i])
			} else {
				fmt.Fprint(w, "   ")
			}
		}
		for _, c := range line {
			if c < 32 || c > 126 {
				c = '.'
			}
			fmt.Fprintf(w, "%c", c)
		}
		fmt.Fprintln(w)
	}
}

func (i *DeviceInfo) String() string {
	return fmt.Sprintf("stdv: %x, ext: %x, mtp: v%x, mtp ext: %q fmod: %x ops: %s "+
		"fmts: %s manu: %q model: %q devv: %q serno: %q",
		i.StandardVersion,
		i.MTPVendorExtensionID,
		i.MTPVersion,
		i.MTPExtension,
		i.FunctionalMode,
		getNames(OC_names, i.OperationsSupported),
		getNames(OFC_names, i.PlaybackFormats),
		i.Manufacturer,
		i.Model,
		i.DeviceVersion,
		i.SerialNumber)
}

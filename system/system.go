// Package system detects the host SoC and the properties the GPIO layer
// needs from it: the peripheral base address, the number of bank pins, and
// which pull-resistor register flavour the chip uses.
package system

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// Peripheral base addresses per SoC family.
const (
	base2835 uintptr = 0x2000_0000 // BCM2835 (Pi 1, Zero)
	base2836 uintptr = 0x3f00_0000 // BCM2836/BCM2837 (Pi 2, 3)
	base2711 uintptr = 0xfe00_0000 // BCM2711 (Pi 4)

	// GPIO register block offset within the peripheral range.
	GPIOOffset uintptr = 0x20_0000
)

// Board describes the detected SoC.
type Board struct {
	Model          string
	PeripheralBase uintptr
	Pins           uint8
	// Pull2711 selects the BCM2711 GPIO_PUP_PDN registers over the
	// BCM2835 GPPUD clocking sequence.
	Pull2711 bool
}

// Detect reads the device tree, falling back to /proc/cpuinfo, to identify
// the board. It fails only when neither source is readable.
func Detect() (*Board, error) {
	model := readModel()

	if b, err := os.ReadFile("/proc/device-tree/soc/ranges"); err == nil {
		if base, ok := parseRanges(b); ok {
			return boardFor(base, model), nil
		}
	}

	f, err := os.Open("/proc/cpuinfo")
	if err != nil {
		return nil, errors.Wrap(err, "system: no device tree or cpuinfo")
	}
	defer f.Close()

	base, ok := parseCPUInfo(f)
	if !ok {
		return nil, errors.New("system: unrecognised SoC")
	}
	return boardFor(base, model), nil
}

func boardFor(base uintptr, model string) *Board {
	b := &Board{Model: model, PeripheralBase: base, Pins: 54}
	if base == base2711 {
		b.Pins = 58
		b.Pull2711 = true
	}
	return b
}

func readModel() string {
	b, err := os.ReadFile("/proc/device-tree/model")
	if err != nil {
		return ""
	}
	return string(bytes.TrimRight(b, "\x00"))
}

// parseRanges extracts the peripheral bus base from the soc ranges
// property. The address cell moves with the cell sizes across Pi
// generations, so the known offsets are tried in order.
func parseRanges(b []byte) (uintptr, bool) {
	for _, off := range []int{4, 8, 12} {
		if off+4 > len(b) {
			break
		}
		if base := binary.BigEndian.Uint32(b[off : off+4]); base != 0 {
			return uintptr(base), true
		}
	}
	return 0, false
}

// parseCPUInfo maps the Hardware field of /proc/cpuinfo to a peripheral
// base address.
func parseCPUInfo(r io.Reader) (uintptr, bool) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "Hardware") {
			continue
		}
		_, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		switch strings.TrimSpace(val) {
		case "BCM2708", "BCM2835":
			return base2835, true
		case "BCM2709", "BCM2836", "BCM2710", "BCM2837":
			return base2836, true
		case "BCM2711":
			return base2711, true
		}
	}
	return 0, false
}

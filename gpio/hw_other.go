//go:build !linux

package gpio

import "gpiohost/errcode"

// New requires the Linux memory-mapped register and character-device
// interfaces. Use NewSim elsewhere.
func New() (*Gpio, error) {
	return nil, &errcode.E{C: errcode.Unsupported, Op: "gpio.New", Msg: "hardware access requires linux"}
}

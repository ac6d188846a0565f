//go:build !linux

package main

import (
	"fmt"

	"github.com/user/bluecore/radio"
)

func platformDriver(name, adapterID string) (radio.Driver, error) {
	if name == "bluez" {
		return nil, fmt.Errorf("the bluez driver needs linux")
	}
	return nil, fmt.Errorf("unknown driver %q", name)
}

//go:build linux

package main

import (
	"fmt"

	"github.com/user/bluecore/radio"
	"github.com/user/bluecore/radio/bluez"
)

func platformDriver(name, adapterID string) (radio.Driver, error) {
	if name != "bluez" {
		return nil, fmt.Errorf("unknown driver %q", name)
	}
	return bluez.New(bluez.Options{Adapter: adapterID}), nil
}

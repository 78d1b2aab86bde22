//go:build linux

package main

import (
	"fmt"

	"classbeacon/internal/ble/bluez"
	"classbeacon/internal/ble/stub"
	"classbeacon/pkg/interfaces"
)

const defaultRadio = "bluez"

func openRadio(name string) (interfaces.Radio, error) {
	switch name {
	case "bluez":
		return bluez.New(), nil
	case "stub":
		return stub.New(), nil
	}
	return nil, fmt.Errorf("unknown radio backend %q (want bluez or stub)", name)
}

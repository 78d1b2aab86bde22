//go:build !linux

package main

import (
	"fmt"

	"classbeacon/internal/ble/stub"
	"classbeacon/pkg/interfaces"
)

const defaultRadio = "stub"

func openRadio(name string) (interfaces.Radio, error) {
	if name == "stub" {
		return stub.New(), nil
	}
	return nil, fmt.Errorf("radio backend %q is not available on this platform", name)
}

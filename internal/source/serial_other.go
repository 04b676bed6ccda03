//go:build !linux

package source

import (
	"io"
	"time"

	"go.bug.st/serial"
)

// go.bug.st/serial reports a read timeout as (0, nil).
const serialEOFIsTimeout = false

func openSerial(path string, baud int, readTimeout time.Duration) (io.ReadCloser, error) {
	port, err := serial.Open(path, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, err
	}
	if readTimeout < 0 {
		readTimeout = 0
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		_ = port.Close()
		return nil, err
	}
	return port, nil
}

// autoDetectDevice picks the first port the OS enumerates (COM3, /dev/cu.usbmodem...).
func autoDetectDevice() string {
	ports, err := serial.GetPortsList()
	if err != nil || len(ports) == 0 {
		return ""
	}
	return ports[0]
}

package console

import (
	"github.com/bitrise-steplib/steps-nrf91-hil-test/failure"
	"go.bug.st/serial"
)

// DefaultBaudRate of the nRF9160 DK virtual COM port.
const DefaultBaudRate = 115200

// OpenSerial opens the UART console of the device as 8N1.
func OpenSerial(device string, baudRate int) (serial.Port, error) {
	if baudRate <= 0 {
		baudRate = DefaultBaudRate
	}

	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, failure.Wrapf(failure.ConnectionError, err, "failed to open serial port %s", device)
	}
	return port, nil
}

// SerialPorts lists the serial devices present on the host.
func SerialPorts() ([]string, error) {
	return serial.GetPortsList()
}

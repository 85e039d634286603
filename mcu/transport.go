/*
wildcam-power - Power management for the WildCAM solar field camera
Copyright (C) 2025, The WildCAM Project

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program. If not, see <http://www.gnu.org/licenses/>.
*/

package mcu

import (
	"fmt"
	"time"

	"github.com/sigurn/crc8"
	"github.com/tarm/serial"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

const (
	// Default I2C address of the power board.
	DefaultI2CAddress = 0x26

	serialReadTimeout = 500 * time.Millisecond
)

// Transport moves one request/response frame to the power board.
// Implementations append a CRC to the write and verify the CRC on the
// read, the payload returned has the CRC stripped.
type Transport interface {
	Tx(write []byte, readLen int) ([]byte, error)
}

var crcTable = crc8.MakeTable(crc8.Params{
	Poly:   0x31, // Polynomial 1 + x^4 + x^5 + x^8
	Init:   0xFF,
	RefIn:  false,
	RefOut: false,
	XorOut: 0x00,
})

func appendCRC(data []byte) []byte {
	return append(data, crc8.Checksum(data, crcTable))
}

func stripCRC(frame []byte) ([]byte, error) {
	if len(frame) < 1 {
		return nil, fmt.Errorf("frame too short for CRC")
	}
	payload := frame[:len(frame)-1]
	received := frame[len(frame)-1]
	if calculated := crc8.Checksum(payload, crcTable); calculated != received {
		return nil, fmt.Errorf("CRC mismatch: received 0x%02X, calculated 0x%02X", received, calculated)
	}
	return payload, nil
}

// I2CTransport talks to the power board over the I2C bus.
type I2CTransport struct {
	dev i2c.Dev
	bus i2c.BusCloser
}

// OpenI2C opens the named I2C bus ("" selects the first available) and
// returns a transport for the board at the given address.
func OpenI2C(busName string, address uint16) (*I2CTransport, error) {
	if _, err := host.Init(); err != nil {
		return nil, err
	}
	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, err
	}
	return &I2CTransport{
		dev: i2c.Dev{Bus: bus, Addr: address},
		bus: bus,
	}, nil
}

func (t *I2CTransport) Tx(write []byte, readLen int) ([]byte, error) {
	read := make([]byte, frameLen(readLen))
	if err := t.dev.Tx(appendCRC(write), read); err != nil {
		return nil, err
	}
	if readLen == 0 {
		return []byte{}, nil
	}
	return stripCRC(read)
}

func (t *I2CTransport) Close() error {
	return t.bus.Close()
}

// SerialTransport talks to the power board over a UART, for hardware
// revisions where the I2C lines are not routed.
type SerialTransport struct {
	port *serial.Port
}

func OpenSerial(device string, baud int) (*SerialTransport, error) {
	port, err := serial.OpenPort(&serial.Config{
		Name:        device,
		Baud:        baud,
		ReadTimeout: serialReadTimeout,
	})
	if err != nil {
		return nil, err
	}
	return &SerialTransport{port: port}, nil
}

func (t *SerialTransport) Tx(write []byte, readLen int) ([]byte, error) {
	if _, err := t.port.Write(appendCRC(write)); err != nil {
		return nil, err
	}
	if readLen == 0 {
		return []byte{}, nil
	}
	buf := make([]byte, frameLen(readLen))
	total := 0
	for total < len(buf) {
		n, err := t.port.Read(buf[total:])
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, fmt.Errorf("timeout reading response, got %d of %d bytes", total, len(buf))
		}
		total += n
	}
	return stripCRC(buf)
}

func (t *SerialTransport) Close() error {
	return t.port.Close()
}

func frameLen(payloadLen int) int {
	if payloadLen == 0 {
		return 0
	}
	return payloadLen + 1
}

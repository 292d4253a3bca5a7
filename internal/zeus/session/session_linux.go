//go:build linux

package session

import (
	"fmt"
	"time"

	serial "github.com/daedaluz/goserial"
)

// goserialConn adapts a *serial.Port to the Conn interface.
type goserialConn struct {
	port *serial.Port
}

func (c *goserialConn) Read(p []byte) (int, error)                       { return c.port.Read(p) }
func (c *goserialConn) ReadTimeout(p []byte, d time.Duration) (int, error) { return c.port.ReadTimeout(p, d) }
func (c *goserialConn) Write(p []byte) (int, error)                      { return c.port.Write(p) }
func (c *goserialConn) Close() error                                     { return c.port.Close() }
func (c *goserialConn) Fd() int                                          { return c.port.Fd() }
func (c *goserialConn) FlushInput() error                                { return c.port.Flush(serial.TCIFLUSH) }

// OpenTTY opens devicePath as an 8-N-1 raw serial line at baud. It is the
// default OpenFunc used by production code; tests inject their own fake.
func OpenTTY(devicePath string, baud int) (Conn, error) {
	opts := serial.NewOptions()
	port, err := serial.Open(devicePath, opts)
	if err != nil {
		return nil, fmt.Errorf("session: open %s: %w", devicePath, err)
	}

	if err := port.MakeRaw(); err != nil {
		port.Close()
		return nil, fmt.Errorf("session: set raw mode on %s: %w", devicePath, err)
	}

	speed, err := baudToCFlag(baud)
	if err != nil {
		port.Close()
		return nil, err
	}

	attrs, err := port.GetAttr()
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("session: get attrs on %s: %w", devicePath, err)
	}
	attrs.SetSpeed(speed)
	attrs.Cflag |= serial.CREAD | serial.CLOCAL
	if err := port.SetAttr(serial.TCSANOW, attrs); err != nil {
		port.Close()
		return nil, fmt.Errorf("session: set attrs on %s: %w", devicePath, err)
	}

	return &goserialConn{port: port}, nil
}

func baudToCFlag(baud int) (serial.CFlag, error) {
	switch baud {
	case 9600:
		return serial.B9600, nil
	case 19200:
		return serial.B19200, nil
	case 38400:
		return serial.B38400, nil
	case 57600:
		return serial.B57600, nil
	case 115200:
		return serial.B115200, nil
	case 230400:
		return serial.B230400, nil
	default:
		return 0, fmt.Errorf("session: unsupported baud rate %d", baud)
	}
}

package alp

import (
	"fmt"
	"io"

	"github.com/postalsys/alpd/internal/lorawan"
	"github.com/postalsys/alpd/internal/session"
)

// InterfaceConfig is the per-interface operand of a forward action. The set
// of implementations is closed.
type InterfaceConfig interface {
	Interface() InterfaceID
	AppendBinary(dst []byte) []byte
	interfaceConfig()
}

// HostConfig forwards to the local host. It has no operand.
type HostConfig struct{}

// Interface implements InterfaceConfig.
func (HostConfig) Interface() InterfaceID { return InterfaceHost }

// AppendBinary implements InterfaceConfig.
func (HostConfig) AppendBinary(dst []byte) []byte { return dst }

func (HostConfig) interfaceConfig() {}

// SerialConfig forwards to the serial modem interface. It has no operand.
type SerialConfig struct{}

// Interface implements InterfaceConfig.
func (SerialConfig) Interface() InterfaceID { return InterfaceSerial }

// AppendBinary implements InterfaceConfig.
func (SerialConfig) AppendBinary(dst []byte) []byte { return dst }

func (SerialConfig) interfaceConfig() {}

// D7ASPConfig forwards over a D7A session.
type D7ASPConfig struct {
	session.Config
}

// Interface implements InterfaceConfig.
func (D7ASPConfig) Interface() InterfaceID { return InterfaceD7ASP }

func (D7ASPConfig) interfaceConfig() {}

// OTAAConfig forwards over LoRaWAN with over-the-air activation.
type OTAAConfig struct {
	lorawan.OTAAConfig
}

// Interface implements InterfaceConfig.
func (OTAAConfig) Interface() InterfaceID { return InterfaceLoRaWANOTAA }

func (OTAAConfig) interfaceConfig() {}

// ABPConfig forwards over LoRaWAN with activation by personalization.
type ABPConfig struct {
	lorawan.ABPConfig
}

// Interface implements InterfaceConfig.
func (ABPConfig) Interface() InterfaceID { return InterfaceLoRaWANABP }

func (ABPConfig) interfaceConfig() {}

// ReadInterfaceConfig decodes the operand that follows interface id itf.
func ReadInterfaceConfig(r io.Reader, itf InterfaceID) (InterfaceConfig, error) {
	switch itf {
	case InterfaceHost:
		return HostConfig{}, nil
	case InterfaceSerial:
		return SerialConfig{}, nil
	case InterfaceD7ASP:
		c, err := session.ReadConfig(r)
		if err != nil {
			return nil, err
		}
		return D7ASPConfig{c}, nil
	case InterfaceLoRaWANOTAA:
		c, err := lorawan.ReadOTAAConfig(r)
		if err != nil {
			return nil, err
		}
		return OTAAConfig{c}, nil
	case InterfaceLoRaWANABP:
		c, err := lorawan.ReadABPConfig(r)
		if err != nil {
			return nil, err
		}
		return ABPConfig{c}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedInterface, itf)
	}
}

// AppendInterfaceFile appends the content of an interface file: the
// interface id followed by its configuration.
func AppendInterfaceFile(dst []byte, cfg InterfaceConfig) []byte {
	return cfg.AppendBinary(append(dst, byte(cfg.Interface())))
}

// ReadInterfaceFile decodes the content of an interface file.
func ReadInterfaceFile(r Reader) (InterfaceConfig, error) {
	itf, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: interface id: %v", ErrTruncated, err)
	}
	return ReadInterfaceConfig(r, InterfaceID(itf))
}

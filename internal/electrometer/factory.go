package electrometer

import (
	"fmt"

	"github.com/KevinKickass/ElectrometerCSC/internal/config"
	"github.com/KevinKickass/ElectrometerCSC/internal/transport"
	"github.com/KevinKickass/ElectrometerCSC/internal/types"
	"go.uber.org/zap"
)

// TransportFactory builds the transport a settings document asks for.
type TransportFactory func(s config.Settings) (transport.Transport, error)

// NewTransportFactory returns the production factory. In simulation mode every
// settings document gets an in-process mock instrument.
func NewTransportFactory(opts transport.Options, simulate bool, logger *zap.Logger) TransportFactory {
	return func(s config.Settings) (transport.Transport, error) {
		if simulate {
			return transport.NewMock(nil), nil
		}

		o := opts
		if t := s.CommandTimeout(); t > 0 {
			o.CommandTimeout = t
		}
		o.ReadQuota = s.ReadQuota

		switch s.ConnectionType {
		case "tcp":
			return transport.NewTCP(s.TCPHost, s.TCPPort, o, logger), nil
		case "serial", "":
			return transport.NewSerial(transport.SerialConfig{
				Path:        s.SerialPort,
				BaudRate:    s.Baudrate,
				Parity:      s.Parity,
				DataBits:    s.ByteSize,
				StopBits:    s.StopBits,
				FlowControl: s.FlowControl,
			}, o, logger), nil
		}
		return nil, fmt.Errorf("%w: connection type %q", types.ErrConfigurationInvalid, s.ConnectionType)
	}
}

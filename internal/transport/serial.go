package transport

import (
	"fmt"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"github.com/g960059/nodeadm/internal/config"
)

// Open opens the configured serial device. Reads block until data arrives
// or the port is closed.
func Open(cfg config.Config, logger *zap.Logger) (*Port, error) {
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	sp, err := serial.Open(cfg.SerialPort, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", cfg.SerialPort, err)
	}
	if logger != nil {
		logger.Info("serial port opened",
			zap.String("port", cfg.SerialPort),
			zap.Int("baud", cfg.BaudRate))
	}
	return NewPort(sp, OptionsFromConfig(cfg), logger), nil
}

// ListPorts returns the serial devices present on this host.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}
	return ports, nil
}

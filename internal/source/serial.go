package source

import (
	"fmt"
	"io"
)

// PortAuto asks the serial source to pick the first USB serial device.
const PortAuto = "auto"

type serialSource struct {
	port io.ReadCloser
	*lineReader
}

func openSerialSource(cfg Config) (Source, error) {
	if cfg.Port == "" || cfg.Port == PortAuto {
		cfg.Port = autoDetectDevice()
		if cfg.Port == "" {
			return nil, fmt.Errorf("auto-detect failed: no serial device found")
		}
	}
	port, err := openSerial(cfg.Port, cfg.Baud, cfg.ReadTimeout)
	if err != nil {
		return nil, err
	}
	lr := newLineReader(port, cfg.MaxLineBytes)
	lr.eofIsTimeout = serialEOFIsTimeout
	if serialEOFIsTimeout && cfg.ReadTimeout > 0 {
		lr.eofMinWait = cfg.ReadTimeout / 2
	}
	return &serialSource{port: port, lineReader: lr}, nil
}

func (s *serialSource) Close() error {
	return s.port.Close()
}

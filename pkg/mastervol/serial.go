package mastervol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jacobsa/go-serial/serial"
	"go.uber.org/zap"
)

// SerialIO reads knob state events from a serial port
type SerialIO struct {
	mastervol *Mastervol
	logger    *zap.SugaredLogger

	stopChannel chan bool
	mu          sync.Mutex // Protects connected, conn, and connOptions
	connected   bool
	stopping    bool
	connOptions serial.OpenOptions
	conn        io.ReadWriteCloser
}

const (
	// Delay between serial reconnection attempts
	serialRetryDelay = 2 * time.Second

	// timeout between characters before a read operation returns (milliseconds)
	serialInterCharacterTimeout = 50
)

var ansiRegexp = regexp.MustCompile(`\x1b\[[0-9;]*m`)
var jsonLogRegexp = regexp.MustCompile(`\[[A-Z]\]\[json:\d+\]:\s*(\{.*\})`)

func stripANSI(s string) string {
	return ansiRegexp.ReplaceAllString(s, "")
}

// NewSerialIO creates a SerialIO instance that uses the provided instance's connection info
func NewSerialIO(mastervol *Mastervol, logger *zap.SugaredLogger) (*SerialIO, error) {
	logger = logger.Named("serial")

	sio := &SerialIO{
		mastervol:   mastervol,
		logger:      logger,
		stopChannel: make(chan bool),
	}

	logger.Debug("Created serial i/o instance")

	return sio, nil
}

// IsConnected returns whether the serial connection is currently active
func (sio *SerialIO) IsConnected() bool {
	sio.mu.Lock()
	defer sio.mu.Unlock()
	return sio.connected
}

// Start connects to the configured port and keeps reconnecting until Stop is called
func (sio *SerialIO) Start() error {
	sio.mu.Lock()
	if sio.connected {
		sio.mu.Unlock()
		return errors.New("serial: already running")
	}
	sio.stopping = false
	sio.mu.Unlock()

	if err := sio.connect(sio.logger); err != nil {
		return fmt.Errorf("serial initial connect error: %w", err)
	}

	go func() {
		for {
			if err := sio.run(sio.logger); err != nil {
				sio.logger.Warnw("Serial connection lost", "error", err.Error())
			}

			sio.close(sio.logger)

			sio.mu.Lock()
			stopping := sio.stopping
			sio.mu.Unlock()
			if stopping {
				return
			}

			select {
			case <-sio.stopChannel:
				return
			case <-time.After(serialRetryDelay):
			}

			if sio.mastervol.config.Snapshot().ConnectionInfo.SerialPort == "" {
				sio.logger.Info("Serial port unset in config, not reconnecting")
				return
			}

			for {
				err := sio.connect(sio.logger)
				if err == nil {
					break
				}

				sio.logger.Warnw("Serial reconnect failed", "error", err.Error())

				sio.mu.Lock()
				stopping := sio.stopping
				sio.mu.Unlock()
				if stopping {
					return
				}

				select {
				case <-sio.stopChannel:
					return
				case <-time.After(serialRetryDelay):
				}
			}
		}
	}()

	return nil
}

func (sio *SerialIO) connect(logger *zap.SugaredLogger) error {
	sio.mu.Lock()
	if sio.connected {
		sio.mu.Unlock()
		return errors.New("already connected")
	}

	connectionInfo := sio.mastervol.config.Snapshot().ConnectionInfo
	sio.connOptions = serial.OpenOptions{
		PortName:              connectionInfo.SerialPort,
		BaudRate:              uint(connectionInfo.SerialBaudRate),
		DataBits:              8,
		StopBits:              1,
		MinimumReadSize:       0,
		InterCharacterTimeout: serialInterCharacterTimeout,
	}
	portName := sio.connOptions.PortName
	baudRate := sio.connOptions.BaudRate
	options := sio.connOptions
	sio.mu.Unlock()

	logger.Debugw("Attempting serial connection", "port", portName, "baud", baudRate)

	conn, err := serial.Open(options)
	if err != nil {
		// Provide more detailed error messages for common issues
		errMsg := err.Error()
		if strings.Contains(errMsg, "access is denied") || strings.Contains(errMsg, "permission denied") {
			logger.Errorw("Serial port access denied - port may be in use by another application",
				"port", portName, "error", err)
			return fmt.Errorf("serial port %s is busy or access denied: %w", portName, err)
		}
		if strings.Contains(errMsg, "no such file") || strings.Contains(errMsg, "cannot find") {
			logger.Errorw("Serial port does not exist - check port name in configuration",
				"port", portName, "error", err)
			return fmt.Errorf("serial port %s does not exist: %w", portName, err)
		}
		logger.Errorw("Failed to open serial port", "port", portName, "error", err)
		return fmt.Errorf("open serial port %s: %w", portName, err)
	}

	sio.mu.Lock()
	sio.conn = conn
	sio.connected = true
	sio.mu.Unlock()

	logger.Infow("Connected to serial port", "port", portName)

	return nil
}

func (sio *SerialIO) run(logger *zap.SugaredLogger) error {
	sio.mu.Lock()
	conn := sio.conn
	sio.mu.Unlock()

	if conn == nil {
		return errors.New("cannot run: connection is nil")
	}

	lineChannel := sio.readLine(logger, bufio.NewReader(conn))

	for {
		select {
		case <-sio.stopChannel:
			return nil

		case line, ok := <-lineChannel:
			if !ok {
				return errors.New("serial connection lost")
			}
			sio.handleLine(logger, line)
		}
	}
}

// Stop signals us to shut down our serial connection, if one is active
func (sio *SerialIO) Stop() {
	sio.mu.Lock()
	connected := sio.connected
	sio.stopping = true
	sio.mu.Unlock()

	if connected {
		sio.logger.Debug("Shutting down serial connection")

		select {
		case sio.stopChannel <- true:
		case <-time.After(serialRetryDelay):
			sio.logger.Warn("Serial reader didn't acknowledge stop in time")
		}
	} else {
		sio.logger.Debug("Not currently connected, nothing to stop")
	}
}

// WaitForStop waits for the connection to be fully stopped
func (sio *SerialIO) WaitForStop(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !sio.IsConnected() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func (sio *SerialIO) close(logger *zap.SugaredLogger) {
	sio.mu.Lock()
	conn := sio.conn
	portName := sio.connOptions.PortName
	sio.conn = nil
	sio.connected = false
	sio.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			logger.Warnw("Failed to close serial connection", "port", portName, "error", err.Error())
		} else {
			logger.Infow("Serial connection closed", "port", portName)
		}
	}
}

func (sio *SerialIO) readLine(logger *zap.SugaredLogger, reader *bufio.Reader) chan string {
	ch := make(chan string)

	go func() {
		defer close(ch) // Ensure channel is closed when goroutine exits
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err != io.EOF {
					logger.Infow("Serial read error, connection may be lost", "error", err)
				} else if sio.mastervol.Verbose() {
					logger.Debugw("Serial read EOF", "error", err)
				}
				return
			}

			if sio.mastervol.Verbose() {
				logger.Debugw("Read new line", "line", line)
			}

			select {
			case ch <- line:
			case <-sio.stopChannel:
				return
			}
		}
	}()

	return ch
}

// handleLine accepts either a bare JSON state event or one wrapped in an ESPHome log line
func (sio *SerialIO) handleLine(logger *zap.SugaredLogger, line string) {
	clean := stripANSI(line)
	trimmed := strings.TrimSpace(clean)

	if len(trimmed) > 0 && trimmed[0] == '{' && trimmed[len(trimmed)-1] == '}' {
		sio.mastervol.handleStateEvent(logger, []byte(trimmed))
		return
	}

	m := jsonLogRegexp.FindStringSubmatch(clean)
	if m == nil {
		return // Not our format
	}

	if sio.mastervol.Verbose() {
		logger.Debugw("JSON payload received from log format", "json", m[1])
	}

	sio.mastervol.handleStateEvent(logger, []byte(m[1]))
}

package agent

import (
	"crypto/md5" //nolint:gosec // Checksum reported to clients, not a security control
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"
)

// Command names understood by the simulator.
const (
	CmdDetectChip         = "detect_chip"
	CmdReadFlash          = "read_flash"
	CmdWriteFlash         = "write_flash"
	CmdGetDeviceInfo      = "get_device_info"
	CmdListSupportedChips = "list_supported_chips"
	CmdEcho               = "echo"

	// CmdReadChip is the bare-string form of read_flash. Its result is a
	// hex dump string instead of an object.
	CmdReadChip = "READ_CHIP"
)

const (
	firmwareVersion = "V1.8"
	manufacturer    = "THAI-DEV"

	defaultFlashSize = 64 << 10
	defaultReadSize  = 1024
	readChipSize     = 256
	maxReadSize      = 128 << 10
)

// ErrUnknownCommand is returned for commands the simulator does not know.
var ErrUnknownCommand = errors.New("unknown command")

// Chip describes a supported memory chip.
type Chip struct {
	Name      string `json:"name"`
	Interface string `json:"interface"`
	Size      int    `json:"size"`
}

// SupportedChips is the chip catalogue reported by list_supported_chips.
var SupportedChips = []Chip{
	{Name: "24C01", Interface: "I2C", Size: 128},
	{Name: "24C64", Interface: "I2C", Size: 8192},
	{Name: "25Q32", Interface: "SPI", Size: 4194304},
	{Name: "93C46", Interface: "MICROWIRE", Size: 1024},
	{Name: "M95010", Interface: "SPI", Size: 1024},
}

var chipVendors = map[string]string{
	"24C01":  "Microchip",
	"24C64":  "Microchip",
	"25Q32":  "Winbond",
	"93C46":  "Atmel",
	"M95010": "ST",
}

// request is the object form of a command payload.
type request struct {
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Simulator emulates an RT809F programmer with a flash image in memory.
//
// The detected chip is derived from the device ID, so a given device
// always reports the same chip.
type Simulator struct {
	deviceID string
	serial   string
	chip     Chip
	latency  time.Duration
	echo     bool

	mu    sync.Mutex
	flash []byte
}

// SimulatorOptions configures a Simulator.
type SimulatorOptions struct {
	// Latency is added to every command.
	Latency time.Duration

	// Echo returns every payload verbatim instead of interpreting it.
	Echo bool

	// FlashSize is the size of the simulated flash image in bytes.
	FlashSize int
}

// NewSimulator creates a simulator for deviceID with an erased (0xFF) flash.
func NewSimulator(deviceID string, opts SimulatorOptions) *Simulator {
	size := opts.FlashSize
	if size <= 0 {
		size = defaultFlashSize
	}
	flash := make([]byte, size)
	for i := range flash {
		flash[i] = 0xFF
	}

	h := fnv.New32a()
	h.Write([]byte(deviceID)) //nolint:errcheck // hash.Hash never returns an error
	sum := h.Sum32()

	return &Simulator{
		deviceID: deviceID,
		serial:   fmt.Sprintf("SN%08X", sum),
		chip:     SupportedChips[int(sum%uint32(len(SupportedChips)))],
		latency:  opts.Latency,
		echo:     opts.Echo,
		flash:    flash,
	}
}

// Execute runs one command payload and returns the result payload.
//
// The payload is either a JSON string naming the command ("READ_CHIP",
// "detect_chip") or an object {"command": ..., "parameters": {...}}.
//
// Returns:
//   - json.RawMessage: Result to send back to the bridge
//   - error: Device-level failure, reported to the bridge as an error frame
func (s *Simulator) Execute(payload json.RawMessage) (json.RawMessage, error) {
	if s.latency > 0 {
		time.Sleep(s.latency)
	}
	if s.echo {
		return payload, nil
	}

	req, err := parseRequest(payload)
	if err != nil {
		return nil, err
	}

	var result any
	switch req.Command {
	case CmdReadChip:
		result = s.readChip()
	case CmdDetectChip:
		result = s.detectChip()
	case CmdReadFlash:
		result, err = s.readFlash(req.Parameters)
	case CmdWriteFlash:
		result, err = s.writeFlash(req.Parameters)
	case CmdGetDeviceInfo:
		result = s.deviceInfo()
	case CmdListSupportedChips:
		result = map[string]any{"chips": SupportedChips}
	case CmdEcho:
		result = req.Parameters
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, req.Command)
	}
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return data, nil
}

func parseRequest(payload json.RawMessage) (request, error) {
	var name string
	if err := json.Unmarshal(payload, &name); err == nil {
		return request{Command: strings.TrimSpace(name)}, nil
	}

	var req request
	if err := json.Unmarshal(payload, &req); err != nil {
		return request{}, fmt.Errorf("payload is neither a command name nor a command object: %w", err)
	}
	if req.Command == "" {
		return request{}, fmt.Errorf("command object without a command")
	}
	return req, nil
}

// readChip returns a hex dump of the start of the flash image.
func (s *Simulator) readChip() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := min(readChipSize, len(s.flash))
	return hex.Dump(s.flash[:n])
}

func (s *Simulator) detectChip() map[string]any {
	return map[string]any{
		"chipFound":    true,
		"chipType":     s.chip.Name,
		"size":         s.chip.Size,
		"interface":    s.chip.Interface,
		"manufacturer": chipVendors[s.chip.Name],
	}
}

func (s *Simulator) readFlash(params map[string]any) (map[string]any, error) {
	address, err := intParam(params, "address", 0)
	if err != nil {
		return nil, err
	}
	size, err := intParam(params, "size", defaultReadSize)
	if err != nil {
		return nil, err
	}
	if size <= 0 || size > maxReadSize {
		return nil, fmt.Errorf("read size %d out of range (1-%d)", size, maxReadSize)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if address < 0 || address+size > len(s.flash) {
		return nil, fmt.Errorf("read of %d bytes at 0x%X exceeds flash size %d", size, address, len(s.flash))
	}
	data := s.flash[address : address+size]
	sum := md5.Sum(data) //nolint:gosec // See import

	return map[string]any{
		"address":  address,
		"size":     size,
		"data":     base64.StdEncoding.EncodeToString(data),
		"checksum": hex.EncodeToString(sum[:]),
	}, nil
}

// writeFlash writes base64 "data" at "address". Without data it simulates
// a write of "dataSize" bytes and leaves the image unchanged.
func (s *Simulator) writeFlash(params map[string]any) (map[string]any, error) {
	address, err := intParam(params, "address", 0)
	if err != nil {
		return nil, err
	}

	raw, _ := params["data"].(string)
	if raw == "" {
		size, err := intParam(params, "dataSize", 0)
		if err != nil {
			return nil, err
		}
		return map[string]any{"success": true, "bytesWritten": size, "verificationPassed": true}, nil
	}

	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("data is not valid base64: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if address < 0 || address+len(data) > len(s.flash) {
		return nil, fmt.Errorf("write of %d bytes at 0x%X exceeds flash size %d", len(data), address, len(s.flash))
	}
	copy(s.flash[address:], data)

	return map[string]any{
		"success":            true,
		"bytesWritten":       len(data),
		"verificationPassed": true,
	}, nil
}

func (s *Simulator) deviceInfo() map[string]any {
	return map[string]any{
		"deviceID":        s.deviceID,
		"name":            "RT809F Programmer " + s.deviceID,
		"type":            "rt809f",
		"firmwareVersion": firmwareVersion,
		"serialNumber":    s.serial,
		"manufacturer":    manufacturer,
		"capabilities": []string{
			"flash_read", "flash_write", "chip_detect",
			"eeprom_program", "spi_interface", "i2c_interface",
		},
		"supportedChips": []string{"24Cxx", "25Qxx", "93Cxx", "M95xxx"},
	}
}

// intParam reads an integer parameter. JSON numbers decode as float64.
func intParam(params map[string]any, name string, def int) (int, error) {
	v, ok := params[name]
	if !ok || v == nil {
		return def, nil
	}
	f, ok := v.(float64)
	if !ok || f != float64(int(f)) {
		return 0, fmt.Errorf("parameter %s must be an integer", name)
	}
	return int(f), nil
}

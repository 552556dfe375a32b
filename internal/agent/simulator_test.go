package agent

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func execute(t *testing.T, s *Simulator, payload string) map[string]any {
	t.Helper()
	out, err := s.Execute(json.RawMessage(payload))
	if err != nil {
		t.Fatalf("Execute(%s) error = %v", payload, err)
	}
	var m map[string]any
	if err := json.Unmarshal(out, &m); err != nil {
		t.Fatalf("Execute(%s) result %s is not an object: %v", payload, out, err)
	}
	return m
}

func TestSimulator_ReadChip(t *testing.T) {
	s := NewSimulator("rt809f_001", SimulatorOptions{})

	out, err := s.Execute(json.RawMessage(`"READ_CHIP"`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	var dump string
	if err := json.Unmarshal(out, &dump); err != nil {
		t.Fatalf("result %s is not a string: %v", out, err)
	}
	if !strings.HasPrefix(dump, "00000000  ff ff ff ff") {
		t.Errorf("dump starts %q, want erased flash", dump[:min(len(dump), 40)])
	}
	if lines := strings.Count(dump, "\n"); lines != readChipSize/16 {
		t.Errorf("dump has %d lines, want %d", lines, readChipSize/16)
	}
}

func TestSimulator_DetectChipIsStable(t *testing.T) {
	a := execute(t, NewSimulator("rt809f_001", SimulatorOptions{}), `"detect_chip"`)
	b := execute(t, NewSimulator("rt809f_001", SimulatorOptions{}), `{"command":"detect_chip"}`)

	if a["chipFound"] != true {
		t.Errorf("chipFound = %v", a["chipFound"])
	}
	if a["chipType"] != b["chipType"] {
		t.Errorf("chipType differs between runs: %v vs %v", a["chipType"], b["chipType"])
	}
	if a["manufacturer"] == "" || a["manufacturer"] == nil {
		t.Error("manufacturer missing")
	}
}

func TestSimulator_WriteThenRead(t *testing.T) {
	s := NewSimulator("dev", SimulatorOptions{FlashSize: 4096})
	data := []byte("hello rt809f")
	enc := base64.StdEncoding.EncodeToString(data)

	w := execute(t, s, `{"command":"write_flash","parameters":{"address":16,"data":"`+enc+`"}}`)
	if w["bytesWritten"] != float64(len(data)) || w["success"] != true {
		t.Errorf("write result = %v", w)
	}

	r := execute(t, s, `{"command":"read_flash","parameters":{"address":16,"size":12}}`)
	got, err := base64.StdEncoding.DecodeString(r["data"].(string))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(data) {
		t.Errorf("read back %q, want %q", got, data)
	}
	if len(r["checksum"].(string)) != 32 {
		t.Errorf("checksum = %v", r["checksum"])
	}
}

func TestSimulator_WriteSizeOnly(t *testing.T) {
	s := NewSimulator("dev", SimulatorOptions{})
	w := execute(t, s, `{"command":"write_flash","parameters":{"dataSize":512}}`)
	if w["bytesWritten"] != 512.0 || w["verificationPassed"] != true {
		t.Errorf("write result = %v", w)
	}
}

func TestSimulator_InfoAndChips(t *testing.T) {
	s := NewSimulator("rt809f_002", SimulatorOptions{})

	info := execute(t, s, `"get_device_info"`)
	if info["deviceID"] != "rt809f_002" || info["firmwareVersion"] != firmwareVersion {
		t.Errorf("info = %v", info)
	}
	if serial, _ := info["serialNumber"].(string); !strings.HasPrefix(serial, "SN") {
		t.Errorf("serialNumber = %v", info["serialNumber"])
	}

	chips := execute(t, s, `"list_supported_chips"`)
	if list, _ := chips["chips"].([]any); len(list) != len(SupportedChips) {
		t.Errorf("chips = %v", chips["chips"])
	}
}

func TestSimulator_Errors(t *testing.T) {
	s := NewSimulator("dev", SimulatorOptions{FlashSize: 1024})

	tests := []struct {
		name    string
		payload string
		target  error
	}{
		{"unknown command", `"format_disk"`, ErrUnknownCommand},
		{"unknown object command", `{"command":"erase_all"}`, ErrUnknownCommand},
		{"object without command", `{"parameters":{}}`, nil},
		{"not a command", `42`, nil},
		{"read past end", `{"command":"read_flash","parameters":{"address":1000,"size":100}}`, nil},
		{"read size zero", `{"command":"read_flash","parameters":{"size":0}}`, nil},
		{"fractional size", `{"command":"read_flash","parameters":{"size":1.5}}`, nil},
		{"bad base64", `{"command":"write_flash","parameters":{"data":"!!!"}}`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Execute(json.RawMessage(tt.payload))
			if err == nil {
				t.Fatal("Execute() error = nil")
			}
			if tt.target != nil && !errors.Is(err, tt.target) {
				t.Errorf("Execute() error = %v, want %v", err, tt.target)
			}
		})
	}
}

func TestSimulator_Echo(t *testing.T) {
	s := NewSimulator("dev", SimulatorOptions{Echo: true})
	payload := `{"anything":[1,2,3]}`
	out, err := s.Execute(json.RawMessage(payload))
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != payload {
		t.Errorf("Execute() = %s, want %s", out, payload)
	}

	// Without echo mode, the echo command returns its parameters
	e := execute(t, NewSimulator("dev", SimulatorOptions{}), `{"command":"echo","parameters":{"x":1}}`)
	if e["x"] != 1.0 {
		t.Errorf("echo = %v", e)
	}
}

package process

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/loykin/proxyprobe/internal/ports"
)

// Inbound tags whose ports are rewritten before launch.
const (
	DataInboundTag    = "socks"
	ControlInboundTag = "api"
)

// ErrNoDataInbound means the payload has no inbound the probe could route through.
var ErrNoDataInbound = errors.New("payload has no socks inbound")

// PatchPorts returns a copy of payload with the socks inbound bound to
// pair.Data and the api inbound bound to pair.Control. The input is not modified.
// When no inbound carries the socks tag, the first inbound with protocol
// "socks" is used instead.
func PatchPorts(payload []byte, pair ports.Pair) ([]byte, error) {
	var doc map[string]any
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if doc == nil {
		return nil, errors.New("payload is not a JSON object")
	}
	inbounds, _ := doc["inbounds"].([]any)

	var data, fallback map[string]any
	for _, raw := range inbounds {
		ib, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		switch ib["tag"] {
		case DataInboundTag:
			if data == nil {
				data = ib
			}
		case ControlInboundTag:
			ib["port"] = int(pair.Control)
		default:
			if fallback == nil && ib["protocol"] == "socks" {
				fallback = ib
			}
		}
	}
	if data == nil {
		data = fallback
	}
	if data == nil {
		return nil, ErrNoDataInbound
	}
	data["port"] = int(pair.Data)

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return out, nil
}

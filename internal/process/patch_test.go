package process

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/loykin/proxyprobe/internal/ports"
)

const samplePayload = `{
  "log": {"loglevel": "warning"},
  "inbounds": [
    {"tag": "socks", "port": 10808, "listen": "127.0.0.1", "protocol": "socks", "settings": {"udp": true}},
    {"tag": "api", "port": 10085, "listen": "127.0.0.1", "protocol": "dokodemo-door"}
  ],
  "outbounds": [{"protocol": "vless", "settings": {"vnext": [{"address": "a.example", "port": 443}]}}]
}`

func inboundPorts(t *testing.T, b []byte) map[string]float64 {
	t.Helper()
	var doc struct {
		Inbounds []struct {
			Tag      string  `json:"tag"`
			Protocol string  `json:"protocol"`
			Port     float64 `json:"port"`
		} `json:"inbounds"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		t.Fatalf("patched payload is not JSON: %v", err)
	}
	out := map[string]float64{}
	for _, ib := range doc.Inbounds {
		key := ib.Tag
		if key == "" {
			key = ib.Protocol
		}
		out[key] = ib.Port
	}
	return out
}

func TestPatchPortsRewritesTaggedInbounds(t *testing.T) {
	in := []byte(samplePayload)
	orig := string(in)
	out, err := PatchPorts(in, ports.Pair{Data: 24000, Control: 24001})
	if err != nil {
		t.Fatalf("PatchPorts: %v", err)
	}
	got := inboundPorts(t, out)
	if got["socks"] != 24000 || got["api"] != 24001 {
		t.Fatalf("ports not patched: %v", got)
	}
	if string(in) != orig {
		t.Fatalf("input payload was modified")
	}
	// untouched sections survive, including integer formatting of other numbers
	var doc map[string]any
	_ = json.Unmarshal(out, &doc)
	obs := doc["outbounds"].([]any)
	vnext := obs[0].(map[string]any)["settings"].(map[string]any)["vnext"].([]any)
	if vnext[0].(map[string]any)["port"].(float64) != 443 {
		t.Fatalf("outbound port changed: %v", vnext)
	}
}

func TestPatchPortsFallsBackToSocksProtocol(t *testing.T) {
	payload := `{"inbounds":[{"port":1,"protocol":"http"},{"port":2,"protocol":"socks"}]}`
	out, err := PatchPorts([]byte(payload), ports.Pair{Data: 21000, Control: 21001})
	if err != nil {
		t.Fatalf("PatchPorts: %v", err)
	}
	got := inboundPorts(t, out)
	if got["socks"] != 21000 || got["http"] != 1 {
		t.Fatalf("unexpected ports: %v", got)
	}
}

func TestPatchPortsErrors(t *testing.T) {
	if _, err := PatchPorts([]byte(`{"inbounds":[{"tag":"api","port":1}]}`), ports.Pair{}); !errors.Is(err, ErrNoDataInbound) {
		t.Fatalf("expected ErrNoDataInbound, got %v", err)
	}
	if _, err := PatchPorts([]byte(`not json`), ports.Pair{}); err == nil {
		t.Fatalf("expected decode error")
	}
	if _, err := PatchPorts([]byte(`null`), ports.Pair{}); err == nil {
		t.Fatalf("expected error for null payload")
	}
}

package subscription

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// JSONConverter accepts lines that already hold a native engine config, either
// as raw JSON or base64 encoded JSON. Configs without inbounds get the default
// socks and api inbounds; their ports are rewritten at launch anyway.
type JSONConverter struct {
	n int
}

func (c *JSONConverter) Convert(line string) ([]byte, string, error) {
	c.n++
	raw := []byte(strings.TrimSpace(line))
	if len(raw) == 0 || raw[0] != '{' {
		dec, ok := decodeBase64(string(raw))
		if !ok {
			return nil, "", errors.New("line is neither JSON nor base64 JSON")
		}
		raw = dec
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, "", fmt.Errorf("decode config: %w", err)
	}
	if _, ok := doc["outbounds"].([]any); !ok {
		return nil, "", errors.New("config has no outbounds")
	}

	name := fmt.Sprintf(defaultNameFmt, c.n)
	for _, k := range []string{"remarks", "ps"} {
		if s, ok := doc[k].(string); ok && strings.TrimSpace(s) != "" {
			name = strings.TrimSpace(s)
			break
		}
	}
	if ibs, ok := doc["inbounds"].([]any); !ok || len(ibs) == 0 {
		doc["inbounds"] = defaultInbounds()
	}
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, "", err
	}
	return out, name, nil
}

func defaultInbounds() []any {
	return []any{
		map[string]any{
			"tag":      "socks",
			"port":     1080,
			"listen":   "127.0.0.1",
			"protocol": "socks",
			"settings": map[string]any{"auth": "noauth", "udp": true},
		},
		map[string]any{
			"tag":      "api",
			"port":     10085,
			"listen":   "127.0.0.1",
			"protocol": "dokodemo-door",
			"settings": map[string]any{"address": "127.0.0.1"},
		},
	}
}

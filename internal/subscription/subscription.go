// Package subscription fetches a subscription feed and writes its entries
// into a manifest directory readable by manifest.DirRegistry.
package subscription

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/proxyprobe/internal/manifest"
)

const (
	UserAgent      = "proxyprobe/1"
	FetchTimeout   = 30 * time.Second
	URLFile        = "subscription.txt"
	maxFeedBytes   = 16 << 20
	defaultNameFmt = "config-%d"
)

var (
	ErrEmptyFeed   = errors.New("subscription feed is empty")
	ErrNoConverted = errors.New("no subscription entry could be converted")
)

// Converter turns one feed line into an engine config payload and its display name.
type Converter interface {
	Convert(line string) (payload []byte, name string, err error)
}

// Fetch downloads the feed at url and returns its non-empty trimmed lines.
// Base64 bodies are decoded; anything else is used as is.
func Fetch(ctx context.Context, client *http.Client, url string) ([]string, error) {
	if client == nil {
		client = &http.Client{Timeout: FetchTimeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", UserAgent)
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch subscription: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("fetch subscription: unexpected status %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, fmt.Errorf("read subscription: %w", err)
	}
	content := strings.TrimSpace(string(body))
	if content == "" {
		return nil, ErrEmptyFeed
	}
	if dec, ok := decodeBase64(content); ok {
		content = string(dec)
	}
	lines := SplitLines(content)
	if len(lines) == 0 {
		return nil, ErrEmptyFeed
	}
	return lines, nil
}

// SplitLines returns the trimmed, non-empty lines of s.
func SplitLines(s string) []string {
	var out []string
	for _, l := range strings.Split(s, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

func decodeBase64(s string) ([]byte, bool) {
	compact := strings.Join(strings.Fields(s), "")
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(compact); err == nil {
			return b, true
		}
	}
	return nil, false
}

// Import converts lines and writes config_<i>.json plus config_list.json into
// dir. Lines that fail to convert are logged and skipped.
func Import(lines []string, conv Converter, dir string, log *slog.Logger) (int, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("ensure manifest dir %q: %w", dir, err)
	}

	var list bytes.Buffer
	list.WriteString("{")
	saved := 0
	for idx, line := range lines {
		payload, name, err := conv.Convert(line)
		if err != nil {
			log.Error("Error processing config", "index", idx, "error", err)
			continue
		}
		name = manifest.DisplayName(name)
		id := fmt.Sprintf("config_%d", idx)
		if err := os.WriteFile(filepath.Join(dir, id+".json"), payload, 0o644); err != nil {
			return saved, fmt.Errorf("write %s: %w", id, err)
		}
		k, _ := json.Marshal(id)
		v, _ := json.Marshal(name)
		if saved > 0 {
			list.WriteString(",")
		}
		list.WriteString("\n  ")
		list.Write(k)
		list.WriteString(": ")
		list.Write(v)
		saved++
		log.Info("Saved config", "index", idx, "name", name)
	}
	if saved == 0 {
		return 0, ErrNoConverted
	}
	list.WriteString("\n}\n")
	if err := os.WriteFile(filepath.Join(dir, manifest.ListFile), list.Bytes(), 0o644); err != nil {
		return saved, fmt.Errorf("write %s: %w", manifest.ListFile, err)
	}
	return saved, nil
}

// SaveURL remembers the subscription URL next to the manifest.
func SaveURL(dir, url string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, URLFile), []byte(url), 0o644)
}

// LoadURL returns the remembered subscription URL, or "" when none was saved.
func LoadURL(dir string) string {
	b, err := os.ReadFile(filepath.Join(dir, URLFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

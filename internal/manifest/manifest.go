// Package manifest loads the ordered list of proxy configurations to probe.
package manifest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ListFile is the id -> display name index inside a manifest directory.
const ListFile = "config_list.json"

// ErrManifestLoad marks a manifest that could not be read at all. It aborts
// a sweep; individual bad entries do not.
var ErrManifestLoad = errors.New("manifest load failed")

// Entry is one configuration to probe. Payload is the engine config document.
type Entry struct {
	ID          string
	DisplayName string
	Payload     json.RawMessage
}

// Registry supplies the manifest for a sweep, in a stable order.
type Registry interface {
	Load(ctx context.Context) ([]Entry, error)
}

// DirRegistry reads a directory holding config_list.json and one <id>.json per entry.
type DirRegistry struct {
	Dir    string
	Logger *slog.Logger
}

func (r *DirRegistry) log() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *DirRegistry) Load(ctx context.Context) ([]Entry, error) {
	listPath := filepath.Join(r.Dir, ListFile)
	b, err := os.ReadFile(listPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrManifestLoad, err)
	}
	pairs, err := orderedStrings(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrManifestLoad, listPath, err)
	}

	entries := make([]Entry, 0, len(pairs))
	for _, p := range pairs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		payload, err := os.ReadFile(filepath.Join(r.Dir, p.key+".json"))
		if err != nil {
			r.log().Warn("Config file not found, skipping", "id", p.key, "error", err)
			continue
		}
		entries = append(entries, Entry{ID: p.key, DisplayName: DisplayName(p.value), Payload: payload})
	}
	return entries, nil
}

// DisplayName decodes percent-encoded names (emoji flags are often stored
// that way). Undecodable names are returned unchanged.
func DisplayName(raw string) string {
	if !strings.Contains(raw, "%") {
		return raw
	}
	if s, err := url.PathUnescape(raw); err == nil {
		return s
	}
	return raw
}

type kv struct{ key, value string }

// orderedStrings decodes a flat JSON object of strings keeping key order.
func orderedStrings(b []byte) ([]kv, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, errors.New("expected a JSON object")
	}
	var out []kv
	seen := map[string]int{}
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, _ := kt.(string)
		var val string
		if err := dec.Decode(&val); err != nil {
			return nil, fmt.Errorf("value for %q: %w", key, err)
		}
		if i, dup := seen[key]; dup {
			out[i].value = val
			continue
		}
		seen[key] = len(out)
		out = append(out, kv{key, val})
	}
	if _, err := dec.Token(); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return out, nil
}

// FileRegistry reads a single YAML or JSON manifest:
//
//	entries:
//	  - id: de-1
//	    name: "Frankfurt 1"
//	    config_file: configs/de-1.json   # relative to the manifest
//	  - id: nl-1
//	    config: {inbounds: [...], outbounds: [...]}
type FileRegistry struct {
	Path   string
	Logger *slog.Logger
}

type fileManifest struct {
	Entries []fileEntry `yaml:"entries" json:"entries"`
}

type fileEntry struct {
	ID         string         `yaml:"id" json:"id"`
	Name       string         `yaml:"name" json:"name"`
	ConfigFile string         `yaml:"config_file" json:"config_file"`
	Config     map[string]any `yaml:"config" json:"config"`
}

func (r *FileRegistry) log() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *FileRegistry) Load(ctx context.Context) ([]Entry, error) {
	b, err := os.ReadFile(r.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrManifestLoad, err)
	}
	var m fileManifest
	switch strings.ToLower(filepath.Ext(r.Path)) {
	case ".json":
		err = json.Unmarshal(b, &m)
	default:
		err = yaml.Unmarshal(b, &m)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrManifestLoad, r.Path, err)
	}

	base := filepath.Dir(r.Path)
	entries := make([]Entry, 0, len(m.Entries))
	seen := map[string]bool{}
	for i, fe := range m.Entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id := fe.ID
		if id == "" {
			id = fmt.Sprintf("config_%d", i)
		}
		name := fe.Name
		if name == "" {
			name = id
		}
		name = DisplayName(name)
		if seen[name] {
			r.log().Warn("Duplicate display name, later entry wins", "name", name, "id", id)
		}
		seen[name] = true

		payload, err := fe.payload(base)
		if err != nil {
			r.log().Warn("Skipping manifest entry", "id", id, "error", err)
			continue
		}
		entries = append(entries, Entry{ID: id, DisplayName: name, Payload: payload})
	}
	return entries, nil
}

func (fe fileEntry) payload(base string) (json.RawMessage, error) {
	switch {
	case fe.Config != nil:
		return json.Marshal(fe.Config)
	case fe.ConfigFile != "":
		p := fe.ConfigFile
		if !filepath.IsAbs(p) {
			p = filepath.Join(base, p)
		}
		return os.ReadFile(p)
	default:
		return nil, errors.New("entry has neither config nor config_file")
	}
}

// Static is an in-memory registry.
type Static []Entry

func (s Static) Load(context.Context) ([]Entry, error) { return s, nil }

// New picks FileRegistry when file is set, else DirRegistry on dir.
func New(dir, file string, log *slog.Logger) Registry {
	if file != "" {
		return &FileRegistry{Path: file, Logger: log}
	}
	return &DirRegistry{Dir: dir, Logger: log}
}

package commands

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/dohr-michael/paperpool/internal/protocol"
)

// expandPatterns resolves file arguments, which may be ** globs, into a
// sorted, deduplicated file list.
func expandPatterns(patterns []string) ([]string, error) {
	seen := make(map[string]bool)
	var files []string
	for _, p := range patterns {
		matches, err := doublestar.FilepathGlob(p, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", p, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("no files match %q", p)
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				files = append(files, m)
			}
		}
	}
	return files, nil
}

// loadTasks reads task messages from JSON Lines, JSON or YAML files. A JSON
// or YAML document holds one message or a list of them.
func loadTasks(files []string) ([]protocol.Message, error) {
	var out []protocol.Message
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("read tasks: %w", err)
		}
		var msgs []protocol.Message
		switch strings.ToLower(filepath.Ext(f)) {
		case ".jsonl", ".ndjson":
			msgs, err = decodeJSONLines(data)
		case ".json":
			msgs, err = decodeDocument(data, json.Unmarshal)
		case ".yaml", ".yml":
			msgs, err = decodeDocument(data, yaml.Unmarshal)
		default:
			err = fmt.Errorf("unsupported extension %q", filepath.Ext(f))
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f, err)
		}
		out = append(out, msgs...)
	}
	return out, nil
}

func decodeJSONLines(data []byte) ([]protocol.Message, error) {
	var msgs []protocol.Message
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		var m protocol.Message
		if err := m.UnmarshalJSON(b); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		msgs = append(msgs, m)
	}
	return msgs, sc.Err()
}

// decodeDocument decodes data generically, then routes each record through
// the message JSON decoding so JSON and YAML share one shape.
func decodeDocument(data []byte, unmarshal func([]byte, any) error) ([]protocol.Message, error) {
	var doc any
	if err := unmarshal(data, &doc); err != nil {
		return nil, err
	}
	items, ok := doc.([]any)
	if !ok {
		items = []any{doc}
	}
	msgs := make([]protocol.Message, 0, len(items))
	for i, item := range items {
		b, err := json.Marshal(item)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		var m protocol.Message
		if err := m.UnmarshalJSON(b); err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

package ingest

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/OFFIS-RIT/kiwi/grounding/internal/util"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/common"
)

// walkJSON accepts a top-level array (one record per element) or a single
// object.
func (i *Ingestor) walkJSON(em *emitter, text string) error {
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("ingest: parse json: %w", err)
	}
	if list, ok := doc.([]any); ok {
		return i.walkRecords(em, list)
	}
	return i.walkRecords(em, []any{doc})
}

// walkJSONLines reads one record per non-empty line. Malformed lines are
// logged and skipped.
func (i *Ingestor) walkJSONLines(em *emitter, text string) error {
	var records []any
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		dec := json.NewDecoder(strings.NewReader(raw))
		dec.UseNumber()
		var rec any
		if err := dec.Decode(&rec); err != nil {
			i.log.Warn("[Ingest] Skipping malformed JSON line", "line", line, "err", err)
			continue
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("ingest: read json lines: %w", err)
	}
	return i.walkRecords(em, records)
}

// walkYAML reads one record per YAML document.
func (i *Ingestor) walkYAML(em *emitter, text string) error {
	dec := yaml.NewDecoder(strings.NewReader(text))
	var records []any
	for {
		var doc any
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("ingest: parse yaml: %w", err)
		}
		if doc != nil {
			records = append(records, doc)
		}
	}
	return i.walkRecords(em, records)
}

// walkRecords keeps a record in one chunk when it fits; larger records are
// split by line.
func (i *Ingestor) walkRecords(em *emitter, records []any) error {
	if err := em.flush(); err != nil {
		return err
	}
	em.format = common.FormatRecord
	for _, rec := range records {
		lines := flatten("", rec, nil)
		if len(lines) == 0 {
			continue
		}
		block := strings.Join(lines, "\n")
		if len([]rune(block)) <= i.maxChars {
			if err := em.add(block, 0, 0); err != nil {
				return err
			}
			continue
		}
		if err := em.flush(); err != nil {
			return err
		}
		for _, line := range lines {
			if err := em.addLong(line, 0); err != nil {
				return err
			}
		}
		if err := em.flush(); err != nil {
			return err
		}
	}
	return nil
}

// flatten renders v as "key.path: value" lines with map keys sorted.
func flatten(prefix string, v any, out []string) []string {
	switch x := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out = flatten(joinKey(prefix, k), x[k], out)
		}
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, val := range x {
			m[fmt.Sprint(k)] = val
		}
		out = flatten(prefix, m, out)
	case []any:
		for idx, item := range x {
			out = flatten(prefix+"["+strconv.Itoa(idx)+"]", item, out)
		}
	default:
		s := scalarString(x)
		if s == "" {
			return out
		}
		if prefix == "" {
			prefix = "value"
		}
		out = append(out, prefix+": "+s)
	}
	return out
}

func joinKey(prefix, key string) string {
	key = strings.TrimSpace(key)
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func scalarString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.Join(strings.Fields(util.SanitizeText(x)), " ")
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	default:
		return strings.Join(strings.Fields(fmt.Sprint(x)), " ")
	}
}

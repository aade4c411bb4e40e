package extract

import (
	"bufio"
	"encoding/json"
	"os"

	"go.uber.org/zap"

	"github.com/chargescope/chargescope/internal/fault"
)

// streamPaths are the candidate item-array locations in priority order.
// The empty string means the root value is the array itself.
var streamPaths = []string{
	"standard_charge_information",
	"charges",
	"standard_charges",
	"items",
	"chargemaster",
	"",
}

// streamKeys is the candidate set for root-object member lookup.
var streamKeys = func() map[string]bool {
	m := make(map[string]bool, len(streamPaths))
	for _, k := range streamPaths {
		if k != "" {
			m[k] = true
		}
	}
	return m
}()

// streamFile tokenizes a large JSON file in a single pass without
// loading it. A root array is consumed directly; for a root object,
// every candidate member's items are collected and the highest-priority
// key that yielded at least one object item wins. Non-candidate members
// are skipped token by token, so a huge irrelevant value costs tokens,
// not a buffered copy. found=false means no candidate matched and the
// caller should fall back to an in-memory parse.
func streamFile(path string, log *zap.SugaredLogger) (rows []Row, found bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer f.Close()

	dec := json.NewDecoder(bufio.NewReaderSize(f, 1<<20))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, false, fault.Wrap(fault.KindJSONDecodeError, err, "tokenizing json")
	}
	d, ok := tok.(json.Delim)
	if !ok {
		return nil, false, nil
	}

	if d == '[' {
		rows, found, err := decodeItems(dec)
		if err != nil {
			return nil, false, fault.Wrap(fault.KindJSONDecodeError, err, "tokenizing json")
		}
		if found {
			log.Debugw("streaming root array", "rows", len(rows))
		}
		return rows, found, nil
	}
	if d != '{' {
		return nil, false, nil
	}

	byKey, err := walkRootObject(dec)
	if err != nil {
		return nil, false, fault.Wrap(fault.KindJSONDecodeError, err, "tokenizing json")
	}
	for _, key := range streamPaths {
		if rows, ok := byKey[key]; ok {
			log.Debugw("streaming item path found", "path", key, "rows", len(rows))
			return rows, true, nil
		}
	}
	return nil, false, nil
}

// walkRootObject consumes the members of an already-opened root object.
// Candidate members holding arrays are decoded item by item; everything
// else is skipped at the token level.
func walkRootObject(dec *json.Decoder) (map[string][]Row, error) {
	byKey := map[string][]Row{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		name, _ := keyTok.(string)
		if _, seen := byKey[name]; !streamKeys[name] || seen {
			if err := skipValue(dec); err != nil {
				return nil, err
			}
			continue
		}
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		d, isDelim := tok.(json.Delim)
		if !isDelim {
			// Scalar under a candidate name; already consumed.
			continue
		}
		if d != '[' {
			if err := skipCompound(dec); err != nil {
				return nil, err
			}
			continue
		}
		rows, found, err := decodeItems(dec)
		if err != nil {
			return nil, err
		}
		if found {
			byKey[name] = rows
		}
	}
	return byKey, nil
}

// skipValue discards the next value, whatever its shape.
func skipValue(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); ok && (d == '{' || d == '[') {
		return skipCompound(dec)
	}
	return nil
}

// skipCompound discards the remainder of an object or array whose
// opening delimiter has been consumed.
func skipCompound(dec *json.Decoder) error {
	depth := 1
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		switch tok {
		case json.Delim('{'), json.Delim('['):
			depth++
		case json.Delim('}'), json.Delim(']'):
			depth--
		}
	}
	return nil
}

// decodeItems consumes array elements one at a time, including the
// closing bracket. The path counts as found once a single object item
// decodes.
func decodeItems(dec *json.Decoder) ([]Row, bool, error) {
	var rows []Row
	var sawObject bool
	for dec.More() {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, false, err
		}
		var item map[string]any
		if json.Unmarshal(raw, &item) != nil || item == nil {
			continue
		}
		sawObject = true
		rows = append(rows, itemRows(item)...)
	}
	if _, err := dec.Token(); err != nil {
		return nil, false, err
	}
	return rows, sawObject, nil
}

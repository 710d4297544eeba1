package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
)

const (
	FieldPhishID          = "phish_id"
	FieldURL              = "url"
	FieldPhishDetailURL   = "phish_detail_url"
	FieldVerificationTime = "verification_time"
	FieldTarget           = "target"
	FieldDetails          = "details"

	// FieldJSONKeys lists the hash fields holding JSON text instead of a
	// plain string, so numbers, booleans and nulls read back with their type.
	FieldJSONKeys = "_json_keys"

	detailIPAddress         = "ip_address"
	detailAnnouncingNetwork = "announcing_network"
	detailCountry           = "country"
)

// Entry is one phishing report of the feed. Every key of the feed object is
// kept as sent; only the URL is lifted out because records are keyed by it.
type Entry struct {
	URL    string
	Fields map[string]json.RawMessage
}

// Detail is the part of one details object used for indexing and
// enrichment. Other keys of the object are left alone.
type Detail struct {
	IPAddress         Text `json:"ip_address"`
	AnnouncingNetwork Text `json:"announcing_network"`
	Country           Text `json:"country"`
}

// ParseEntry decodes one feed object.
func ParseEntry(data []byte) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

func (e *Entry) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if fields == nil {
		*e = Entry{}
		return nil
	}

	var url Text
	if raw, ok := fields[FieldURL]; ok {
		if err := json.Unmarshal(raw, &url); err != nil {
			return fmt.Errorf("domain: url: %w", err)
		}
	}
	e.URL = string(url)
	e.Fields = fields
	return nil
}

func (e Entry) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(e.Fields)+1)
	for k, v := range e.Fields {
		out[k] = v
	}
	url, err := json.Marshal(e.URL)
	if err != nil {
		return nil, err
	}
	out[FieldURL] = url
	return json.Marshal(out)
}

// WithURL returns a copy of e keyed by url. The field map is copied so the
// copy can be changed without touching e.
func (e Entry) WithURL(url string) Entry {
	fields := make(map[string]json.RawMessage, len(e.Fields)+1)
	for k, v := range e.Fields {
		fields[k] = v
	}
	encoded, _ := json.Marshal(url)
	fields[FieldURL] = encoded
	return Entry{URL: url, Fields: fields}
}

// Value returns a scalar field as text. Missing fields and null read as "".
func (e Entry) Value(key string) string {
	if key == FieldURL {
		return e.URL
	}
	return Scalar(e.Fields[key])
}

// Details decodes the indexing view of every details object. An entry
// without details has none.
func (e Entry) Details() ([]Detail, error) {
	raw, ok := e.Fields[FieldDetails]
	if !ok || isNull(raw) {
		return nil, nil
	}
	var details []Detail
	if err := json.Unmarshal(raw, &details); err != nil {
		return nil, fmt.Errorf("domain: decode details of %q: %w", e.URL, err)
	}
	return details, nil
}

// DetailObjects returns every details object with all of its keys.
func (e Entry) DetailObjects() ([]map[string]json.RawMessage, error) {
	raw, ok := e.Fields[FieldDetails]
	if !ok || isNull(raw) {
		return nil, nil
	}
	var objects []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &objects); err != nil {
		return nil, fmt.Errorf("domain: decode details of %q: %w", e.URL, err)
	}
	return objects, nil
}

// PatchDetails calls fn with the indexing view of every details object. Keys
// fn changes are written back into that object; everything else, including
// objects fn left alone, keeps its original bytes. It returns how many
// objects changed. e must own its field map, see WithURL.
func (e *Entry) PatchDetails(fn func(*Detail) bool) (int, error) {
	raw, ok := e.Fields[FieldDetails]
	if !ok || isNull(raw) {
		return 0, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return 0, fmt.Errorf("domain: decode details of %q: %w", e.URL, err)
	}

	changed := 0
	for i, item := range items {
		var before Detail
		if err := json.Unmarshal(item, &before); err != nil {
			return 0, fmt.Errorf("domain: decode detail %d of %q: %w", i, e.URL, err)
		}
		after := before
		if !fn(&after) || after == before {
			continue
		}

		var object map[string]json.RawMessage
		if err := json.Unmarshal(item, &object); err != nil {
			return 0, fmt.Errorf("domain: decode detail %d of %q: %w", i, e.URL, err)
		}
		setText(object, detailIPAddress, before.IPAddress, after.IPAddress)
		setText(object, detailAnnouncingNetwork, before.AnnouncingNetwork, after.AnnouncingNetwork)
		setText(object, detailCountry, before.Country, after.Country)

		patched, err := json.Marshal(object)
		if err != nil {
			return 0, err
		}
		items[i] = patched
		changed++
	}
	if changed == 0 {
		return 0, nil
	}

	encoded, err := json.Marshal(items)
	if err != nil {
		return 0, err
	}
	e.Fields[FieldDetails] = encoded
	return changed, nil
}

func setText(object map[string]json.RawMessage, key string, before, after Text) {
	if before == after {
		return
	}
	encoded, _ := json.Marshal(string(after))
	object[key] = encoded
}

// HashFields flattens the entry into hash fields. String values are stored
// as plain strings. details and every other non-string value are stored as
// their JSON text and listed under FieldJSONKeys.
func (e Entry) HashFields() (map[string]any, error) {
	fields := make(map[string]any, len(e.Fields)+2)
	var jsonKeys []string

	for k, v := range e.Fields {
		if k == FieldURL || k == FieldJSONKeys {
			continue
		}
		if k != FieldDetails && len(v) > 0 && v[0] == '"' {
			var s string
			if err := json.Unmarshal(v, &s); err != nil {
				return nil, fmt.Errorf("domain: encode %s of %q: %w", k, e.URL, err)
			}
			fields[k] = s
			continue
		}
		var compact bytes.Buffer
		if err := json.Compact(&compact, v); err != nil {
			return nil, fmt.Errorf("domain: encode %s of %q: %w", k, e.URL, err)
		}
		fields[k] = compact.String()
		jsonKeys = append(jsonKeys, k)
	}
	fields[FieldURL] = e.URL

	if len(jsonKeys) > 0 {
		slices.Sort(jsonKeys)
		encoded, err := json.Marshal(jsonKeys)
		if err != nil {
			return nil, err
		}
		fields[FieldJSONKeys] = string(encoded)
	}
	return fields, nil
}

// EntryFromHash rebuilds an entry from the hash written by HashFields.
func EntryFromHash(hash map[string]string) (Entry, error) {
	url := hash[FieldURL]

	jsonKeys := map[string]bool{FieldDetails: true}
	if raw := hash[FieldJSONKeys]; raw != "" {
		var keys []string
		if err := json.Unmarshal([]byte(raw), &keys); err != nil {
			return Entry{}, fmt.Errorf("domain: decode %s of %q: %w", FieldJSONKeys, url, err)
		}
		for _, k := range keys {
			jsonKeys[k] = true
		}
	}

	fields := make(map[string]json.RawMessage, len(hash))
	for k, v := range hash {
		if k == FieldJSONKeys {
			continue
		}
		if jsonKeys[k] {
			if !json.Valid([]byte(v)) {
				return Entry{}, fmt.Errorf("domain: field %s of %q is not valid JSON", k, url)
			}
			fields[k] = json.RawMessage(v)
			continue
		}
		encoded, err := json.Marshal(v)
		if err != nil {
			return Entry{}, err
		}
		fields[k] = encoded
	}
	return Entry{URL: url, Fields: fields}, nil
}

// Scalar returns a JSON scalar as text: strings unquoted, numbers and
// booleans as written, null and missing values as "". Objects and arrays
// come back as their JSON text.
func Scalar(raw json.RawMessage) string {
	var t Text
	if err := t.UnmarshalJSON(raw); err != nil {
		return string(raw)
	}
	return string(t)
}

func isNull(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || string(raw) == "null"
}

// Text is a feed scalar. The feed is not consistent about quoting ids and
// network numbers, so numbers and booleans are accepted and kept as their
// literal text. null decodes to the empty string.
type Text string

func (t *Text) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*t = ""
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = Text(s)
		return nil
	}

	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch v.(type) {
	case float64, bool:
		*t = Text(data)
		return nil
	default:
		return fmt.Errorf("domain: unsupported scalar %s", strconv.Quote(string(data)))
	}
}

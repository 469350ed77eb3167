// Package deal defines the deal record returned by the automation webhook and
// renders it as structured plain text for tool clients.
package deal

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// EngagementType identifies the kind of an engagement.
type EngagementType string

const (
	EngagementEmail   EngagementType = "EMAIL"
	EngagementNote    EngagementType = "NOTE"
	EngagementCall    EngagementType = "CALL"
	EngagementMeeting EngagementType = "MEETING"
	EngagementTask    EngagementType = "TASK"
)

// UnmarshalJSON accepts any scalar; a value that is not a string becomes the
// empty (unknown) type.
func (t *EngagementType) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	s, _ := v.(string)
	*t = EngagementType(s)
	return nil
}

// Record is the deal payload supplied by the webhook. Every field is optional
// and decoding never fails on a field of the wrong shape: such fields are
// treated as absent.
type Record struct {
	Properties  Properties   `json:"dealProperties,omitempty"`
	URL         string       `json:"dealUrl,omitempty"`
	TotalItems  *float64     `json:"totalItems,omitempty"`
	Engagements []Engagement `json:"engagements,omitempty"`
}

// UnmarshalJSON decodes a record field by field. A record that is not an
// object decodes as empty.
func (r *Record) UnmarshalJSON(data []byte) error {
	*r = Record{}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil
	}

	if raw, ok := fields["dealProperties"]; ok {
		var props Properties
		if json.Unmarshal(raw, &props) == nil {
			r.Properties = props
		}
	}
	if raw, ok := fields["dealUrl"]; ok {
		var url Text
		if json.Unmarshal(raw, &url) == nil {
			r.URL = string(url)
		}
	}
	if raw, ok := fields["totalItems"]; ok {
		r.TotalItems = decodeCount(raw)
	}
	if raw, ok := fields["engagements"]; ok {
		var items []json.RawMessage
		if json.Unmarshal(raw, &items) == nil {
			for _, item := range items {
				var e Engagement
				if err := json.Unmarshal(item, &e); err != nil {
					continue
				}
				r.Engagements = append(r.Engagements, e)
			}
		}
	}
	return nil
}

// decodeCount reads a number or a numeric string. Anything else is absent.
func decodeCount(raw json.RawMessage) *float64 {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	switch val := v.(type) {
	case float64:
		return &val
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return nil
		}
		return &n
	default:
		return nil
	}
}

// Engagement is one timestamped interaction attached to a deal.
type Engagement struct {
	Type      EngagementType `json:"type"`
	CreatedAt Text           `json:"createdAt"`
	Author    Text           `json:"author,omitempty"`
	Body      Text           `json:"body"`
}

// Text is a JSON scalar kept as text. Strings pass through unchanged, numbers
// keep their digits and booleans are spelled out. Objects, arrays and null
// decode as "".
type Text string

// UnmarshalJSON implements json.Unmarshaler. It only fails on invalid JSON.
func (t *Text) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		*t = Text(val)
	case json.Number:
		*t = Text(numberText(val))
	case bool:
		*t = Text(strconv.FormatBool(val))
	default:
		*t = ""
	}
	return nil
}

// numberText formats integers exactly and other numbers without trailing zeros.
func numberText(n json.Number) string {
	if i, err := n.Int64(); err == nil {
		return strconv.FormatInt(i, 10)
	}
	if f, err := n.Float64(); err == nil {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return n.String()
}

// Properties holds the raw deal properties. Values are kept as decoded JSON
// scalars so that numeric or null properties never fail decoding.
type Properties map[string]any

// Get returns the property as text. Absent and null values return "".
func (p Properties) Get(key string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return ""
	}
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return ""
	}
}

// Status derives the deal status. A won flag takes precedence over a lost flag.
func (p Properties) Status() string {
	switch {
	case p.Get("hs_is_closed_won") == "true":
		return "Closed Won"
	case p.Get("hs_is_closed_lost") == "true":
		return "Closed Lost"
	default:
		return "Open"
	}
}

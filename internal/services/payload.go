package services

import (
	"bytes"
	"math"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/tbourn/go-dispatch-ledger/internal/domain"
)

// PayloadKeys lists, per logical field, the payload keys that may carry it.
// Each list is evaluated in order and the first present, non-null value wins.
// Keys are looked up at the top level of the payload first, then inside a
// nested "data" object.
type PayloadKeys struct {
	TaskID          []string
	EventType       []string
	Status          []string
	DriverID        []string
	CustomerName    []string
	CustomerPhone   []string
	CustomerEmail   []string
	PickupAddress   []string
	PickupLat       []string
	PickupLng       []string
	DeliveryAddress []string
	DeliveryLat     []string
	DeliveryLng     []string
	Fee             []string

	// TemplateBags names the nested key-value structures holding custom
	// template fields. A bag is either an object or a list of
	// {"label"|"key": ..., "data"|"value": ...} items.
	TemplateBags []string

	// CODAmount and CODCollected are searched in the template bag first and
	// then in the payload itself.
	CODAmount    []string
	CODCollected []string
}

// DefaultPayloadKeys returns the aliases used by the dispatch platform.
func DefaultPayloadKeys() PayloadKeys {
	return PayloadKeys{
		TaskID:          []string{"job_id", "task_id", "order_id", "jobId", "taskId", "orderId"},
		EventType:       []string{"event_type", "type", "event", "webhook_type"},
		Status:          []string{"job_status", "status", "task_status"},
		DriverID:        []string{"fleet_id", "driver_id", "agent_id"},
		CustomerName:    []string{"customer_name", "customer_username", "name"},
		CustomerPhone:   []string{"customer_phone", "phone"},
		CustomerEmail:   []string{"customer_email", "email"},
		PickupAddress:   []string{"job_pickup_address", "pickup_address"},
		PickupLat:       []string{"job_pickup_latitude", "pickup_latitude", "pickup_lat"},
		PickupLng:       []string{"job_pickup_longitude", "pickup_longitude", "pickup_lng"},
		DeliveryAddress: []string{"job_address", "delivery_address", "customer_address"},
		DeliveryLat:     []string{"job_latitude", "delivery_latitude", "delivery_lat"},
		DeliveryLng:     []string{"job_longitude", "delivery_longitude", "delivery_lng"},
		Fee:             []string{"fee", "delivery_fee", "total_fee"},
		TemplateBags:    []string{"template_fields", "custom_fields", "meta_data", "fields"},
		CODAmount:       []string{"cod_amount", "COD_Amount", "cod", "cash_on_delivery", "CASH_ON_DELIVERY"},
		CODCollected:    []string{"cod_collected", "COD_Collected", "cash_collected"},
	}
}

// Fields is the normalized view of one webhook payload. Nil pointers and
// invalid decimals mean "absent": the merge keeps the stored value.
type Fields struct {
	TaskID    string
	EventType string

	Status          *int
	DriverID        *string
	CustomerName    *string
	CustomerPhone   *string
	CustomerEmail   *string
	PickupAddress   *string
	PickupLat       *float64
	PickupLng       *float64
	DeliveryAddress *string
	DeliveryLat     *float64
	DeliveryLng     *float64

	CODAmount    decimal.NullDecimal
	CODCollected *bool
	Fee          decimal.NullDecimal

	// Template is the flattened template bag, nil when absent.
	Template map[string]any
}

// DecodePayload parses a JSON object keeping numbers as json.Number so that
// large ids and amounts survive without float rounding.
func DecodePayload(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// TaskIDOf returns the first derivable task id, or "".
func (k PayloadKeys) TaskIDOf(p map[string]any) string {
	v, ok := lookup(p, k.TaskID)
	if !ok {
		return ""
	}
	s, _ := asString(v)
	return s
}

// EventTypeOf returns the first derivable event type, or "".
func (k PayloadKeys) EventTypeOf(p map[string]any) string {
	v, ok := lookup(p, k.EventType)
	if !ok {
		return ""
	}
	s, _ := asString(v)
	return s
}

// Extract normalizes every known field of p.
func (k PayloadKeys) Extract(p map[string]any) Fields {
	f := Fields{
		TaskID:    k.TaskIDOf(p),
		EventType: k.EventTypeOf(p),
	}

	if v, ok := lookup(p, k.Status); ok {
		if n, ok := asInt(v); ok {
			f.Status = &n
		}
	}
	f.DriverID = stringField(p, k.DriverID)
	f.CustomerName = stringField(p, k.CustomerName)
	f.CustomerPhone = stringField(p, k.CustomerPhone)
	f.CustomerEmail = stringField(p, k.CustomerEmail)
	f.PickupAddress = stringField(p, k.PickupAddress)
	f.PickupLat = floatField(p, k.PickupLat)
	f.PickupLng = floatField(p, k.PickupLng)
	f.DeliveryAddress = stringField(p, k.DeliveryAddress)
	f.DeliveryLat = floatField(p, k.DeliveryLat)
	f.DeliveryLng = floatField(p, k.DeliveryLng)

	if v, ok := lookup(p, k.Fee); ok {
		if d, ok := asDecimal(v); ok {
			f.Fee = decimal.NewNullDecimal(d)
		}
	}

	f.Template = k.templateBag(p)

	// COD: template bag first, payload second.
	sources := []map[string]any{f.Template, p}
	for _, src := range sources {
		if src == nil || f.CODAmount.Valid {
			continue
		}
		if v, ok := lookup(src, k.CODAmount); ok {
			if d, ok := asDecimal(v); ok && !d.IsNegative() {
				f.CODAmount = decimal.NewNullDecimal(d)
			}
		}
	}
	for _, src := range sources {
		if src == nil || f.CODCollected != nil {
			continue
		}
		if v, ok := lookup(src, k.CODCollected); ok {
			if b, ok := asBool(v); ok {
				f.CODCollected = &b
			}
		}
	}
	return f
}

// templateBag returns the first template bag found, flattened to a map.
func (k PayloadKeys) templateBag(p map[string]any) map[string]any {
	v, ok := lookup(p, k.TemplateBags)
	if !ok {
		return nil
	}
	switch bag := v.(type) {
	case map[string]any:
		return bag
	case []any:
		out := make(map[string]any, len(bag))
		for _, item := range bag {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			name, _ := firstString(m, "label", "key", "name")
			if name == "" {
				continue
			}
			val, ok := firstPresent(m, "data", "value")
			if !ok {
				continue
			}
			out[name] = val
		}
		if len(out) == 0 {
			return nil
		}
		return out
	}
	return nil
}

// lookup searches keys at the top level, then in the nested "data" object.
func lookup(p map[string]any, keys []string) (any, bool) {
	if v, ok := firstPresent(p, keys...); ok {
		return v, true
	}
	if nested, ok := p["data"].(map[string]any); ok {
		return firstPresent(nested, keys...)
	}
	return nil, false
}

func firstPresent(m map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func firstString(m map[string]any, keys ...string) (string, bool) {
	v, ok := firstPresent(m, keys...)
	if !ok {
		return "", false
	}
	return asString(v)
}

func stringField(p map[string]any, keys []string) *string {
	v, ok := lookup(p, keys)
	if !ok {
		return nil
	}
	s, ok := asString(v)
	if !ok {
		return nil
	}
	return &s
}

func floatField(p map[string]any, keys []string) *float64 {
	v, ok := lookup(p, keys)
	if !ok {
		return nil
	}
	f, ok := asFloat(v)
	if !ok {
		return nil
	}
	return &f
}

// asString renders scalars as strings; numeric ids keep their decimal form.
// Empty strings count as absent.
func asString(v any) (string, bool) {
	var s string
	switch x := v.(type) {
	case string:
		s = strings.TrimSpace(x)
	case json.Number:
		s = x.String()
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1e15 {
			s = strconv.FormatInt(int64(x), 10)
		} else {
			s = strconv.FormatFloat(x, 'f', -1, 64)
		}
	case int:
		s = strconv.Itoa(x)
	case int64:
		s = strconv.FormatInt(x, 10)
	default:
		return "", false
	}
	return s, s != ""
}

func asInt(v any) (int, bool) {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return int(n), true
		}
		if f, err := x.Float64(); err == nil {
			return int(f), true
		}
	case float64:
		return int(x), true
	case int:
		return x, true
	case int64:
		return int(x), true
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(x)); err == nil {
			return n, true
		}
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}

// asDecimal parses v and normalizes it to the stored amount scale. Values
// that do not fit the amount columns are rejected.
func asDecimal(v any) (decimal.Decimal, bool) {
	d, ok := parseDecimal(v)
	if !ok {
		return decimal.Decimal{}, false
	}
	return domain.NormalizeAmount(d)
}

func parseDecimal(v any) (decimal.Decimal, bool) {
	switch x := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(x.String())
		return d, err == nil
	case float64:
		return decimal.NewFromFloat(x), true
	case int:
		return decimal.NewFromInt(int64(x)), true
	case int64:
		return decimal.NewFromInt(x), true
	case string:
		s := strings.ReplaceAll(strings.TrimSpace(x), ",", "")
		if s == "" {
			return decimal.Decimal{}, false
		}
		d, err := decimal.NewFromString(s)
		return d, err == nil
	}
	return decimal.Decimal{}, false
}

func asBool(v any) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case json.Number:
		f, err := x.Float64()
		return f != 0, err == nil
	case float64:
		return x != 0, true
	case int:
		return x != 0, true
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "yes", "y", "1", "collected":
			return true, true
		case "false", "no", "n", "0":
			return false, true
		}
	}
	return false, false
}

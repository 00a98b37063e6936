// Package wire extracts payment identifiers and settlement status from
// heterogeneous push payloads.
//
// Backends disagree on field names and on whether the payment object is
// nested under a wrapper key. Extraction therefore walks an explicit
// ordered table of field names over the payload and one level of known
// wrappers; the first non-empty match wins. Messages that yield no
// identifier are not errors, they are simply not for us.
package wire

import (
	"encoding/json"
	"strings"
)

// Identifier field names in priority order. checking_id is the backend's
// primary transaction key; payment_hash and its aliases come after.
var idFields = []string{"checking_id", "payment_hash", "hash", "r_hash", "id"}

// Wrapper keys whose object value is searched one level deep.
var wrapperKeys = []string{"data", "payment"}

// Statuses accepted as settled, matched case-insensitively.
var settledStatuses = map[string]bool{
	"paid":     true,
	"settled":  true,
	"complete": true,
}

// Notification is the decoded result of one push message.
type Notification struct {
	PaymentID string
	Settled   bool
}

// Decode parses a raw push message. ok is false when the payload is not a
// JSON object or carries no recognizable payment identifier; such
// messages must be dropped without error.
func Decode(data []byte) (n Notification, ok bool) {
	var payload map[string]interface{}
	if err := json.Unmarshal(data, &payload); err != nil {
		return Notification{}, false
	}

	id := ExtractPaymentID(payload)
	if id == "" {
		return Notification{}, false
	}
	return Notification{PaymentID: id, Settled: ExtractSettled(payload)}, true
}

// ExtractPaymentID returns the first non-empty identifier found, trying
// each known field name in priority order at the top level and inside one
// level of data/payment wrapping. Returns "" when none match.
func ExtractPaymentID(payload map[string]interface{}) string {
	for _, field := range idFields {
		for _, obj := range searchScopes(payload) {
			if s := stringValue(obj[field]); s != "" {
				return s
			}
		}
	}
	return ""
}

// ExtractSettled decides settlement status by field precedence:
// a pending bool/number (pending false or 0 means settled), then a paid
// bool, then a status string against the accepted set. Like identifier
// extraction, each field is tried across every scope before falling back
// to the next field, so a nested pending outranks a stray top-level
// status. Absence of all three means not yet settled.
func ExtractSettled(payload map[string]interface{}) bool {
	scopes := searchScopes(payload)

	for _, obj := range scopes {
		if v, present := obj["pending"]; present {
			switch p := v.(type) {
			case bool:
				return !p
			case float64:
				return p == 0
			}
		}
	}
	for _, obj := range scopes {
		if v, present := obj["paid"]; present {
			if b, isBool := v.(bool); isBool {
				return b
			}
		}
	}
	for _, obj := range scopes {
		if v, present := obj["status"]; present {
			if s, isString := v.(string); isString {
				return settledStatuses[strings.ToLower(s)]
			}
		}
	}
	return false
}

// searchScopes returns the payload followed by any one-level wrapped
// objects, in wrapper priority order.
func searchScopes(payload map[string]interface{}) []map[string]interface{} {
	scopes := []map[string]interface{}{payload}
	for _, key := range wrapperKeys {
		if nested, isObj := payload[key].(map[string]interface{}); isObj {
			scopes = append(scopes, nested)
		}
	}
	return scopes
}

// stringValue converts an identifier value to string. Numeric ids are not
// expected from any known backend and are ignored rather than formatted.
func stringValue(v interface{}) string {
	s, _ := v.(string)
	return s
}

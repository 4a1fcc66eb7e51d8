package alert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/HMasataka/familyrelay/pkg/domain"
)

// Rule names
const (
	RuleGeofenceExit = "geofence-exit"
)

// Fixed notification texts
const (
	GeofenceExitMessage = "Child has exited the Safe Zone!"

	SafetyAlertTitle = "Safety Alert"

	TamperTitle   = "SECURITY WARNING"
	TamperMessage = "Child is attempting to bypass parental controls!"
)

// GeofenceExit emits alert-geofence when a location update carries a
// literal false isInsideGeofence. A missing flag, true, or any other
// value produces nothing.
func GeofenceExit(payload json.RawMessage) (*domain.Message, bool) {
	var loc domain.LocationUpdate
	if err := json.Unmarshal(payload, &loc); err != nil {
		return nil, false
	}

	if !bytes.Equal(bytes.TrimSpace(loc.IsInsideGeofence), []byte("false")) {
		return nil, false
	}

	msg, err := domain.NewMessage(domain.EventAlertGeofence, domain.GeofenceAlert{
		Msg: GeofenceExitMessage,
		Lat: loc.Lat,
		Lng: loc.Lng,
	})
	if err != nil {
		return nil, false
	}
	return msg, true
}

// SafetyNotification composes the parent notification for an AI
// classification.
func SafetyNotification(a domain.SafetyAlert) domain.Notification {
	return domain.Notification{
		Title:   SafetyAlertTitle,
		Message: fmt.Sprintf("Potential %s detected. Severity: %s%%", displayText(a.Category), displayText(a.Severity)),
		Content: a.Snippet,
	}
}

// TamperNotification is the fixed notification for a tamper signal
func TamperNotification() domain.Notification {
	return domain.Notification{
		Title:   TamperTitle,
		Message: TamperMessage,
	}
}

// displayText renders a JSON value the way a JavaScript template
// literal would, so existing parent apps see identical text.
func displayText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "undefined"
	}
	if bytes.Equal(raw, []byte("null")) {
		return "null"
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	case '{':
		return "[object Object]"
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err == nil {
			parts := make([]string, len(items))
			for i, item := range items {
				if t := bytes.TrimSpace(item); !bytes.Equal(t, []byte("null")) {
					parts[i] = displayText(item)
				}
			}
			return strings.Join(parts, ",")
		}
	default:
		var n json.Number
		if err := json.Unmarshal(raw, &n); err == nil {
			if f, err := n.Float64(); err == nil {
				return formatNumber(f)
			}
			return n.String()
		}
	}

	// true, false, null and anything undecodable keep their literal form.
	return string(raw)
}

// formatNumber renders f the way JavaScript's Number#toString does:
// plain decimals inside [1e-6, 1e21), exponent form outside it.
func formatNumber(f float64) string {
	if f == 0 {
		return "0"
	}

	if abs := math.Abs(f); abs >= 1e-6 && abs < 1e21 {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}

	s := strconv.FormatFloat(f, 'e', -1, 64)
	mantissa, exp, _ := strings.Cut(s, "e")
	sign, digits := exp[:1], strings.TrimLeft(exp[1:], "0")
	return mantissa + "e" + sign + digits
}

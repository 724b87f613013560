package connectivity

import (
	"strings"
	"unicode/utf8"

	"geofenced/internal/engine"
)

// NetworkManager connection type names.
const (
	typeWireless = "802-11-wireless"
	typeNone     = ""
)

// kindFromType maps a NetworkManager connection type to a ConnectionKind.
func kindFromType(t string) engine.ConnectionKind {
	switch strings.TrimSpace(t) {
	case typeNone:
		return engine.ConnectionNone
	case typeWireless:
		return engine.ConnectionWifi
	default:
		return engine.ConnectionOther
	}
}

// ssidString converts a raw SSID to a network name. SSIDs are arbitrary
// bytes; names that are not valid UTF-8 are reported as unavailable.
func ssidString(raw []byte) (string, bool) {
	if len(raw) == 0 || !utf8.Valid(raw) {
		return "", false
	}
	return string(raw), true
}

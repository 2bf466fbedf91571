package service

import (
	"encoding/json"
	"net/http"
	"strings"
)

// targetDeviceHeader overrides any other target hint when present.
const targetDeviceHeader = "X-Target-Device"

// ResolveTarget picks the realtime target device for one inbound event.
// Precedence, lowest to highest: trailing path segment, target_device in a
// JSON body, the X-Target-Device header. Empty means no realtime target.
func ResolveTarget(pathRest string, body []byte, header http.Header) string {
	target := ""

	if seg := firstPathSegment(pathRest); seg != "" {
		target = seg
	}

	if t := targetFromBody(body); t != "" {
		target = t
	}

	if h := strings.TrimSpace(header.Get(targetDeviceHeader)); h != "" {
		target = h
	}

	return target
}

func firstPathSegment(pathRest string) string {
	rest := strings.Trim(pathRest, "/")
	if rest == "" {
		return ""
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

func targetFromBody(body []byte) string {
	if len(body) == 0 {
		return ""
	}

	var probe struct {
		TargetDevice string `json:"target_device"`
	}
	// Non-JSON bodies simply carry no target hint.
	if err := json.Unmarshal(body, &probe); err != nil {
		return ""
	}

	return strings.TrimSpace(probe.TargetDevice)
}

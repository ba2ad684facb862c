package relay

import (
	"encoding/json"
	"fmt"
	"strings"
)

func marshalCompact(v any) ([]byte, error) {
	return json.Marshal(v)
}

func unmarshalLine(line string, v any) error {
	return json.Unmarshal([]byte(line), v)
}

// HostID52 pulls the target identity out of an inbound Host header for the
// shared multi-service listener case, where one local port fronts many
// exposed identities distinguished by subdomain: the first dot-separated
// label must be exactly a 52-character id52. If allowed is non-empty, the
// extracted id52 must be a member of it (the single-identity bridge case,
// where any other id52 in the Host header is a client error, not a
// lookup miss).
func HostID52(host string, allowed ...string) (string, error) {
	label := host
	if i := strings.IndexByte(host, ':'); i >= 0 {
		label = host[:i]
	}
	if i := strings.IndexByte(label, '.'); i >= 0 {
		label = label[:i]
	}
	if len(label) != 52 {
		return "", fmt.Errorf("relay: host %q does not start with a 52-character identity label", host)
	}
	if len(allowed) == 0 {
		return label, nil
	}
	for _, a := range allowed {
		if a == label {
			return label, nil
		}
	}
	return "", fmt.Errorf("relay: host identity %q is not served by this bridge", label)
}

package scale

import (
	"bytes"
	"strings"
)

func parseFilizola(raw []byte) (Weight, error) {
	switch {
	case len(raw) == 0:
		return Weight{}, newError(KindInvalidResponse, "empty response", raw)
	case bytes.IndexByte(raw, 'I') >= 0:
		return Weight{}, newError(KindUnstableWeight, "unstable weight", raw)
	case bytes.IndexByte(raw, 'N') >= 0:
		return Weight{}, newError(KindNegativeWeight, "negative weight", raw)
	case bytes.IndexByte(raw, 'S') >= 0:
		return Weight{}, newError(KindOverload, "overload", raw)
	}

	start := bytes.IndexByte(raw, STX)
	if start < 0 {
		return Weight{}, newError(KindInvalidResponse, "invalid format", raw)
	}
	body := raw[start+1:]
	end := bytes.IndexByte(body, ETX)
	if end < 0 {
		end = bytes.IndexByte(body, CR)
	}
	if end < 0 {
		return Weight{}, newError(KindInvalidResponse, "invalid format", raw)
	}

	return decodeField(strings.TrimSpace(string(body[:end])), 3, raw)
}

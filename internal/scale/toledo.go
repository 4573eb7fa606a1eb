package scale

import (
	"strings"
)

// locateField finds the weight field of a Toledo/Elgin family response.
// The sub-protocol is detected positionally from the last STX; the
// patterns are tried in a fixed priority order.
func locateField(resp string) (field string, decimals int, ok bool) {
	pos := strings.LastIndexByte(resp, STX)
	if pos < 0 {
		return "", 0, false
	}
	n := len(resp)

	switch {
	// Eth (2090N, Prix 3): 61+ bytes after STX, "02" tag, ETX at +60.
	case n > pos+61 && resp[pos+1:pos+3] == "02" && resp[pos+60] == ETX:
		return strings.TrimSpace(resp[pos+6 : pos+12]), 3, true

	// A (Prix 3): CR at +21, bit 3 of status S2 selects two decimals.
	case n > pos+21 && resp[pos+21] == CR:
		return strings.TrimSpace(resp[pos+2 : pos+8]), decimalsFromStatus(resp[pos+8]), true
	}

	// B (Prix 3): anything up to the next ETX.
	if end := strings.IndexByte(resp[pos+1:], ETX); end >= 0 {
		return strings.TrimSpace(resp[pos+1 : pos+1+end]), 3, true
	}

	// P03 (9091/8530/8540): CR exactly 16 bytes after STX. The first CR
	// after STX sitting at +16 is the same condition.
	if n >= pos+17 && resp[pos+16] == CR {
		return strings.TrimSpace(resp[pos+4 : pos+10]), decimalsFromStatus(resp[pos+1]), true
	}

	// C (BCS21, Prix 3): anything up to the next CR, unit suffix dropped.
	if end := strings.IndexByte(resp[pos+1:], CR); end >= 0 {
		field := strings.TrimSpace(resp[pos+1 : pos+1+end])
		return strings.TrimSpace(removeFold(field, "kg")), 3, true
	}

	return "", 0, false
}

func decimalsFromStatus(status byte) int {
	if status&0x08 != 0 {
		return 2
	}
	return 3
}

// statusError maps the leading status letter of a weight field.
func statusError(field string, raw []byte) error {
	field = strings.TrimSpace(field)
	if field == "" {
		return nil
	}
	switch lower(field[0]) {
	case 'i':
		return newError(KindUnstableWeight, "unstable weight", raw)
	case 'n':
		return newError(KindNegativeWeight, "negative weight", raw)
	case 's':
		return newError(KindOverload, "overload", raw)
	case 'c':
		return newError(KindZeroCapture, "zero capture", raw)
	case 'e':
		return newError(KindCalibrationError, "calibration error", raw)
	}
	return nil
}

// bcs21Status handles the BCS21 sign/status prefixes. handled is false
// when the field carries none of them.
func bcs21Status(field string, decimals int, raw []byte) (w Weight, handled bool, err error) {
	switch {
	case strings.HasPrefix(field, "D+"), strings.HasPrefix(field, "D-"):
		return Weight{}, true, newError(KindUnstableWeight, "unstable weight", raw)
	case strings.HasPrefix(field, "S-"):
		return Weight{}, true, newError(KindNegativeWeight, "negative weight", raw)
	case strings.HasPrefix(field, "S+"):
		if len(field) < 10 {
			return Weight{}, true, newError(KindInvalidResponse, "invalid length", raw)
		}
		w, err = decodeField(strings.TrimSpace(field[2:10]), decimals, raw)
		return w, true, err
	}

	switch l := strings.ToLower(field); {
	case strings.Contains(l, "s"):
		return Weight{}, true, newError(KindOverload, "overload", raw)
	case strings.Contains(l, "z"):
		return Weight{}, true, newError(KindZeroCapture, "zero capture", raw)
	case strings.Contains(l, "c"):
		return Weight{}, true, newError(KindCalibrationError, "calibration error", raw)
	}
	return Weight{}, false, nil
}

func (p Parser) parseToledo(raw []byte) (Weight, error) {
	if len(raw) == 0 {
		return Weight{}, newError(KindInvalidResponse, "empty response", raw)
	}
	resp := string(raw)

	if p.streaming() {
		var field string
		if len(resp) >= 7 && resp[0] == STX {
			field = resp[2:7]
		} else {
			field = resp[:min(6, len(resp))]
		}
		return decodeField(strings.TrimSpace(field), 3, raw)
	}

	if p.model == ModelToledoTI420 || strings.Contains(resp, "#96") {
		_, after, found := strings.Cut(resp, "#96")
		if !found {
			return Weight{}, newError(KindUnstableWeight, "unstable weight", raw)
		}
		return decodeField(strings.TrimSpace(after[:min(6, len(after))]), 3, raw)
	}

	field, decimals, ok := locateField(resp)
	if !ok {
		return Weight{}, newError(KindInvalidResponse, "unknown protocol", raw)
	}
	if w, handled, err := bcs21Status(field, decimals, raw); handled {
		return w, err
	}
	if err := statusError(field, raw); err != nil {
		return Weight{}, err
	}
	return decodeField(field, decimals, raw)
}

func parseElgin(raw []byte) (Weight, error) {
	if len(raw) == 0 {
		return Weight{}, newError(KindInvalidResponse, "empty response", raw)
	}

	field, decimals, ok := locateField(string(raw))
	if !ok {
		return Weight{}, newError(KindInvalidResponse, "unknown protocol", raw)
	}
	if err := statusError(field, raw); err != nil {
		return Weight{}, err
	}
	return decodeField(field, decimals, raw)
}

// decodeField decodes a weight field and reports failures against the
// full response.
func decodeField(field string, decimals int, raw []byte) (Weight, error) {
	w, err := DecodeWeight(field, decimals)
	if err != nil {
		return Weight{}, newError(KindInvalidResponse, "invalid weight format: "+field, raw)
	}
	return w, nil
}

// removeFold deletes every ASCII case-insensitive occurrence of sub.
func removeFold(s, sub string) string {
	var b strings.Builder
	for i := 0; i < len(s); {
		if i+len(sub) <= len(s) && strings.EqualFold(s[i:i+len(sub)], sub) {
			i += len(sub)
			continue
		}
		b.WriteByte(s[i])
		i++
	}
	return b.String()
}

func lower(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		return c + ('a' - 'A')
	}
	return c
}

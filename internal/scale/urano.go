package scale

import (
	"bytes"
	"strings"
)

func (p Parser) parseUrano(raw []byte) (Weight, error) {
	resp := string(raw)
	switch {
	case len(raw) == 0, strings.Contains(resp, "TARA:"):
		return Weight{}, newError(KindInvalidResponse, "invalid response", raw)
	case strings.Contains(resp, "I"):
		return Weight{}, newError(KindUnstableWeight, "unstable weight", raw)
	case strings.Contains(resp, "N"):
		return Weight{}, newError(KindNegativeWeight, "negative weight", raw)
	}

	marker := "PESO:"
	if p.model == ModelUranoPOP {
		marker = "PESO L:"
		if !strings.Contains(resp, marker) {
			marker = "kg"
		}
	}

	_, after, found := strings.Cut(resp, marker)
	if !found {
		return Weight{}, newError(KindInvalidResponse, "weight marker "+marker+" not found", raw)
	}
	field, _, _ := strings.Cut(after, "kg")

	return decodeField(strings.TrimSpace(field), 3, raw)
}

// uranoModelFromReply picks the Urano dialect from an ENQ probe reply,
// keeping fallback when neither weight marker is present.
func uranoModelFromReply(reply []byte, fallback string) string {
	switch {
	case bytes.Contains(reply, []byte("PESO L:")):
		return ModelUranoPOP
	case bytes.Contains(reply, []byte("PESO:")):
		return ModelUrano
	default:
		return fallback
	}
}

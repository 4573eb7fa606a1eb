package scale

import (
	"fmt"
	"strings"
)

func parseMicheletti(raw []byte) (Weight, error) {
	if len(raw) < 10 {
		return Weight{}, newError(KindInvalidResponse, fmt.Sprintf("invalid response length: %d", len(raw)), raw)
	}
	return decodeField(strings.TrimSpace(string(raw[3:10])), 3, raw)
}

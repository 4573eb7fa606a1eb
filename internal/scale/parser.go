package scale

import (
	"fmt"
	"strings"
)

// Frame delimiters and poll commands shared by every supported protocol.
const (
	STX byte = 0x02
	ETX byte = 0x03
	EOT byte = 0x04
	ENQ byte = 0x05
	CR  byte = 0x0D
)

// Brand is the closed set of supported scale manufacturers.
type Brand string

const (
	BrandToledo     Brand = "toledo"
	BrandElgin      Brand = "elgin"
	BrandFilizola   Brand = "filizola"
	BrandMicheletti Brand = "micheletti"
	BrandUrano      Brand = "urano"
)

// Models with a dialect of their own.
const (
	ModelToledoStreaming = "general"
	ModelToledoTI420     = "ti420"
	ModelUrano           = "urano"
	ModelUranoUDC        = "uranoudc"
	ModelUranoPOP        = "uranopop"
)

// ParseBrand maps a case-insensitive brand name to a Brand.
func ParseBrand(name string) (Brand, error) {
	switch b := Brand(strings.ToLower(strings.TrimSpace(name))); b {
	case BrandToledo, BrandElgin, BrandFilizola, BrandMicheletti, BrandUrano:
		return b, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedBrand, name)
	}
}

// Parser decodes one brand's responses. The variant is fixed when the
// parser is built; Command and Parse dispatch on it.
type Parser struct {
	brand Brand
	model string
}

// NewParser returns the parser for brand. An empty model selects the
// brand's default dialect. For Toledo that is the polled positional
// protocol; only "general" streams.
func NewParser(brand Brand, model string) Parser {
	model = strings.ToLower(strings.TrimSpace(model))
	if model == "" && brand == BrandUrano {
		model = ModelUrano
	}
	return Parser{brand: brand, model: model}
}

func (p Parser) Brand() Brand  { return p.brand }
func (p Parser) Model() string { return p.model }

// Command returns the poll command to send before each read, or nil for
// scales that stream readings on their own.
func (p Parser) Command() []byte {
	switch p.brand {
	case BrandToledo:
		if p.streaming() {
			return nil
		}
		return []byte{ENQ}
	case BrandUrano:
		if p.model == ModelUranoUDC {
			return []byte{EOT}
		}
		return []byte{ENQ}
	default:
		return []byte{ENQ}
	}
}

// Parse turns one raw response into a weight or a typed *Error.
func (p Parser) Parse(raw []byte) (Weight, error) {
	switch p.brand {
	case BrandToledo:
		return p.parseToledo(raw)
	case BrandElgin:
		return parseElgin(raw)
	case BrandFilizola:
		return parseFilizola(raw)
	case BrandMicheletti:
		return parseMicheletti(raw)
	case BrandUrano:
		return p.parseUrano(raw)
	default:
		return Weight{}, newError(KindInvalidResponse, "no parser for brand "+string(p.brand), raw)
	}
}

func (p Parser) streaming() bool {
	return p.brand == BrandToledo && p.model == ModelToledoStreaming
}

func (p Parser) withModel(model string) Parser {
	return Parser{brand: p.brand, model: model}
}

package scale

import (
	"github.com/sirupsen/logrus"
)

// NewHandler builds a disconnected handler for brand/model. Unknown brands
// fail with ErrUnsupportedBrand before the transport is touched.
func NewHandler(brand, model string, transport Transport, opts ...Option) (*Handler, error) {
	b, err := ParseBrand(brand)
	if err != nil {
		return nil, err
	}

	h := &Handler{
		brand:        b,
		parser:       NewParser(b, model),
		transport:    transport,
		logger:       logrus.StandardLogger(),
		policy:       DefaultPolicy(),
		settleDelay:  defaultSettleDelay,
		pollInterval: defaultPollInterval,
		pollTimeout:  defaultPollTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.WithFields(logrus.Fields{
		"brand": h.brand,
		"model": h.parser.Model(),
	})

	return h, nil
}

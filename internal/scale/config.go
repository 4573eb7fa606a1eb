package scale

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Parity string

const (
	ParityNone Parity = "none"
	ParityEven Parity = "even"
	ParityOdd  Parity = "odd"
)

// StopBits is 1, 1.5 or 2.
type StopBits string

const (
	StopBitsOne          StopBits = "1"
	StopBitsOnePointFive StopBits = "1.5"
	StopBitsTwo          StopBits = "2"
)

// UnmarshalJSON accepts numbers or strings. 3 is the bridge's historical
// encoding of 1.5.
func (s *StopBits) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	var text string
	switch t := v.(type) {
	case float64:
		text = fmt.Sprint(t)
	case string:
		text = strings.TrimSpace(t)
	default:
		return fmt.Errorf("invalid stop bits: %s", data)
	}

	switch text {
	case "1":
		*s = StopBitsOne
	case "1.5", "3":
		*s = StopBitsOnePointFive
	case "2":
		*s = StopBitsTwo
	default:
		return fmt.Errorf("invalid stop bits: %s", text)
	}
	return nil
}

// ConnectionConfig is what a caller supplies to connect a scale. Timeout
// and Retries are optional; Policy fills them in.
type ConnectionConfig struct {
	Brand    string   `json:"brand"`
	Model    string   `json:"model,omitempty"`
	BaudRate int      `json:"baudRate"`
	DataBits int      `json:"dataBits"`
	Parity   Parity   `json:"parity"`
	StopBits StopBits `json:"stopBits"`
	Timeout  *int     `json:"timeout,omitempty"`
	Retries  *int     `json:"retries,omitempty"`

	// DetectModel probes the scale for its dialect on connect (Urano only).
	DetectModel bool `json:"detectModel,omitempty"`
}

// Policy holds the deployment-dependent defaults and bounds applied to a
// ConnectionConfig.
type Policy struct {
	DefaultTimeout time.Duration
	MinTimeout     time.Duration
	MaxTimeout     time.Duration
	DefaultRetries int
	MinRetries     int
}

// DefaultPolicy is the permissive policy: 500 ms timeout, no retries.
func DefaultPolicy() Policy {
	return Policy{
		DefaultTimeout: 500 * time.Millisecond,
		MinTimeout:     100 * time.Millisecond,
		MaxTimeout:     5000 * time.Millisecond,
		DefaultRetries: 0,
		MinRetries:     0,
	}
}

// Resolve validates cfg and returns the serial parameters, the read
// timeout and the retry count to use. Timeouts are clamped to the policy
// bounds; retry counts below the policy minimum are raised to it.
func (p Policy) Resolve(cfg ConnectionConfig) (SerialParams, time.Duration, int, error) {
	params := SerialParams{
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		Parity:   Parity(strings.ToLower(string(cfg.Parity))),
		StopBits: cfg.StopBits,
	}
	if params.Parity == "" {
		params.Parity = ParityNone
	}
	if params.StopBits == "" {
		params.StopBits = StopBitsOne
	}

	if err := params.validate(); err != nil {
		return SerialParams{}, 0, 0, err
	}

	timeout := p.DefaultTimeout
	if cfg.Timeout != nil {
		timeout = time.Duration(*cfg.Timeout) * time.Millisecond
	}
	if p.MinTimeout > 0 && timeout < p.MinTimeout {
		timeout = p.MinTimeout
	}
	if p.MaxTimeout > 0 && timeout > p.MaxTimeout {
		timeout = p.MaxTimeout
	}

	retries := p.DefaultRetries
	if cfg.Retries != nil {
		if *cfg.Retries < 0 {
			return SerialParams{}, 0, 0, newError(KindSerialConnection, fmt.Sprintf("invalid retries: %d", *cfg.Retries), nil)
		}
		retries = *cfg.Retries
	}
	if retries < p.MinRetries {
		retries = p.MinRetries
	}

	return params, timeout, retries, nil
}

func (s SerialParams) validate() error {
	if s.BaudRate <= 0 {
		return newError(KindSerialConnection, fmt.Sprintf("invalid baud rate: %d", s.BaudRate), nil)
	}
	if s.DataBits < 5 || s.DataBits > 8 {
		return newError(KindSerialConnection, fmt.Sprintf("invalid data bits: %d", s.DataBits), nil)
	}
	switch s.Parity {
	case ParityNone, ParityEven, ParityOdd:
	default:
		return newError(KindSerialConnection, "invalid parity: "+string(s.Parity), nil)
	}
	switch s.StopBits {
	case StopBitsOne, StopBitsOnePointFive, StopBitsTwo:
	default:
		return newError(KindSerialConnection, "invalid stop bits: "+string(s.StopBits), nil)
	}
	return nil
}

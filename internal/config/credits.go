package config

import (
	"fmt"
	"sort"
	"strconv"
)

// CreditConfig holds the economic tunables of the credit ledger.
type CreditConfig struct {
	CreditsPerAlgo            int64 `json:"creditsPerAlgo"`
	CreditsPerTurn            int64 `json:"creditsPerTurn"`
	CreditsPerAgentMessage    int64 `json:"creditsPerAgentMessage"`
	LowCreditThreshold        int64 `json:"lowCreditThreshold"`
	FreeCreditsOnFirstMessage int64 `json:"freeCreditsOnFirstMessage"`
	ReservePerGroupMessage    int64 `json:"reservePerGroupMessage"`
}

// Persisted override keys.
const (
	KeyCreditsPerAlgo            = "credits_per_algo"
	KeyCreditsPerTurn            = "credits_per_turn"
	KeyCreditsPerAgentMessage    = "credits_per_agent_message"
	KeyLowCreditThreshold        = "low_credit_threshold"
	KeyFreeCreditsOnFirstMessage = "free_credits_on_first_message"
	KeyReservePerGroupMessage    = "reserve_per_group_message"
)

var creditEnvKeys = map[string]string{
	KeyCreditsPerAlgo:            "CREDITS_PER_ALGO",
	KeyCreditsPerTurn:            "CREDITS_PER_TURN",
	KeyCreditsPerAgentMessage:    "CREDITS_PER_AGENT_MESSAGE",
	KeyLowCreditThreshold:        "LOW_CREDIT_THRESHOLD",
	KeyFreeCreditsOnFirstMessage: "FREE_CREDITS_ON_FIRST_MESSAGE",
	KeyReservePerGroupMessage:    "RESERVE_PER_GROUP_MESSAGE",
}

// DefaultCreditConfig returns the built-in economic defaults.
func DefaultCreditConfig() CreditConfig {
	return CreditConfig{
		CreditsPerAlgo:            1000,
		CreditsPerTurn:            1,
		CreditsPerAgentMessage:    5,
		LowCreditThreshold:        50,
		FreeCreditsOnFirstMessage: 100,
		ReservePerGroupMessage:    10,
	}
}

// CreditKeys lists every override key in stable order.
func CreditKeys() []string {
	keys := make([]string, 0, len(creditEnvKeys))
	for k := range creditEnvKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (c *CreditConfig) field(key string) (*int64, error) {
	switch key {
	case KeyCreditsPerAlgo:
		return &c.CreditsPerAlgo, nil
	case KeyCreditsPerTurn:
		return &c.CreditsPerTurn, nil
	case KeyCreditsPerAgentMessage:
		return &c.CreditsPerAgentMessage, nil
	case KeyLowCreditThreshold:
		return &c.LowCreditThreshold, nil
	case KeyFreeCreditsOnFirstMessage:
		return &c.FreeCreditsOnFirstMessage, nil
	case KeyReservePerGroupMessage:
		return &c.ReservePerGroupMessage, nil
	}
	return nil, fmt.Errorf("unknown credit config key %q", key)
}

// ApplyOverride sets one tunable from its persisted string form.
// Unknown keys and negative or non-integer values are rejected and leave c unchanged.
func (c *CreditConfig) ApplyOverride(key, value string) error {
	dst, err := c.field(key)
	if err != nil {
		return err
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: %q is not an integer", key, value)
	}
	if n < 0 {
		return fmt.Errorf("%s: must not be negative", key)
	}
	*dst = n
	return nil
}

// Get returns a tunable by key.
func (c CreditConfig) Get(key string) (int64, error) {
	p, err := c.field(key)
	if err != nil {
		return 0, err
	}
	return *p, nil
}

// Validate checks that every tunable is usable.
func (c CreditConfig) Validate() error {
	for _, k := range CreditKeys() {
		v, _ := c.Get(k)
		if v < 0 {
			return fmt.Errorf("%s must not be negative", k)
		}
	}
	if c.CreditsPerAlgo == 0 {
		return fmt.Errorf("%s must be positive", KeyCreditsPerAlgo)
	}
	return nil
}

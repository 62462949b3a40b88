// Package compliance evaluates transfer requests against a closed set of
// rule kinds before the ledger will consume a nullifier. Conditions are
// tagged variants matched exhaustively; an unknown kind or flag is a
// configuration error, never silently ignored.
package compliance

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
)

// ErrRejected is the sentinel wrapped by every rule violation.
var ErrRejected = errors.New("compliance rejected")

// ConditionKind enumerates the closed set of rule kinds.
type ConditionKind string

const (
	KindAmountThreshold ConditionKind = "amount-threshold"
	KindJurisdiction    ConditionKind = "jurisdiction-membership"
	KindBooleanFlag     ConditionKind = "boolean-flag"
)

// Flag names for the boolean-flag kind.
const (
	FlagPaused           = "paused"
	FlagRequireTwoFactor = "require_2fa"
)

// AssuranceLevel is the identity assurance tier attached to a withdrawal
// request. Higher tiers unlock higher amount limits.
type AssuranceLevel string

const (
	LevelNone        AssuranceLevel = "none"
	LevelBasic       AssuranceLevel = "basic"
	LevelSubstantial AssuranceLevel = "substantial"
	LevelHigh        AssuranceLevel = "high"
)

// levelRank orders assurance levels; unknown levels rank below none.
func levelRank(l AssuranceLevel) int {
	switch l {
	case LevelNone:
		return 0
	case LevelBasic:
		return 1
	case LevelSubstantial:
		return 2
	case LevelHigh:
		return 3
	default:
		return -1
	}
}

// Violation reports which rule rejected a request. errors.Is(v, ErrRejected)
// holds for every violation.
type Violation struct {
	Kind   ConditionKind
	Detail string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("compliance rejected (%s): %s", v.Kind, v.Detail)
}

func (v *Violation) Unwrap() error {
	return ErrRejected
}

// Condition is one rule. Exactly the fields for its Kind are meaningful.
type Condition struct {
	Kind ConditionKind `json:"kind"`

	// amount-threshold
	MinAmount   *big.Int                    `json:"minAmount,omitempty"`
	MaxAmount   *big.Int                    `json:"maxAmount,omitempty"`
	LevelLimits map[AssuranceLevel]*big.Int `json:"levelLimits,omitempty"`

	// jurisdiction-membership
	Restricted []string `json:"restricted,omitempty"`

	// boolean-flag
	Flag string `json:"flag,omitempty"`
}

// Request is the evaluated view of a withdrawal.
type Request struct {
	Amount            *big.Int
	Jurisdiction      string
	AssuranceLevel    AssuranceLevel
	TwoFactorVerified bool
}

// Flags holds the runtime values consulted by boolean-flag conditions.
type Flags struct {
	Paused           bool
	RequireTwoFactor bool
}

// Evaluate matches the condition kind exhaustively and returns a Violation
// on rejection, nil on pass, or a plain error for malformed configuration.
func (c Condition) Evaluate(req *Request, flags Flags) error {
	switch c.Kind {
	case KindAmountThreshold:
		if req.Amount == nil {
			return &Violation{Kind: c.Kind, Detail: "amount missing"}
		}
		if c.MinAmount != nil && req.Amount.Cmp(c.MinAmount) < 0 {
			return &Violation{Kind: c.Kind, Detail: fmt.Sprintf("amount %s below minimum %s", req.Amount, c.MinAmount)}
		}
		max := c.MaxAmount
		if limit, ok := c.LevelLimits[req.AssuranceLevel]; ok && levelRank(req.AssuranceLevel) >= 0 {
			max = limit
		}
		if max != nil && req.Amount.Cmp(max) > 0 {
			return &Violation{Kind: c.Kind, Detail: fmt.Sprintf("amount %s above limit %s for level %s", req.Amount, max, req.AssuranceLevel)}
		}
		return nil

	case KindJurisdiction:
		j := strings.ToUpper(strings.TrimSpace(req.Jurisdiction))
		if j == "" {
			return nil
		}
		for _, blocked := range c.Restricted {
			if strings.ToUpper(strings.TrimSpace(blocked)) == j {
				return &Violation{Kind: c.Kind, Detail: fmt.Sprintf("jurisdiction %s is restricted", j)}
			}
		}
		return nil

	case KindBooleanFlag:
		switch c.Flag {
		case FlagPaused:
			if flags.Paused {
				return &Violation{Kind: c.Kind, Detail: "transfers are paused"}
			}
			return nil
		case FlagRequireTwoFactor:
			if flags.RequireTwoFactor && !req.TwoFactorVerified {
				return &Violation{Kind: c.Kind, Detail: "second factor not verified"}
			}
			return nil
		default:
			return fmt.Errorf("unknown boolean flag %q", c.Flag)
		}

	default:
		return fmt.Errorf("unknown condition kind %q", c.Kind)
	}
}

// FeePolicy computes the protocol fee taken off every transfer:
// amount * basis points / 10000 plus a flat relayer fee.
type FeePolicy struct {
	BasisPoints uint64   `json:"basisPoints"`
	RelayerFee  *big.Int `json:"relayerFee"`
}

// Apply returns (fee, net). The net amount must stay positive or the
// transfer does not cover its own fees.
func (p FeePolicy) Apply(amount *big.Int) (*big.Int, *big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, nil, &Violation{Kind: KindAmountThreshold, Detail: "amount must be positive"}
	}

	fee := new(big.Int).Mul(amount, new(big.Int).SetUint64(p.BasisPoints))
	fee.Div(fee, big.NewInt(10000))
	if p.RelayerFee != nil {
		fee.Add(fee, p.RelayerFee)
	}

	net := new(big.Int).Sub(amount, fee)
	if net.Sign() <= 0 {
		return nil, nil, &Violation{Kind: KindAmountThreshold, Detail: fmt.Sprintf("amount %s does not cover fee %s", amount, fee)}
	}
	return fee, net, nil
}

// Settings is the configuration surface the engine is built from.
type Settings struct {
	MinAmount               uint64
	MaxAmount               uint64
	LevelLimits             map[string]uint64
	RestrictedJurisdictions []string
	RequireTwoFactor        bool
	Paused                  bool
	FeeBasisPoints          uint64
	RelayerFee              uint64
}

// Engine holds the active rule set and runtime flags. The pause switch can
// be flipped at runtime from the admin surface.
type Engine struct {
	mu         sync.RWMutex
	conditions []Condition
	flags      Flags
	fee        FeePolicy
}

// NewEngine builds the rule set from settings. The three kinds are always
// present so every request passes through the full closed set.
func NewEngine(s Settings) *Engine {
	amount := Condition{Kind: KindAmountThreshold}
	if s.MinAmount > 0 {
		amount.MinAmount = new(big.Int).SetUint64(s.MinAmount)
	}
	if s.MaxAmount > 0 {
		amount.MaxAmount = new(big.Int).SetUint64(s.MaxAmount)
	}
	if len(s.LevelLimits) > 0 {
		amount.LevelLimits = make(map[AssuranceLevel]*big.Int, len(s.LevelLimits))
		for level, limit := range s.LevelLimits {
			amount.LevelLimits[AssuranceLevel(level)] = new(big.Int).SetUint64(limit)
		}
	}

	return &Engine{
		conditions: []Condition{
			{Kind: KindBooleanFlag, Flag: FlagPaused},
			{Kind: KindBooleanFlag, Flag: FlagRequireTwoFactor},
			{Kind: KindJurisdiction, Restricted: append([]string(nil), s.RestrictedJurisdictions...)},
			amount,
		},
		flags: Flags{
			Paused:           s.Paused,
			RequireTwoFactor: s.RequireTwoFactor,
		},
		fee: FeePolicy{
			BasisPoints: s.FeeBasisPoints,
			RelayerFee:  new(big.Int).SetUint64(s.RelayerFee),
		},
	}
}

// Check evaluates every condition in order; the first violation wins.
func (e *Engine) Check(req *Request) error {
	e.mu.RLock()
	conditions := e.conditions
	flags := e.flags
	e.mu.RUnlock()

	for _, c := range conditions {
		if err := c.Evaluate(req, flags); err != nil {
			return err
		}
	}
	return nil
}

// Fee applies the fee policy to the gross amount.
func (e *Engine) Fee(amount *big.Int) (*big.Int, *big.Int, error) {
	e.mu.RLock()
	fee := e.fee
	e.mu.RUnlock()
	return fee.Apply(amount)
}

// Pause flips the global kill switch on.
func (e *Engine) Pause() {
	e.mu.Lock()
	e.flags.Paused = true
	e.mu.Unlock()
}

// Resume flips the global kill switch off.
func (e *Engine) Resume() {
	e.mu.Lock()
	e.flags.Paused = false
	e.mu.Unlock()
}

// Paused reports the kill switch state.
func (e *Engine) Paused() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.flags.Paused
}

// Conditions returns a snapshot of the active rule set for the admin
// surface.
func (e *Engine) Conditions() []Condition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Condition, len(e.conditions))
	copy(out, e.conditions)
	return out
}

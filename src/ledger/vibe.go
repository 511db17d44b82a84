package ledger

import (
	"fmt"
	"strings"
)

// Vibe is a fixed-point amount of VIBE tokens. One token is 1e8 base units,
// so integer arithmetic stays exact through reward and batch accounting.
type Vibe int64

// VibePerToken is the number of base units in one VIBE token.
const VibePerToken Vibe = 100_000_000

// String renders the amount in whole tokens with trailing zeros trimmed.
func (v Vibe) String() string {
	whole := v / VibePerToken
	frac := v % VibePerToken
	if frac < 0 {
		frac = -frac
	}
	if frac == 0 {
		return fmt.Sprintf("%d VIBE", whole)
	}
	dec := strings.TrimRight(fmt.Sprintf("%08d", frac), "0")
	return fmt.Sprintf("%d.%s VIBE", whole, dec)
}

package broker

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/eddiefleurent/zerodte/internal/models"
)

// BuildOCCSymbol formats an OCC option symbol: UNDERLYING + YYMMDD + C/P + 8-digit strike x 1000.
func BuildOCCSymbol(underlying string, expiration time.Time, typ models.OptionType, strike float64) (string, error) {
	underlying = strings.ToUpper(strings.TrimSpace(underlying))
	if underlying == "" {
		return "", fmt.Errorf("underlying is required")
	}
	var letter byte
	switch typ {
	case models.Call:
		letter = 'C'
	case models.Put:
		letter = 'P'
	default:
		return "", fmt.Errorf("invalid option type %q", typ)
	}
	if strike <= 0 || strike >= 100000 {
		return "", fmt.Errorf("strike %.3f out of range", strike)
	}
	// Round to the nearest thousandth; eps keeps values like 450.0005 stable
	const eps = 1e-9
	strikeInt := int(math.Round(strike*1000 + eps))
	return fmt.Sprintf("%s%s%c%08d", underlying, expiration.Format("060102"), letter, strikeInt), nil
}

// InstrumentFromSymbol tags a broker symbol as an option when it carries an
// OCC suffix (C/P followed by eight digits) and as an equity otherwise.
func InstrumentFromSymbol(symbol string) models.InstrumentType {
	if optionTypeFromSymbol(strings.TrimSpace(symbol)) != "" {
		return models.Option
	}
	return models.Equity
}

// extractUnderlyingFromOSI extracts the underlying symbol from an OSI-formatted option symbol
// e.g., "SPY241220P00450000" -> "SPY"
func extractUnderlyingFromOSI(s string) string {
	// OSI format: UNDERLYING + YYMMDD + P/C + 8-digit strike
	trimmed := strings.TrimSpace(s)
	if len(trimmed) < 16 {
		return ""
	}

	for i := 1; i <= len(trimmed)-15; i++ {
		if !isDigits(trimmed[i:i+6], 6) {
			continue
		}
		if isDigit(trimmed[i-1]) {
			continue // part of a longer numeric run
		}
		switch trimmed[i+6] {
		case 'P', 'C', 'p', 'c':
		default:
			continue
		}
		strikeStart := i + 7
		if !isDigits(trimmed[strikeStart:strikeStart+8], 8) {
			continue
		}
		if strikeStart+8 != len(trimmed) {
			continue // extra characters after the strike
		}
		return strings.TrimSpace(trimmed[:i])
	}
	return ""
}

// optionTypeFromSymbol returns "put" | "call" | "" from OSI-like symbols, e.g. SPY241220P00450000
func optionTypeFromSymbol(s string) string {
	if len(s) < 9 || !isDigits(s[len(s)-8:], 8) {
		return ""
	}
	switch s[len(s)-9] {
	case 'P', 'p':
		return "put"
	case 'C', 'c':
		return "call"
	default:
		return ""
	}
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// isDigits checks that s consists of exactly n ASCII digits
func isDigits(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isDigit(s[i]) {
			return false
		}
	}
	return true
}

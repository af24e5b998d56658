package streaming

import (
	"strconv"
	"time"

	"github.com/eddiefleurent/zerodte/internal/models"
)

// occSuffixLen is the C/P letter plus the eight strike digits.
const occSuffixLen = 9

// ParseOptionSymbol extracts the strike and type from an OCC symbol such as
// SPY250117C00450000. The last eight digits are the strike x 1000 and the
// character before them is the type. Malformed symbols yield (0, Unknown).
func ParseOptionSymbol(symbol string) (float64, models.OptionType) {
	if len(symbol) < occSuffixLen {
		return 0, models.Unknown
	}
	digits := symbol[len(symbol)-8:]
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return 0, models.Unknown
		}
	}

	var typ models.OptionType
	switch symbol[len(symbol)-occSuffixLen] {
	case 'C':
		typ = models.Call
	case 'P':
		typ = models.Put
	default:
		return 0, models.Unknown
	}

	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, models.Unknown
	}
	return float64(n) / 1000, typ
}

// ParseExpiration reads the YYMMDD date that precedes the type letter and
// returns it at midnight in loc. Symbols without a readable date return fallback.
func ParseExpiration(symbol string, loc *time.Location, fallback time.Time) time.Time {
	if len(symbol) < occSuffixLen+6 {
		return fallback
	}
	if loc == nil {
		loc = time.UTC
	}
	end := len(symbol) - occSuffixLen
	d, err := time.ParseInLocation("060102", symbol[end-6:end], loc)
	if err != nil {
		return fallback
	}
	return d
}

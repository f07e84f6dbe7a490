package symbols

import (
	"strings"
	"sync"

	"github.com/Tacke300/fund-sub001/logger"
)

// quoteTokens are the quote currencies recognized at the end of a canonical
// symbol, checked in order.
var quoteTokens = []string{"USDT", "USDC", "USD"}

// DefaultQuote is appended when no quote token can be recognized in a native
// symbol. This is a heuristic; unknown quotes are logged once per symbol.
const DefaultQuote = "USDT"

// multiplierPrefixes are scaled-contract markers some venues prepend to the
// base token, largest first so "1000000" wins over "1000".
var multiplierPrefixes = []string{"1000000", "100000", "10000", "1000", "1M"}

// rules describes how one venue's native instrument ids map to canonical
// symbols. Keeping this an explicit table per venue avoids the overlapping
// regex special cases that tend to accrete in symbol cleanup code.
type rules struct {
	separators       []string
	suffixes         []string
	multiplierPrefix bool
	multiplierInfix  bool
}

var venueRules = map[string]rules{
	"binance": {
		multiplierPrefix: true,
	},
	"bybit": {
		multiplierPrefix: true,
		multiplierInfix:  true,
	},
	"okx": {
		separators: []string{"-", "/", ":", "_"},
		suffixes:   []string{"SWAP"},
	},
	"kucoin": {
		separators:       []string{"-", "/", ":", "_"},
		suffixes:         []string{"M"},
		multiplierPrefix: true,
	},
	"gate": {
		separators:       []string{"_", "-"},
		multiplierPrefix: true,
	},
}

var (
	warnedMu sync.Mutex
	warned   = make(map[string]struct{})
)

// Normalize maps a venue-native instrument id to its canonical symbol. It is
// deterministic and idempotent: re-normalizing a canonical symbol yields the
// same value.
func Normalize(venue, native string) string {
	sym := strings.ToUpper(strings.TrimSpace(native))
	if sym == "" {
		return sym
	}

	r := venueRules[strings.ToLower(venue)]

	for _, sep := range r.separators {
		sym = strings.ReplaceAll(sym, sep, "")
	}
	// Separators can appear on any venue's ids in practice; strip the common
	// ones unconditionally so normalization of a canonical symbol is a no-op.
	for _, sep := range []string{"/", ":", "_"} {
		sym = strings.ReplaceAll(sym, sep, "")
	}

	for _, suffix := range r.suffixes {
		if trimmed := strings.TrimSuffix(sym, suffix); trimmed != sym && endsWithQuote(trimmed) {
			sym = trimmed
		}
	}

	if r.multiplierPrefix {
		for _, m := range multiplierPrefixes {
			if strings.HasPrefix(sym, m) && len(sym) > len(m) && !isDigit(sym[len(m)]) {
				sym = sym[len(m):]
				break
			}
		}
	}

	if r.multiplierInfix {
		for _, q := range quoteTokens {
			for _, m := range multiplierPrefixes {
				if strings.HasSuffix(sym, m+q) && len(sym) > len(m)+len(q) {
					sym = strings.TrimSuffix(sym, m+q) + q
					break
				}
			}
		}
	}

	sym = collapseQuote(sym)

	if !endsWithQuote(sym) {
		warnUnknownQuote(venue, native, sym)
		sym += DefaultQuote
	}

	return sym
}

// collapseQuote removes duplicated trailing quote tokens so exactly one
// remains, e.g. BTCUSDTUSDT -> BTCUSDT.
func collapseQuote(sym string) string {
	for _, q := range quoteTokens {
		for strings.HasSuffix(sym, q+q) && len(sym) > 2*len(q) {
			sym = strings.TrimSuffix(sym, q)
		}
	}
	return sym
}

func endsWithQuote(sym string) bool {
	for _, q := range quoteTokens {
		if strings.HasSuffix(sym, q) && len(sym) > len(q) {
			return true
		}
	}
	return false
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

func warnUnknownQuote(venue, native, sym string) {
	key := venue + ":" + native
	warnedMu.Lock()
	_, seen := warned[key]
	if !seen {
		warned[key] = struct{}{}
	}
	warnedMu.Unlock()
	if seen {
		return
	}
	logger.GetLogger().WithComponent("symbols").WithFields(logger.Fields{
		"venue":      venue,
		"native":     native,
		"normalized": sym,
	}).Debug("no quote token recognized, appending default quote")
}

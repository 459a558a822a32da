// Package parser turns a channel post into a trade proposal.
//
// Accepted shape (labels are case-insensitive, numbers are free-form):
//
//	🐰 LONG BTC/USDT
//	Entry: 95000
//	SL: 93500
//	TP1: 97000
//	TP2: 98000
package parser

import (
	"errors"
	"regexp"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"

	"github.com/vaultproject79-prog/ulyssetif-bot/internal/apperr"
	"github.com/vaultproject79-prog/ulyssetif-bot/internal/models"
)

// CommentaryMarker flags a post as analysis, never a call.
const CommentaryMarker = "🧠"

// DefaultQuote is appended to bare symbols such as "XRP".
const DefaultQuote = "USDT"

var knownQuotes = []string{"USDT", "USDC", "BUSD", "FDUSD", "USD", "EUR", "BTC", "ETH"}

var sides = map[string]models.Direction{
	"LONG":  models.Long,
	"BUY":   models.Long,
	"SHORT": models.Short,
	"SELL":  models.Short,
}

var (
	labelRe  = regexp.MustCompile(`(?i)^(entry|entr[ée]e|pe|stop[\s-]*loss|stop|sl|tp|target)s?(?:\d{1,2}\b|\s+\d{1,2}\s*[:=\-–]|\b)\s*(?:zone)?\s*[:=\-–]?\s*`)
	numberRe = regexp.MustCompile(`\d[\d.,_']*`)
	symbolRe = regexp.MustCompile(`^[A-Z0-9]{2,15}(/[A-Z0-9]{2,10})?$`)
	leverRe  = regexp.MustCompile(`(?i)^(x\d+|\d+x)$`)
	parenRe  = regexp.MustCompile(`\([^)]*\)`)

	// "95,000" reads as a decimal comma unless the levels only agree when
	// it is a thousands separator.
	groupedRe = regexp.MustCompile(`^\d{1,3},\d{3}$`)
)

// Parser converts raw messages into trades.
type Parser struct {
	DefaultQuote string
}

// New returns a parser using quote for symbols given without one.
func New(quote string) *Parser {
	if quote == "" {
		quote = DefaultQuote
	}
	return &Parser{DefaultQuote: strings.ToUpper(quote)}
}

// Parse uses a parser with the default quote.
func Parse(text string) (models.Trade, error) {
	return New(DefaultQuote).Parse(text)
}

type levels struct {
	entries []decimal.Decimal
	sl      *decimal.Decimal
	tps     []decimal.Decimal
	found   bool
}

// Parse returns the trade described by text or an *apperr.ParseError. The
// returned trade has no id and no status; the registry assigns both.
func (p *Parser) Parse(text string) (models.Trade, error) {
	var lines []string
	for _, l := range strings.Split(text, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) == 0 {
		return models.Trade{}, &apperr.ParseError{Code: apperr.ParseEmpty, Reason: "message is empty"}
	}
	if strings.Contains(text, CommentaryMarker) {
		return models.Trade{}, &apperr.ParseError{Code: apperr.ParseIgnored, Reason: "commentary post"}
	}

	symbol, dir, headerOK := p.parseHeader(lines[0])

	t, err := p.build(lines, symbol, dir, headerOK, false)
	var pe *apperr.ParseError
	if errors.As(err, &pe) && (pe.Code == apperr.ParseInconsistentLevels || pe.Code == apperr.ParseNoDirection) {
		if alt, altErr := p.build(lines, symbol, dir, headerOK, true); altErr == nil {
			return alt, nil
		}
	}
	return t, err
}

func (p *Parser) build(lines []string, symbol string, dir models.Direction, headerOK, thousands bool) (models.Trade, error) {
	lv, err := parseLevels(lines[1:], thousands)
	if err != nil {
		err.Call = true
		return models.Trade{}, err
	}
	callLike := headerOK || lv.found

	fail := func(code apperr.ParseCode, reason string) (models.Trade, error) {
		return models.Trade{}, &apperr.ParseError{Code: code, Reason: reason, Line: lines[0], Call: callLike}
	}

	if symbol == "" {
		return fail(apperr.ParseNoSymbol, "no recognizable symbol in the first line")
	}
	if len(lv.entries) == 0 {
		return fail(apperr.ParseNoEntry, "no entry (PE) line")
	}
	if lv.sl == nil {
		return fail(apperr.ParseNoStopLoss, "no stop-loss line")
	}
	if len(lv.tps) == 0 {
		return fail(apperr.ParseNoTakeProfit, "no take-profit line")
	}

	entry := models.Entry{Low: lv.entries[0], High: lv.entries[0]}
	for _, e := range lv.entries[1:] {
		entry.Low = decimal.Min(entry.Low, e)
		entry.High = decimal.Max(entry.High, e)
	}

	if dir == "" {
		dir = inferDirection(entry, *lv.sl, lv.tps)
		if dir == "" {
			return fail(apperr.ParseNoDirection, "no LONG/SHORT keyword and levels do not imply a side")
		}
	}

	if reason := checkOrdering(dir, entry, *lv.sl, lv.tps); reason != "" {
		return fail(apperr.ParseInconsistentLevels, reason)
	}

	t := models.Trade{
		Symbol:    symbol,
		Direction: dir,
		Entry:     entry,
		StopLoss:  *lv.sl,
	}
	for _, tp := range lv.tps {
		t.TakeProfits = append(t.TakeProfits, models.TakeProfit{Price: tp})
	}
	return t, nil
}

// parseHeader reads "LONG BTC/USDT", "XRP SHORT" and variants. headerOK is
// true when a side keyword was found.
func (p *Parser) parseHeader(line string) (symbol string, dir models.Direction, headerOK bool) {
	tokens := strings.Fields(line)
	if len(tokens) > 1 && !hasAlnum(tokens[0]) {
		tokens = tokens[1:]
	}

	for i, tok := range tokens {
		if d, ok := sides[strings.ToUpper(strings.Trim(tok, "*_:!.,"))]; ok {
			dir = d
			headerOK = true
			tokens = append(append([]string{}, tokens[:i]...), tokens[i+1:]...)
			break
		}
	}
	for _, tok := range tokens {
		if leverRe.MatchString(tok) {
			continue
		}
		if s := p.NormalizeSymbol(tok); s != "" {
			return s, dir, headerOK
		}
	}
	return "", dir, headerOK
}

// NormalizeSymbol maps "#btcusdt", "$SOL" or "eth/usdt" to "BASE/QUOTE".
// It returns "" when tok is not a plausible symbol.
func (p *Parser) NormalizeSymbol(tok string) string {
	s := strings.ToUpper(strings.Trim(tok, "#$*_:!.,()[]"))
	s = strings.ReplaceAll(s, "-", "/")
	if !symbolRe.MatchString(s) || isDigits(strings.ReplaceAll(s, "/", "")) {
		return ""
	}
	if strings.Contains(s, "/") {
		return s
	}
	for _, q := range knownQuotes {
		if len(s) > len(q)+1 && strings.HasSuffix(s, q) {
			return s[:len(s)-len(q)] + "/" + q
		}
	}
	return s + "/" + p.DefaultQuote
}

func parseLevels(lines []string, thousands bool) (levels, *apperr.ParseError) {
	var lv levels
	for _, line := range lines {
		m := labelRe.FindStringSubmatchIndex(line)
		if m == nil {
			continue
		}
		label := strings.ToLower(line[m[2]:m[3]])
		rest := line[m[1]:]

		nums, err := extractNumbers(rest, thousands)
		if err != nil {
			return lv, &apperr.ParseError{Code: apperr.ParseBadNumber, Reason: err.Error(), Line: line}
		}
		if len(nums) == 0 {
			continue
		}
		lv.found = true

		switch {
		case strings.HasPrefix(label, "tp") || strings.HasPrefix(label, "target"):
			lv.tps = append(lv.tps, nums...)
		case strings.HasPrefix(label, "s"):
			if lv.sl == nil {
				v := nums[0]
				lv.sl = &v
			}
		default:
			if lv.entries == nil {
				lv.entries = nums
			}
		}
	}
	return lv, nil
}

// extractNumbers pulls every price out of s. Currency signs, percentages and
// parenthesized remarks are skipped.
func extractNumbers(s string, thousands bool) ([]decimal.Decimal, error) {
	s = parenRe.ReplaceAllString(s, " ")
	var out []decimal.Decimal
	for _, loc := range numberRe.FindAllStringIndex(s, -1) {
		if rest := strings.TrimLeft(s[loc[1]:], " "); strings.HasPrefix(rest, "%") {
			continue
		}
		raw := strings.TrimRight(s[loc[0]:loc[1]], ".,_'")
		if raw == "" {
			continue
		}
		if thousands && groupedRe.MatchString(raw) {
			raw = strings.Replace(raw, ",", "", 1)
		}
		v, err := decimal.NewFromString(normalizeNumber(raw))
		if err != nil {
			return nil, err
		}
		if v.IsPositive() {
			out = append(out, v)
		}
	}
	return out, nil
}

// ParseNumber reads a single free-form price such as "95,000.50" or "2,45".
func ParseNumber(s string) (decimal.Decimal, error) {
	raw := strings.TrimRight(strings.Trim(strings.TrimSpace(s), "$€"), ".,_'")
	return decimal.NewFromString(normalizeNumber(raw))
}

// normalizeNumber resolves thousands and decimal separators:
//   - both ',' and '.': the last one is the decimal separator
//   - several ',' : thousands
//   - a single ',': decimal comma
func normalizeNumber(raw string) string {
	s := strings.NewReplacer("_", "", "'", "").Replace(raw)
	lastComma := strings.LastIndex(s, ",")
	lastDot := strings.LastIndex(s, ".")

	switch {
	case lastComma >= 0 && lastDot >= 0:
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case strings.Count(s, ",") > 1:
		s = strings.ReplaceAll(s, ",", "")
	case lastComma >= 0:
		s = strings.Replace(s, ",", ".", 1)
	case strings.Count(s, ".") > 1:
		s = strings.ReplaceAll(s, ".", "")
	}
	return s
}

func inferDirection(entry models.Entry, sl decimal.Decimal, tps []decimal.Decimal) models.Direction {
	if sl.LessThan(entry.Low) && tps[0].GreaterThan(entry.High) {
		return models.Long
	}
	if sl.GreaterThan(entry.High) && tps[0].LessThan(entry.Low) {
		return models.Short
	}
	return ""
}

func checkOrdering(dir models.Direction, entry models.Entry, sl decimal.Decimal, tps []decimal.Decimal) string {
	if dir == models.Long {
		if !sl.LessThan(entry.Low) {
			return "LONG stop-loss must be below the entry"
		}
		if !tps[0].GreaterThan(entry.High) {
			return "LONG TP1 must be above the entry"
		}
	} else {
		if !sl.GreaterThan(entry.High) {
			return "SHORT stop-loss must be above the entry"
		}
		if !tps[0].LessThan(entry.Low) {
			return "SHORT TP1 must be below the entry"
		}
	}
	for i := 1; i < len(tps); i++ {
		if !dir.Beyond(tps[i], tps[i-1]) {
			return "take-profits must move away from the entry in order"
		}
	}
	return ""
}

func hasAlnum(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

func isDigits(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return s != ""
}

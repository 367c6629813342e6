package catalog

import (
	"regexp"
	"strings"
)

// UnknownFlag is shown for codes missing from the flag table.
const UnknownFlag = "🏳"

// countryMatcher returns a two-letter code and true when its rule applies to name.
type countryMatcher func(name string) (string, bool)

// countryMatchers run in order; the first match wins. Provider prefixes such as
// "AirVPN" must not be read as codes, so token rules come before the loose ones.
var countryMatchers = []countryMatcher{
	matchSeparatedToken,
	matchTokenBeforeWord,
	matchLeadingPrefix,
	matchKnownWord,
	matchFirstTwo,
}

var (
	separatedTokenPattern = regexp.MustCompile(`[_\-. ]([A-Z]{2})[_\-. ]`)
	tokenBeforeWordPattern = regexp.MustCompile(`(?:^|[_\-. ])([A-Z]{2})[A-Z][a-z]`)
	leadingPrefixPattern   = regexp.MustCompile(`^([A-Za-z]{2})[_\-. ]`)
)

// InferCountry derives an upper-case two-letter country code from a display name.
func InferCountry(name string) string {
	for _, match := range countryMatchers {
		if code, ok := match(name); ok {
			return code
		}
	}
	return ""
}

func matchSeparatedToken(name string) (string, bool) {
	m := separatedTokenPattern.FindStringSubmatch(name)
	if m == nil {
		return "", false
	}
	return m[1], true
}

func matchTokenBeforeWord(name string) (string, bool) {
	m := tokenBeforeWordPattern.FindStringSubmatch(name)
	if m == nil {
		return "", false
	}
	return m[1], true
}

func matchLeadingPrefix(name string) (string, bool) {
	m := leadingPrefixPattern.FindStringSubmatch(name)
	if m == nil {
		return "", false
	}
	return strings.ToUpper(m[1]), true
}

func matchKnownWord(name string) (string, bool) {
	words := strings.FieldsFunc(name, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z')
	})
	for _, word := range words {
		code := strings.ToUpper(word)
		if _, ok := flags[code]; ok {
			return code, true
		}
	}
	return "", false
}

func matchFirstTwo(name string) (string, bool) {
	runes := []rune(strings.TrimSpace(name))
	if len(runes) == 0 {
		return "", false
	}
	if len(runes) > 2 {
		runes = runes[:2]
	}
	return strings.ToUpper(string(runes)), true
}

// Flag returns the flag glyph for a code, or UnknownFlag.
func Flag(code string) string {
	if glyph, ok := flags[strings.ToUpper(code)]; ok {
		return glyph
	}
	return UnknownFlag
}

var flags = map[string]string{
	"AE": "🇦🇪", "AL": "🇦🇱", "AR": "🇦🇷", "AT": "🇦🇹", "AU": "🇦🇺",
	"BA": "🇧🇦", "BE": "🇧🇪", "BG": "🇧🇬", "BR": "🇧🇷", "CA": "🇨🇦",
	"CH": "🇨🇭", "CL": "🇨🇱", "CN": "🇨🇳", "CO": "🇨🇴", "CY": "🇨🇾",
	"CZ": "🇨🇿", "DE": "🇩🇪", "DK": "🇩🇰", "EE": "🇪🇪", "EG": "🇪🇬",
	"ES": "🇪🇸", "FI": "🇫🇮", "FR": "🇫🇷", "GB": "🇬🇧", "GR": "🇬🇷",
	"HK": "🇭🇰", "HR": "🇭🇷", "HU": "🇭🇺", "ID": "🇮🇩", "IE": "🇮🇪",
	"IL": "🇮🇱", "IN": "🇮🇳", "IS": "🇮🇸", "IT": "🇮🇹", "JP": "🇯🇵",
	"KR": "🇰🇷", "LT": "🇱🇹", "LU": "🇱🇺", "LV": "🇱🇻", "MD": "🇲🇩",
	"MK": "🇲🇰", "MX": "🇲🇽", "MY": "🇲🇾", "NG": "🇳🇬", "NL": "🇳🇱",
	"NO": "🇳🇴", "NZ": "🇳🇿", "PE": "🇵🇪", "PH": "🇵🇭", "PL": "🇵🇱",
	"PT": "🇵🇹", "RO": "🇷🇴", "RS": "🇷🇸", "RU": "🇷🇺", "SA": "🇸🇦",
	"SE": "🇸🇪", "SG": "🇸🇬", "SI": "🇸🇮", "SK": "🇸🇰", "TH": "🇹🇭",
	"TR": "🇹🇷", "TW": "🇹🇼", "UA": "🇺🇦", "UK": "🇬🇧", "US": "🇺🇸",
	"VN": "🇻🇳", "ZA": "🇿🇦",
}

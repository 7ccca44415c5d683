/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import "strings"

// DefaultCountryCode is prefixed to ten-digit national numbers.
const DefaultCountryCode = "1"

// NormalizeNumber converts a dialed string to E.164. Separators are
// stripped; a ten-digit number gets countryCode prepended; a number that
// already starts with countryCode just gets the leading plus.
func NormalizeNumber(raw, countryCode string) (string, error) {
	const op = "normalizeNumber"
	if countryCode == "" {
		countryCode = DefaultCountryCode
	}
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.', '\t':
			return -1
		}
		return r
	}, strings.TrimSpace(raw))

	plus := strings.HasPrefix(cleaned, "+")
	digits := strings.TrimPrefix(cleaned, "+")
	if digits == "" || strings.IndexFunc(digits, func(r rune) bool { return r < '0' || r > '9' }) >= 0 {
		return "", domainErr(op, ErrInvalidNumber, "%q", raw)
	}

	switch {
	case plus && len(digits) >= 8 && len(digits) <= 15:
		return "+" + digits, nil
	case plus:
		return "", domainErr(op, ErrInvalidNumber, "%q", raw)
	case len(digits) == 10:
		return "+" + countryCode + digits, nil
	case len(digits) > 10 && len(digits) <= 15 && strings.HasPrefix(digits, countryCode):
		return "+" + digits, nil
	}
	return "", domainErr(op, ErrInvalidNumber, "%q", raw)
}

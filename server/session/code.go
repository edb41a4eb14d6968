// SPDX-FileCopyrightText: 2021 Softbear, Inc.
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"strings"

	"github.com/finnbear/moderation"
)

// CodeLength is the number of characters in a room code.
const CodeLength = 6

// NormalizeCode trims and upper-cases a room code and reports whether it is valid.
// Valid codes are CodeLength characters of A-Z and 0-9 that don't spell anything
// inappropriate.
func NormalizeCode(raw string) (string, bool) {
	code := strings.ToUpper(strings.TrimSpace(raw))
	if len(code) != CodeLength {
		return "", false
	}
	for i := 0; i < len(code); i++ {
		c := code[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return "", false
		}
	}
	if moderation.Scan(code).Is(moderation.Inappropriate) {
		return "", false
	}
	return code, true
}

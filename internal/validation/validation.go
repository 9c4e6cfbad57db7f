// Package validation provides user code validation for the device
// authorization flow.
package validation

import (
	"fmt"
	"math"
	"regexp"
	"strings"
)

// Code format settings
const (
	GroupSize  = 4             // Characters per group in XXXX-XXXX
	CodeLength = 2 * GroupSize // Total length excluding separator
	MinEntropy = 2             // Minimum Shannon entropy in bits
)

// Charset contains the allowed characters for user codes: uppercase
// letters excluding I and O, digits excluding 0 and 1. The exclusions
// minimize transcription errors when a human copies the code from a
// constrained display into a browser.
const Charset = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

var codeRegex = regexp.MustCompile(fmt.Sprintf("^[%s]{%d}-[%s]{%d}$",
	Charset, GroupSize, Charset, GroupSize))

// Error represents a user code validation failure.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid user code %q: %s", e.Code, e.Message)
}

// ValidateUserCode checks that a user code has the expected length,
// format, and character distribution.
func ValidateUserCode(code string) error {
	code = strings.ToUpper(strings.TrimSpace(code))

	base := strings.ReplaceAll(code, "-", "")
	if len(base) != CodeLength {
		return &Error{
			Code:    code,
			Message: fmt.Sprintf("length must be %d characters", CodeLength),
		}
	}

	if !codeRegex.MatchString(code) {
		return &Error{
			Code:    code,
			Message: "code must be in format XXXX-XXXX using only allowed characters",
		}
	}

	// Reject codes dominated by a single character.
	counts := make(map[rune]int)
	maxRepeats := (len(base) / 2) + 1
	for _, char := range base {
		counts[char]++
		if counts[char] > maxRepeats {
			return &Error{
				Code:    code,
				Message: "too many repeated characters",
			}
		}
	}

	if entropy := shannonEntropy(base); entropy < MinEntropy {
		return &Error{
			Code:    code,
			Message: fmt.Sprintf("code entropy %.2f bits is below required minimum %d bits", entropy, MinEntropy),
		}
	}

	return nil
}

func shannonEntropy(code string) float64 {
	if code == "" {
		return 0
	}

	freqs := make(map[rune]int)
	for _, char := range code {
		freqs[char]++
	}

	length := float64(len(code))
	entropy := 0.0
	for _, count := range freqs {
		prob := float64(count) / length
		entropy -= prob * math.Log2(prob)
	}

	return entropy
}

// NormalizeCode converts a user code to its canonical lookup form:
// uppercase with the separator removed.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(code), "-", ""))
}

// FormatCode converts a normalized code back to the XXXX-XXXX display form.
func FormatCode(code string) string {
	if len(code) != CodeLength {
		return code
	}
	return code[:GroupSize] + "-" + code[GroupSize:]
}

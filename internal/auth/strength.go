package auth

import (
	"fmt"
	"strings"
	"unicode"
)

// PasswordPolicy describes the composition rules for new passwords.
type PasswordPolicy struct {
	MinLength         int
	RequireUpper      bool
	RequireLower      bool
	RequireDigit      bool
	RequireSpecial    bool
	ForbiddenPatterns []string
}

// DefaultPasswordPolicy requires eight characters from all four classes.
func DefaultPasswordPolicy() PasswordPolicy {
	return PasswordPolicy{
		MinLength:      8,
		RequireUpper:   true,
		RequireLower:   true,
		RequireDigit:   true,
		RequireSpecial: true,
		ForbiddenPatterns: []string{
			"password", "passw0rd", "qwerty", "letmein", "welcome", "admin",
			"iloveyou", "monkey", "dragon", "123456", "abc123", "111111",
		},
	}
}

// StrengthReport is the outcome of ValidateStrength.
type StrengthReport struct {
	Valid       bool     `json:"is_valid"`
	Errors      []string `json:"errors"`
	Suggestions []string `json:"suggestions"`
}

const minPasswordLength = 8

// ValidateStrength checks password against the configured policy and
// explains how to fix every violation.
func (c *CredentialStore) ValidateStrength(password string) StrengthReport {
	p := c.policy
	minLen := p.MinLength
	if minLen < minPasswordLength {
		minLen = minPasswordLength
	}

	report := StrengthReport{Errors: []string{}, Suggestions: []string{}}
	fail := func(msg, hint string) {
		report.Errors = append(report.Errors, msg)
		report.Suggestions = append(report.Suggestions, hint)
	}

	if n := len([]rune(password)); n < minLen {
		fail(fmt.Sprintf("password must be at least %d characters long", minLen),
			fmt.Sprintf("add %d more characters; a short phrase is easier to remember", minLen-n))
	}

	var upper, lower, digit, special bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r) || unicode.IsSpace(r):
			special = true
		}
	}
	if p.RequireUpper && !upper {
		fail("password must contain an uppercase letter", "capitalize one of the letters")
	}
	if p.RequireLower && !lower {
		fail("password must contain a lowercase letter", "mix in lowercase letters")
	}
	if p.RequireDigit && !digit {
		fail("password must contain a digit", "include at least one number")
	}
	if p.RequireSpecial && !special {
		fail("password must contain a special character", "add a symbol such as ! ? # or %")
	}

	lowered := strings.ToLower(password)
	for _, pattern := range p.ForbiddenPatterns {
		if pattern != "" && strings.Contains(lowered, strings.ToLower(pattern)) {
			fail(fmt.Sprintf("password contains the common pattern %q", pattern),
				"avoid dictionary words and well-known passwords")
			break
		}
	}
	if hasSequence(lowered, 4) {
		fail("password contains a predictable sequence", "avoid runs like 1234 or abcd")
	}
	if hasRepeat(lowered, 3) {
		fail("password repeats the same character", "do not repeat a character three times in a row")
	}

	report.Valid = len(report.Errors) == 0
	return report
}

// hasSequence reports ascending or descending runs of n code points.
func hasSequence(s string, n int) bool {
	runes := []rune(s)
	up, down := 1, 1
	for i := 1; i < len(runes); i++ {
		switch runes[i] - runes[i-1] {
		case 1:
			up++
			down = 1
		case -1:
			down++
			up = 1
		default:
			up, down = 1, 1
		}
		if up >= n || down >= n {
			return true
		}
	}
	return false
}

func hasRepeat(s string, n int) bool {
	runes := []rune(s)
	count := 1
	for i := 1; i < len(runes); i++ {
		if runes[i] == runes[i-1] {
			count++
			if count >= n {
				return true
			}
			continue
		}
		count = 1
	}
	return false
}

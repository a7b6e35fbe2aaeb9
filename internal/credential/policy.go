package credential

import (
	"strings"
	"unicode"
)

type Policy struct {
	MinLength      int
	MaxLength      int
	RequireUpper   bool
	RequireLower   bool
	RequireDigit   bool
	RequireSpecial bool
}

func DefaultPolicy() Policy {
	return Policy{
		MinLength:      8,
		MaxLength:      72,
		RequireUpper:   true,
		RequireLower:   true,
		RequireDigit:   true,
		RequireSpecial: true,
	}
}

type PolicyError struct {
	Violations []string
}

func (e *PolicyError) Error() string {
	return "password does not meet policy: " + strings.Join(e.Violations, ", ")
}

func (p Policy) Validate(password string) error {
	var violations []string

	if p.MinLength > 0 && len([]rune(password)) < p.MinLength {
		violations = append(violations, "too short")
	}
	if p.MaxLength > 0 && len(password) > p.MaxLength {
		violations = append(violations, "too long")
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
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			special = true
		}
	}

	if p.RequireUpper && !upper {
		violations = append(violations, "missing uppercase letter")
	}
	if p.RequireLower && !lower {
		violations = append(violations, "missing lowercase letter")
	}
	if p.RequireDigit && !digit {
		violations = append(violations, "missing digit")
	}
	if p.RequireSpecial && !special {
		violations = append(violations, "missing special character")
	}

	if len(violations) > 0 {
		return &PolicyError{Violations: violations}
	}
	return nil
}

package config

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode"
)

// validateJWTSecret enforces a strong websocket token signing key.
func validateJWTSecret(secret string) error {
	if len(secret) < 32 {
		return fmt.Errorf("must be at least 32 characters, got %d", len(secret))
	}

	weakSecrets := []string{
		"secret",
		"changeme",
		"password",
		"example",
		"default",
		"placeholder",
		"replace-me",
		"sdkforge",
	}
	lower := strings.ToLower(secret)
	for _, weak := range weakSecrets {
		if strings.Contains(lower, weak) {
			return fmt.Errorf("contains weak/placeholder value %q", weak)
		}
	}

	allAlpha, allDigit := true, true
	for _, c := range secret {
		if !unicode.IsLetter(c) {
			allAlpha = false
		}
		if !unicode.IsDigit(c) {
			allDigit = false
		}
	}
	if allAlpha {
		return errors.New("must contain non-alphabetic characters for sufficient entropy")
	}
	if allDigit {
		return errors.New("must contain non-numeric characters for sufficient entropy")
	}

	if entropy := shannonEntropy(secret); entropy < 3.0 {
		return fmt.Errorf("entropy too low (%.1f bits/char, need >= 3.0)", entropy)
	}
	return nil
}

func shannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	freq := make(map[rune]float64)
	for _, r := range s {
		freq[r]++
	}
	n := float64(len([]rune(s)))
	var h float64
	for _, count := range freq {
		p := count / n
		h -= p * math.Log2(p)
	}
	return h
}

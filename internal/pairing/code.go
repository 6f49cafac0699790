// Package pairing generates and validates the human-memorable room codes
// used by the legacy v1 pairing flow.
package pairing

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
	"strings"
)

// Room codes are ADJECTIVE-NOUN-NN drawn from two fixed ~30-entry word
// lists plus a two-digit number, giving log2(30*30*90) ~= 16.3 bits of
// entropy. That is deliberately low: codes are short-lived and collision
// handling is the caller's retry loop against the session store, but they
// are no defense against a patient online brute force on their own.

var adjectives = []string{
	"AMBER", "BLUE", "BOLD", "BRAVE", "BRIGHT", "CALM", "CLEVER", "COOL",
	"CRISP", "EAGER", "FANCY", "FAST", "GOLD", "GRAND", "GREEN", "HAPPY",
	"JOLLY", "KEEN", "LIVELY", "LUCKY", "MERRY", "NOBLE", "PROUD", "QUICK",
	"QUIET", "RAPID", "SHARP", "SILVER", "SWIFT", "WILD",
}

var nouns = []string{
	"BADGER", "BEAR", "CRANE", "DOLPHIN", "EAGLE", "FALCON", "FOX", "GECKO",
	"HAWK", "HERON", "IBIS", "JAGUAR", "KOALA", "LYNX", "MARTEN", "OCELOT",
	"ORCA", "OTTER", "OWL", "PANDA", "PUMA", "RAVEN", "ROBIN", "SABLE",
	"SHARK", "SPARROW", "TIGER", "VIPER", "WOLF", "WREN",
}

var codePattern = regexp.MustCompile(`^[A-Z]+-[A-Z]+-[0-9]{2}$`)

// GenerateCode draws a fresh room code like SWIFT-TIGER-42. Uniqueness is
// not guaranteed; callers retry against the session store on collision.
func GenerateCode() (string, error) {
	adj, err := pick(len(adjectives))
	if err != nil {
		return "", err
	}
	noun, err := pick(len(nouns))
	if err != nil {
		return "", err
	}
	num, err := pick(90)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s-%02d", adjectives[adj], nouns[noun], num+10), nil
}

// IsValidCode reports whether s has the exact ADJECTIVE-NOUN-NN shape
// after normalization.
func IsValidCode(s string) bool {
	return codePattern.MatchString(NormalizeCode(s))
}

// NormalizeCode upper-cases and trims a code for case-insensitive lookup.
func NormalizeCode(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func pick(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("draw random index: %w", err)
	}
	return int(v.Int64()), nil
}

// Package idgen generates short, URL-safe decision identifiers backed by nanoid.
package idgen

import (
	"fmt"

	nanoid "github.com/matoous/go-nanoid/v2"
)

// DecisionPrefix marks payment-prompt decision IDs.
const DecisionPrefix = "pp-"

// Alphabet is the character set of the random part.
const Alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Length is the number of random characters after the prefix.
const Length = 12

// Func produces a new unique ID. The gate takes one so tests can supply
// deterministic IDs.
type Func func() (string, error)

// DecisionID returns a new decision ID such as "pp-3fZk0aQ9bLxe".
func DecisionID() (string, error) {
	return WithPrefix(DecisionPrefix)
}

// WithPrefix returns a new ID with the given prefix.
func WithPrefix(prefix string) (string, error) {
	id, err := nanoid.Generate(Alphabet, Length)
	if err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return prefix + id, nil
}

// Sequence returns a Func yielding prefix1, prefix2, ... Not safe for
// concurrent use; the gate only calls it under its own lock.
func Sequence(prefix string) Func {
	n := 0
	return func() (string, error) {
		n++
		return fmt.Sprintf("%s%d", prefix, n), nil
	}
}

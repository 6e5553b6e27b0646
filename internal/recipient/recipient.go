// Package recipient turns the free-text recipient field of a composition into
// a validated list of addresses.
package recipient

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrNoRecipients is returned when the raw text contains no address tokens.
var ErrNoRecipients = errors.New("no recipients")

// addressPattern accepts a conservative subset of RFC 5322 addresses.
var addressPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// newlines are folded into the comma separator before splitting.
var newlines = strings.NewReplacer("\r\n", ",", "\n", ",", "\r", ",")

// InvalidError lists every token that failed address validation.
type InvalidError struct {
	Invalid []string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("invalid recipient address(es): %s", strings.Join(e.Invalid, ", "))
}

// List is an ordered set of validated addresses. Order is first-seen and
// duplicates are kept.
type List []string

// Header returns the list in the form used for the To header.
func (l List) Header() string {
	return strings.Join(l, ", ")
}

// Len returns the number of addresses, duplicates included.
func (l List) Len() int {
	return len(l)
}

// Valid reports whether addr matches the accepted address format.
func Valid(addr string) bool {
	return addressPattern.MatchString(addr)
}

// Split breaks raw on commas and newlines and returns the trimmed, non-empty
// tokens without validating them.
func Split(raw string) []string {
	parts := strings.Split(newlines.Replace(raw), ",")
	tokens := make([]string, 0, len(parts))

	for _, part := range parts {
		if token := strings.TrimSpace(part); token != "" {
			tokens = append(tokens, token)
		}
	}

	return tokens
}

// Resolve parses raw into a List. It fails with ErrNoRecipients when nothing
// is left after splitting, or with *InvalidError naming every bad token. A
// single bad token rejects the whole batch.
func Resolve(raw string) (List, error) {
	tokens := Split(raw)
	if len(tokens) == 0 {
		return nil, ErrNoRecipients
	}

	var invalid []string
	for _, token := range tokens {
		if !Valid(token) {
			invalid = append(invalid, token)
		}
	}

	if len(invalid) > 0 {
		return nil, &InvalidError{Invalid: invalid}
	}

	return List(tokens), nil
}

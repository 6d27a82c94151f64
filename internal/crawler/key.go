package crawler

import (
	"fmt"
	"strconv"
)

// Field widths of the encoded index key: PPP C SSSSS RR.
const (
	PeriodWidth   = 3
	CategoryWidth = 1
	SequenceWidth = 5
	RevisionWidth = 2

	// KeyLength is the length of an encoded index key.
	KeyLength = PeriodWidth + CategoryWidth + SequenceWidth + RevisionWidth

	maxPeriod   = 999
	maxCategory = 9
	maxSequence = 99999
	maxRevision = 99
)

// Key identifies one record on the remote endpoint.
type Key struct {
	Period   int `json:"period"`
	Category int `json:"category"`
	Sequence int `json:"sequence"`
	Revision int `json:"revision"`
}

// EncodeKey formats the composite key as the fixed-width string the endpoint expects.
func EncodeKey(period, category, sequence, revision int) (string, error) {
	switch {
	case period < 0 || period > maxPeriod:
		return "", fmt.Errorf("%w: period %d out of range", ErrInvalidKey, period)
	case category < 0 || category > maxCategory:
		return "", fmt.Errorf("%w: category %d out of range", ErrInvalidKey, category)
	case sequence < 1 || sequence > maxSequence:
		return "", fmt.Errorf("%w: sequence %d out of range", ErrInvalidKey, sequence)
	case revision < 0 || revision > maxRevision:
		return "", fmt.Errorf("%w: revision %d out of range", ErrInvalidKey, revision)
	}
	return fmt.Sprintf("%03d%01d%05d%02d", period, category, sequence, revision), nil
}

// DecodeKey parses an encoded index key.
func DecodeKey(s string) (Key, error) {
	if len(s) != KeyLength {
		return Key{}, fmt.Errorf("%w: %q has length %d, want %d", ErrMalformedKey, s, len(s), KeyLength)
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return Key{}, fmt.Errorf("%w: %q contains non-digit at %d", ErrMalformedKey, s, i)
		}
	}
	pos := 0
	next := func(width int) int {
		// Digits are already validated, Atoi cannot fail here.
		n, _ := strconv.Atoi(s[pos : pos+width])
		pos += width
		return n
	}
	k := Key{
		Period:   next(PeriodWidth),
		Category: next(CategoryWidth),
		Sequence: next(SequenceWidth),
		Revision: next(RevisionWidth),
	}
	if k.Sequence < 1 {
		return Key{}, fmt.Errorf("%w: %q has zero sequence", ErrMalformedKey, s)
	}
	return k, nil
}

// Encode returns the canonical string form of k.
func (k Key) Encode() (string, error) {
	return EncodeKey(k.Period, k.Category, k.Sequence, k.Revision)
}

// Validate reports whether k fits the encoded widths.
func (k Key) Validate() error {
	_, err := k.Encode()
	return err
}

// String returns the encoded key, or a debug form when k is invalid.
func (k Key) String() string {
	s, err := k.Encode()
	if err != nil {
		return fmt.Sprintf("invalid(%d/%d/%d/%d)", k.Period, k.Category, k.Sequence, k.Revision)
	}
	return s
}

// WithSequence returns a copy of k pointing at seq.
func (k Key) WithSequence(seq int) Key {
	k.Sequence = seq
	return k
}

// Next returns the key for the following sequence number.
func (k Key) Next() Key {
	return k.WithSequence(k.Sequence + 1)
}

// Less orders keys by period, category, sequence, then revision.
func (k Key) Less(o Key) bool {
	if k.Period != o.Period {
		return k.Period < o.Period
	}
	if k.Category != o.Category {
		return k.Category < o.Category
	}
	if k.Sequence != o.Sequence {
		return k.Sequence < o.Sequence
	}
	return k.Revision < o.Revision
}

package config

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// HexBytes is a byte string written in the config file as space separated
// hex pairs, for example "90 90 90 90" or "c3".
type HexBytes []byte

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *HexBytes) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := ParseBytes(s)
	if err != nil {
		return err
	}
	*b = v
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (b HexBytes) MarshalYAML() (interface{}, error) {
	return b.String(), nil
}

func (b HexBytes) String() string {
	parts := make([]string, len(b))
	for i, c := range b {
		parts[i] = fmt.Sprintf("%02x", c)
	}
	return strings.Join(parts, " ")
}

// ParseBytes parses a sequence of hex byte pairs. Pairs may be separated by
// spaces or written contiguously, a leading 0x on a field is ignored.
func ParseBytes(in string) ([]byte, error) {
	var buf strings.Builder
	for _, field := range strings.FieldsFunc(in, func(r rune) bool { return unicode.IsSpace(r) || r == ',' }) {
		field = strings.TrimPrefix(strings.ToLower(field), "0x")
		if len(field)%2 != 0 {
			return nil, fmt.Errorf("odd number of hex digits in %q", field)
		}
		buf.WriteString(field)
	}
	out, err := hex.DecodeString(buf.String())
	if err != nil {
		return nil, fmt.Errorf("invalid byte string %q: %v", in, err)
	}
	return out, nil
}

// Offset is an unsigned offset that can be written in decimal or as a 0x
// prefixed hex number.
type Offset uint64

// UnmarshalYAML implements yaml.Unmarshaler.
func (o *Offset) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := ParseOffset(s)
	if err != nil {
		return err
	}
	*o = Offset(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (o Offset) MarshalYAML() (interface{}, error) {
	return fmt.Sprintf("%#x", uint64(o)), nil
}

// ParseOffset parses a decimal or 0x prefixed hexadecimal offset.
func ParseOffset(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimSpace(s), 0, 64)
}

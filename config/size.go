package config

import (
	"fmt"
	"strconv"
	"strings"
)

// GetSizeBytes will get the byte size for k or return the default d if
// not found or invalid. Values are either plain byte counts or carry a
// K/M/G/T suffix (powers of 1024), e.g. "512M".
func (c *C) GetSizeBytes(k string, d uint64) uint64 {
	r := c.GetString(k, "")
	if r == "" {
		return d
	}
	v, err := ParseSizeBytes(r)
	if err != nil {
		return d
	}
	return v
}

// ParseSizeBytes parses a byte size with an optional K/M/G/T suffix.
func ParseSizeBytes(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}

	shift := 0
	switch strings.ToUpper(s[len(s)-1:]) {
	case "K":
		shift = 10
	case "M":
		shift = 20
	case "G":
		shift = 30
	case "T":
		shift = 40
	}
	if shift != 0 {
		s = s[:len(s)-1]
	}

	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size: %s", err)
	}
	return v << shift, nil
}

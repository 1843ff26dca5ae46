// Copyright (C) 2025 Shogun Labs, Inc.
// See LICENSE for copying information.

// Package memory implements byte size types for configs and accounting.
package memory

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/zeebo/errs"
)

// Size implements a byte count that knows how to parse and print
// human-readable suffixes. It implements pflag.Value so it can be used
// directly in config structs.
type Size int64

// base-2 size constants
const (
	B   Size = 1
	KiB      = B << 10
	MiB      = KiB << 10
	GiB      = MiB << 10
	TiB      = GiB << 10
)

// Int returns the size as an int.
func (size Size) Int() int { return int(size) }

// Int64 returns the size as an int64.
func (size Size) Int64() int64 { return int64(size) }

// String converts size to a string using base-2 prefixes.
func (size Size) String() string {
	if size == 0 {
		return "0 B"
	}

	switch {
	case size >= TiB:
		return fmt.Sprintf("%.1f TiB", float64(size)/float64(TiB))
	case size >= GiB:
		return fmt.Sprintf("%.1f GiB", float64(size)/float64(GiB))
	case size >= MiB:
		return fmt.Sprintf("%.1f MiB", float64(size)/float64(MiB))
	case size >= KiB:
		return fmt.Sprintf("%.1f KiB", float64(size)/float64(KiB))
	default:
		return strconv.FormatInt(size.Int64(), 10) + " B"
	}
}

// Set parses a string into a size, accepting optional B/KiB/MiB/GiB/TiB
// (and KB/MB/GB/TB as their base-2 equivalents).
func (size *Size) Set(s string) error {
	if s == "" {
		return errs.New("empty size")
	}

	value := strings.TrimSpace(s)
	suffix := strings.TrimLeft(value, "0123456789.-")
	number := strings.TrimSpace(value[:len(value)-len(suffix)])

	multiplier := B
	switch strings.ToLower(strings.TrimSpace(suffix)) {
	case "", "b":
	case "kib", "kb", "k":
		multiplier = KiB
	case "mib", "mb", "m":
		multiplier = MiB
	case "gib", "gb", "g":
		multiplier = GiB
	case "tib", "tb", "t":
		multiplier = TiB
	default:
		return errs.New("unknown size suffix %q", suffix)
	}

	v, err := strconv.ParseFloat(number, 64)
	if err != nil {
		return errs.New("invalid size %q: %v", s, err)
	}

	*size = Size(v * float64(multiplier))
	return nil
}

// Type implements pflag.Value.
func (size Size) Type() string { return "memory.Size" }

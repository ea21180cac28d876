package config

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseBytes reads sizes such as 4GB, 512MB, 64K or 1024. Units are powers
// of 1024.
func ParseBytes(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" || s == "0" {
		return 0, nil
	}
	i := strings.IndexFunc(s, func(r rune) bool { return r < '0' || r > '9' })
	num, unit := s, ""
	if i >= 0 {
		num, unit = s[:i], strings.TrimSpace(s[i:])
	}
	val, err := strconv.ParseInt(num, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	switch unit {
	case "GB", "G":
		return val << 30, nil
	case "MB", "M":
		return val << 20, nil
	case "KB", "K":
		return val << 10, nil
	case "B", "":
		return val, nil
	}
	return 0, fmt.Errorf("invalid size unit %q", unit)
}

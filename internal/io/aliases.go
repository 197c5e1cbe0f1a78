package io

import "strings"

var channelAliasToCanonical = map[string]string{
	"sim":                SimulatedCellChannelName,
	"cell":               SimulatedCellChannelName,
	"mitchell-schaeffer": SimulatedCellChannelName,
	"hold":               ScalarChannelName,
	"loopback":           ScalarChannelName,
}

// CanonicalChannelName folds case, underscores and spaces and maps known
// aliases to their registered channel name.
func CanonicalChannelName(name string) string {
	normalized := strings.TrimSpace(strings.ToLower(name))
	normalized = strings.ReplaceAll(normalized, "_", "-")
	normalized = strings.ReplaceAll(normalized, " ", "-")
	normalized = strings.Trim(normalized, "-")
	if normalized == "" {
		return ""
	}
	if canonical, ok := channelAliasToCanonical[normalized]; ok {
		return canonical
	}
	return normalized
}

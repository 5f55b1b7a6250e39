package models

import (
	"strings"

	"github.com/holiman/uint256"
)

// FormatWords 将栈字以十六进制逗号拼接，用作计数键
func FormatWords(words []uint256.Int) string {
	parts := make([]string, len(words))
	for i := range words {
		parts[i] = words[i].Hex()
	}
	return strings.Join(parts, ",")
}

func wordsEqual(a, b []uint256.Int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Eq(&b[i]) {
			return false
		}
	}
	return true
}

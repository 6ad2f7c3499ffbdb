package main

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// printer groups digits in counts and sizes ("1,048,576").
var printer = message.NewPrinter(language.English)

// formatBytes renders n with a binary unit.
func formatBytes(n int) string {
	const unit = 1024
	if n < unit {
		return printer.Sprintf("%d B", n)
	}
	div, exp := unit, 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return printer.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGT"[exp])
}

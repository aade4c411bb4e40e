// Package archive holds the byte-level helpers shared by the extractors:
// text-encoding fallback, CSV delimiter detection, ZIP probing and member
// extraction, and HTML sniffing.
package archive

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// DecodeText converts raw payload bytes to a string, trying encodings in a
// fixed order: utf-8, cp1252, latin-1. Hospital files claim nothing about
// their encoding so this is pure sniffing. The returned name records which
// encoding won; "utf-8-replacement" marks the lossy last resort, which the
// caller should log.
func DecodeText(b []byte) (string, string) {
	b = bytes.TrimPrefix(b, utf8BOM)

	if utf8.Valid(b) {
		return string(b), "utf-8"
	}
	// cp1252 leaves a handful of bytes undefined; a decode that produced
	// replacement runes did not really succeed.
	if s, err := charmap.Windows1252.NewDecoder().String(string(b)); err == nil && !strings.ContainsRune(s, utf8.RuneError) {
		return s, "cp1252"
	}
	// latin-1 defines all 256 byte values, so this always succeeds.
	if s, err := charmap.ISO8859_1.NewDecoder().String(string(b)); err == nil {
		return s, "latin-1"
	}
	return string(bytes.ToValidUTF8(b, []byte("�"))), "utf-8-replacement"
}

// DetectDelimiter samples the first ten lines and picks the separator
// whose per-line count is stable and non-zero. Comma wins ties.
func DetectDelimiter(text string) rune {
	lines := strings.SplitN(text, "\n", 11)
	if len(lines) > 10 {
		lines = lines[:10]
	}
	var sample []string
	for _, l := range lines {
		l = strings.TrimRight(l, "\r")
		if strings.TrimSpace(l) != "" {
			sample = append(sample, l)
		}
	}
	if len(sample) == 0 {
		return ','
	}

	candidates := []rune{',', '|', '\t', ';'}
	bestCount := 0
	best := ','
	for _, cand := range candidates {
		first := strings.Count(sample[0], string(cand))
		if first == 0 {
			continue
		}
		stable := true
		for _, l := range sample[1:] {
			if strings.Count(l, string(cand)) != first {
				stable = false
				break
			}
		}
		if stable && first > bestCount {
			bestCount = first
			best = cand
		}
	}
	if bestCount > 0 {
		return best
	}

	// Nothing stable; fall back to whichever appears most in the header.
	for _, cand := range candidates {
		if n := strings.Count(sample[0], string(cand)); n > bestCount {
			bestCount = n
			best = cand
		}
	}
	return best
}

// IsCSVMasqueradingAsXLSX detects the depressingly common case of a CSV
// file served under an .xlsx name: a UTF-8 BOM, a leading double-quote, or
// a fully printable comma-bearing head with no ZIP magic.
func IsCSVMasqueradingAsXLSX(b []byte) bool {
	if len(b) == 0 || bytes.HasPrefix(b, zipMagic) {
		return false
	}
	if bytes.HasPrefix(b, utf8BOM) {
		return true
	}
	if b[0] == '"' {
		return true
	}
	head := b
	if len(head) > 20 {
		head = head[:20]
	}
	hasComma := false
	for _, c := range head {
		if c == ',' {
			hasComma = true
		}
		if c != '\t' && c != '\r' && c != '\n' && (c < 0x20 || c > 0x7E) {
			return false
		}
	}
	return hasComma
}

// LooksLikeHTML reports whether a supposedly-data payload is actually an
// HTML page (error page, login wall, virus-scan gate).
func LooksLikeHTML(b []byte) bool {
	head := b
	if len(head) > 512 {
		head = head[:512]
	}
	line := strings.ToLower(strings.TrimSpace(string(head)))
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	return strings.Contains(line, "<!doctype html") || strings.Contains(line, "<html")
}

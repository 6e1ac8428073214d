// Package confheal repairs a known corruption in generated notebook config
// files: the P3P compact-privacy-policy header value emitted with broken
// double-quote nesting, which makes the whole config file a syntax error.
// Repair is idempotent and leaves clean files bit-for-bit untouched.
package confheal

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/unicode"
)

// ErrUnreadableConfig means the file decoded under none of the attempted
// encodings.
var ErrUnreadableConfig = errors.New("unreadable config")

// The corrupt forms: a double-quoted header value that itself contains
// double quotes, either raw or backslash-escaped.
//
//	"P3P": "CP="ALL DSP COR""
//	"P3P": "CP=\"ALL DSP COR\""
//
// Both are rewritten to the single-quoted form, which no pattern matches
// again:
//
//	"P3P": 'CP="ALL DSP COR"'
var (
	rawQuotePattern     = regexp.MustCompile(`"P3P"(\s*:\s*)"CP="([^"]*)""`)
	escapedQuotePattern = regexp.MustCompile(`"P3P"(\s*:\s*)"CP=\\"([^"\\]*)\\""`)
)

// repairText rewrites corrupt P3P directives in the decoded config text.
func repairText(text string) (string, bool) {
	fixed := escapedQuotePattern.ReplaceAllString(text, `"P3P"$1'CP="$2"'`)
	fixed = rawQuotePattern.ReplaceAllString(fixed, `"P3P"$1'CP="$2"'`)
	return fixed, fixed != text
}

// codec pairs a decode attempt with the matching re-encode, so a repaired
// file is written back in the encoding it was read under.
type codec struct {
	name   string
	decode func([]byte) (string, bool)
	encode func(string) ([]byte, error)
}

var codecs = []codec{
	{
		name: "utf-8",
		decode: func(raw []byte) (string, bool) {
			return string(raw), utf8.Valid(raw)
		},
		encode: func(text string) ([]byte, error) {
			return []byte(text), nil
		},
	},
	{
		name:   "utf-16le",
		decode: utf16Decoder(unicode.LittleEndian),
		encode: utf16Encoder(unicode.LittleEndian),
	},
	{
		name:   "utf-16be",
		decode: utf16Decoder(unicode.BigEndian),
		encode: utf16Encoder(unicode.BigEndian),
	},
	{
		name: "gbk",
		decode: func(raw []byte) (string, bool) {
			out, err := simplifiedchinese.GBK.NewDecoder().Bytes(raw)
			if err != nil || bytes.ContainsRune(out, utf8.RuneError) {
				return "", false
			}
			return string(out), true
		},
		encode: func(text string) ([]byte, error) {
			return simplifiedchinese.GBK.NewEncoder().Bytes([]byte(text))
		},
	},
}

func utf16Decoder(e unicode.Endianness) func([]byte) (string, bool) {
	return func(raw []byte) (string, bool) {
		out, err := unicode.UTF16(e, unicode.ExpectBOM).NewDecoder().Bytes(raw)
		if err != nil {
			return "", false
		}
		return string(out), true
	}
}

func utf16Encoder(e unicode.Endianness) func(string) ([]byte, error) {
	return func(text string) ([]byte, error) {
		return unicode.UTF16(e, unicode.ExpectBOM).NewEncoder().Bytes([]byte(text))
	}
}

// RepairFile repairs the config file at path in place. It returns true when
// the file was rewritten. A file with no corruption is not touched at all.
func RepairFile(path string) (bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("%s: %w", path, err)
	}

	for _, c := range codecs {
		text, ok := c.decode(raw)
		if !ok {
			continue
		}
		fixed, changed := repairText(text)
		if !changed {
			return false, nil
		}
		out, err := c.encode(fixed)
		if err != nil {
			return false, fmt.Errorf("%s: re-encoding as %s: %w", path, c.name, err)
		}
		if err := os.WriteFile(path, out, 0o644); err != nil {
			return false, fmt.Errorf("%s: %w", path, err)
		}
		return true, nil
	}

	return false, fmt.Errorf("%s: %w", path, ErrUnreadableConfig)
}

// IsConfigFile reports whether the file name looks like a generated
// notebook config artifact.
func IsConfigFile(name string) bool {
	return strings.HasSuffix(name, "_config.py")
}

// SweepDir walks dir and repairs every config artifact under it. Per-file
// failures are logged and skipped so one corrupt file cannot abort the
// sweep. Returns the number of files actually rewritten.
func SweepDir(dir string, logger *log.Logger) (int, error) {
	repaired := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			logger.Printf("sweep: skipping %s: %v", path, err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !IsConfigFile(d.Name()) {
			return nil
		}
		changed, err := RepairFile(path)
		if err != nil {
			logger.Printf("sweep: %v", err)
			return nil
		}
		if changed {
			logger.Printf("sweep: repaired %s", path)
			repaired++
		}
		return nil
	})
	if err != nil {
		return repaired, fmt.Errorf("sweeping %s: %w", dir, err)
	}
	return repaired, nil
}

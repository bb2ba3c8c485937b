package main

import (
	"encoding/hex"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// Common error and help message constants
const (
	msgErr            = "Error: %v\n"
	msgErrKeyRequired = "--key or --key-hex is required"
	flagKeyHex        = "key-hex"
)

// keyFlags holds the --key/--key-hex pair shared by several commands.
type keyFlags struct {
	key, keyHex string
}

func (kf *keyFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&kf.key, "key", "", "Key (string)")
	cmd.Flags().StringVar(&kf.keyHex, flagKeyHex, "", "Key (hex encoded)")
	cmd.MarkFlagsMutuallyExclusive("key", flagKeyHex)
}

func (kf *keyFlags) parse() ([]byte, error) {
	return parseCLIKey(kf.key, kf.keyHex)
}

// parseCLIKey parses key from either string or hex flag.
func parseCLIKey(key, keyHex string) ([]byte, error) {
	if keyHex != "" {
		keyBytes, err := hex.DecodeString(keyHex)
		if err != nil {
			return nil, errors.Wrap(err, "decode hex key")
		}
		return keyBytes, nil
	}
	if key != "" {
		return []byte(key), nil
	}
	return nil, errors.New(msgErrKeyRequired)
}

// parseCLIValue returns the value given by --value or --value-hex. An
// explicitly empty --value stores an empty value.
func parseCLIValue(value, valueHex string, valueSet bool) ([]byte, error) {
	if valueHex != "" {
		b, err := hex.DecodeString(valueHex)
		if err != nil {
			return nil, errors.Wrap(err, "decode hex value")
		}
		return b, nil
	}
	if value != "" || valueSet {
		return []byte(value), nil
	}
	return nil, errors.New("--value or --value-hex is required")
}

// parseHexPrefix parses a key argument, handling hex formats (0x..., x'...').
// An empty string yields nil, meaning unbounded.
func parseHexPrefix(s string) []byte {
	if s == "" {
		return nil
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		if b, err := hex.DecodeString(s[2:]); err == nil {
			return b
		}
	}
	if strings.HasPrefix(s, "x'") && strings.HasSuffix(s, "'") && len(s) >= 3 {
		if b, err := hex.DecodeString(s[2 : len(s)-1]); err == nil {
			return b
		}
	}
	return []byte(s)
}

// prefixSuccessor returns the exclusive upper bound of keys starting with
// prefix, or nil when the range is unbounded.
func prefixSuccessor(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

func formatKey(key []byte) string {
	for _, b := range key {
		if b < 32 || b > 126 {
			return "0x" + hex.EncodeToString(key)
		}
	}
	if len(key) > 0 {
		return string(key)
	}
	return "0x" + hex.EncodeToString(key)
}

// formatValue prints printable UTF-8 as is and anything else as hex.
func formatValue(val []byte) string {
	if len(val) == 0 {
		return `""`
	}
	if !utf8.Valid(val) {
		return "0x" + hex.EncodeToString(val)
	}
	for _, r := range string(val) {
		if r < 32 && r != '\t' {
			return "0x" + hex.EncodeToString(val)
		}
	}
	return string(val)
}

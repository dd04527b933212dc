package monitoring

import (
	"os"
	"strconv"
	"strings"
)

// Environment variables overriding monitoring parameters.
const (
	// EnvWindowSize overrides the iteration window size (integer).
	EnvWindowSize = "WINDOW_SIZE"
	// EnvCSVFileMode overrides the record sink file mode: "overwrite"
	// (default, also "w") or "append" (also "a").
	EnvCSVFileMode = "CSV_FILE_MODE"
)

// DefaultWindowSize is the window length used when EnvWindowSize is unset.
const DefaultWindowSize = 10

// WindowSizeFromEnv returns the configured window size. Unparsable or
// non-positive values fall back to the default.
func WindowSizeFromEnv() uint64 {
	raw := os.Getenv(EnvWindowSize)
	if raw == "" {
		return DefaultWindowSize
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || n == 0 {
		return DefaultWindowSize
	}
	return n
}

// AppendModeFromEnv reports whether record sinks should append to existing
// files instead of overwriting them.
func AppendModeFromEnv() bool {
	switch strings.ToLower(os.Getenv(EnvCSVFileMode)) {
	case "append", "a":
		return true
	default:
		return false
	}
}

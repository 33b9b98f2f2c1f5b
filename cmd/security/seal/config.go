package seal

import (
	"fmt"
	"math"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// Argon2idParams controls key-derivation cost.
// MemoryKiB is in KiB as required by argon2.IDKey.
type Argon2idParams struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
}

// Config is the single configuration surface for this package.
type Config struct {
	Params Argon2idParams
}

// DefaultConfig returns a baseline suited to sealing a credential file once per
// write. It is cheaper than an interactive password hash because the passphrase
// is machine-held.
func DefaultConfig() Config {
	threads := runtime.NumCPU()
	if threads <= 0 {
		threads = 1
	}
	if threads > 4 {
		threads = 4
	}

	return Config{
		Params: Argon2idParams{
			MemoryKiB:   32 * 1024,
			Iterations:  2,
			Parallelism: uint8(threads), // #nosec G115 -- clamped to [1..4] above.
			SaltLength:  16,
		},
	}
}

// FromEnv loads config from environment variables.
//
// Env surface:
// - BANKLINE_SEAL_MEMORY_KIB
// - BANKLINE_SEAL_ITERATIONS
// - BANKLINE_SEAL_PARALLELISM
// - BANKLINE_SEAL_SALT_LEN
func FromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v, ok := os.LookupEnv("BANKLINE_SEAL_MEMORY_KIB"); ok {
		n, err := parseUint32(v)
		if err != nil || n < 8*1024 {
			return Config{}, fmt.Errorf("BANKLINE_SEAL_MEMORY_KIB: invalid value %q", v)
		}
		cfg.Params.MemoryKiB = n
	}
	if v, ok := os.LookupEnv("BANKLINE_SEAL_ITERATIONS"); ok {
		n, err := parseUint32(v)
		if err != nil || n == 0 || n > 10 {
			return Config{}, fmt.Errorf("BANKLINE_SEAL_ITERATIONS: invalid value %q", v)
		}
		cfg.Params.Iterations = n
	}
	if v, ok := os.LookupEnv("BANKLINE_SEAL_PARALLELISM"); ok {
		n, err := parseUint32(v)
		if err != nil || n == 0 || n > 16 {
			return Config{}, fmt.Errorf("BANKLINE_SEAL_PARALLELISM: invalid value %q", v)
		}
		cfg.Params.Parallelism = uint8(n) // #nosec G115 -- bounded above.
	}
	if v, ok := os.LookupEnv("BANKLINE_SEAL_SALT_LEN"); ok {
		n, err := parseUint32(v)
		if err != nil || n < 16 || n > 64 {
			return Config{}, fmt.Errorf("BANKLINE_SEAL_SALT_LEN: invalid value %q", v)
		}
		cfg.Params.SaltLength = n
	}

	return cfg, nil
}

func parseUint32(v string) (uint32, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 32)
	if err != nil {
		return 0, err
	}
	if n > math.MaxUint32 {
		return 0, fmt.Errorf("out of range")
	}
	return uint32(n), nil
}

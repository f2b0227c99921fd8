package env

import (
	"errors"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

// Get returns the value of the given environment variable or a fallback.
func Get(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

// Load reads the given dotenv files (".env" when none are passed) into the
// process environment. Variables already set win over file values. A missing
// file is reported as ok=false without an error.
func Load(files ...string) (bool, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	if err := godotenv.Load(files...); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

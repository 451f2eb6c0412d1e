package utils

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LoadEnv loads .env from the working directory if present. Variables already
// set in the process environment win.
func LoadEnv() {
	godotenv.Load()
}

func Getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func GetenvInt(key string, fallback int) int {
	v, err := strconv.Atoi(Getenv(key, ""))
	if err != nil {
		return fallback
	}
	return v
}

func GetenvBool(key string, fallback bool) bool {
	v, err := strconv.ParseBool(Getenv(key, ""))
	if err != nil {
		return fallback
	}
	return v
}

func GetenvDuration(key string, fallback time.Duration) time.Duration {
	v, err := time.ParseDuration(Getenv(key, ""))
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

// GetenvList splits a comma separated variable, dropping empty entries.
func GetenvList(key string) []string {
	var out []string
	for _, s := range strings.Split(os.Getenv(key), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fpang/mediaquery/internal/auth"
)

// ResolveDirectory returns the absolute form of dirPath after checking that
// it names an existing directory.
func ResolveDirectory(dirPath string) (string, error) {
	info, err := os.Stat(dirPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return "", fmt.Errorf("directory not found: %s", dirPath)
	case err != nil:
		return "", fmt.Errorf("access %s: %w", dirPath, err)
	case !info.IsDir():
		return "", fmt.Errorf("not a directory: %s", dirPath)
	}
	return filepath.Abs(dirPath)
}

// ValidationHint turns a provider validation error into advice for the user.
func ValidationHint(err error) string {
	var validationErr *auth.ValidationError
	if !errors.As(err, &validationErr) {
		return "unexpected error during API key validation"
	}
	switch validationErr.Type {
	case auth.ErrTypeInvalidKey:
		return "invalid API key, check the configured key"
	case auth.ErrTypeNetworkError:
		return "network error, check your connection or the provider status"
	case auth.ErrTypeQuotaExceeded:
		return "quota exceeded, try again later or check your usage limits"
	default:
		return "API key validation failed"
	}
}

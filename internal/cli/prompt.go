package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ncruces/zenity"
	"github.com/rs/zerolog/log"
)

// PromptForDirectory prompts the user for a directory path on out and reads
// the answer from in. Returns the current directory if the user enters
// nothing.
func PromptForDirectory(in io.Reader, out io.Writer) string {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}

	fmt.Fprintf(out, "Directory [%s]: ", cwd)

	reader := bufio.NewReader(in)
	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		log.Warn().Err(err).Msg("Failed to read input, using current directory")
		return cwd
	}

	input = strings.TrimSpace(input)
	if input == "" {
		return cwd
	}
	return input
}

// PickDirectory opens the native folder picker. When no dialog is
// available it falls back to PromptForDirectory on stdin. A cancelled
// dialog returns "".
func PickDirectory() string {
	selected, err := zenity.SelectFile(
		zenity.Directory(),
		zenity.Title("Select media folder"),
	)
	switch {
	case err == nil:
		return selected
	case errors.Is(err, zenity.ErrCanceled):
		return ""
	default:
		log.Debug().Err(err).Msg("Folder dialog unavailable, prompting instead")
		return PromptForDirectory(os.Stdin, os.Stdout)
	}
}

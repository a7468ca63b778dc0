package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/fpang/mediaquery/internal/batch"
)

// Controllable is the part of batch.Orchestrator driven from the keyboard.
type Controllable interface {
	Pause() bool
	Resume() bool
	Abort() bool
	Status() batch.State
}

const controlsHelp = "Commands: [p]ause  [r]esume  [s]tatus  [q]uit (abort)"

// RunControls reads one command per line from in until ctx is done or in is
// exhausted, applying each to c and reporting on out.
func RunControls(ctx context.Context, in io.Reader, out io.Writer, c Controllable) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprintln(out, controlsHelp)
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			Apply(strings.TrimSpace(line), out, c)
		}
	}
}

// Apply executes one control command.
func Apply(cmd string, out io.Writer, c Controllable) {
	switch strings.ToLower(cmd) {
	case "":
	case "p", "pause":
		if c.Pause() {
			fmt.Fprintln(out, "Pausing after the current item.")
		} else {
			fmt.Fprintln(out, "No batch running.")
		}
	case "r", "resume":
		if c.Resume() {
			fmt.Fprintln(out, "Resumed.")
		} else {
			fmt.Fprintln(out, "No batch running.")
		}
	case "s", "status":
		fmt.Fprintln(out, FormatState(c.Status()))
	case "q", "quit", "abort":
		if c.Abort() {
			fmt.Fprintln(out, "Aborting batch.")
		} else {
			fmt.Fprintln(out, "No batch running.")
		}
	default:
		fmt.Fprintln(out, controlsHelp)
	}
}

// FormatState renders a one-line status.
func FormatState(st batch.State) string {
	if !st.Running {
		return "idle"
	}
	state := "running"
	if st.Paused {
		state = "paused"
	}
	s := fmt.Sprintf("%s: item %d/%d %s", state, st.CurrentIndex+1, st.TotalItems, st.CurrentItem)
	if st.CurrentGroup != "" {
		s += fmt.Sprintf(" (group %d/%d %s)", st.GroupIndex+1, st.TotalGroups, st.CurrentGroup)
	}
	return s + fmt.Sprintf(", %d ok, %d failed", st.Succeeded, st.Failed)
}

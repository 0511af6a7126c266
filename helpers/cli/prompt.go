package cli

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/c-bata/go-prompt"
	"github.com/mattn/go-isatty"
)

// IsTerminal reports whether x is *os.File attached to terminal.
func IsTerminal(x interface{}) bool {
	f, ok := x.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// MainLoop runs interactive prompt when input is terminal, otherwise executes input lines until EOF.
// Interactive prompt returns on Ctrl-D.
func MainLoop(tag string, in io.Reader, exec func(line string), complete prompt.Completer, prefix func() string) error {
	if IsTerminal(in) {
		prompt.New(exec, complete,
			prompt.OptionTitle(tag),
			prompt.OptionPrefix(prefix()),
			prompt.OptionLivePrefix(func() (string, bool) { return prefix(), true }),
		).Run()
		return nil
	}
	return ExecLines(in, exec)
}

func ExecLines(r io.Reader, exec func(line string)) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		exec(strings.TrimSpace(scanner.Text()))
	}
	return scanner.Err()
}

// Completer suggests words with prefix of word before cursor.
func Completer(words func() []string) prompt.Completer {
	return func(d prompt.Document) []prompt.Suggest {
		w := d.GetWordBeforeCursor()
		if w == "" {
			return nil
		}
		seen := make(map[string]struct{})
		var suggests []prompt.Suggest
		for _, line := range words() {
			for _, x := range strings.Fields(line) {
				if _, ok := seen[x]; !ok {
					seen[x] = struct{}{}
					suggests = append(suggests, prompt.Suggest{Text: x})
				}
			}
		}
		return prompt.FilterHasPrefix(suggests, w, true)
	}
}

package cli_test

import (
	"os"
	"strings"
	"testing"

	"github.com/c-bata/go-prompt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/mavrelay/helpers/cli"
)

func TestExecLines(t *testing.T) {
	t.Parallel()
	var got []string
	err := cli.MainLoop("test", strings.NewReader("use a\n  vehicles \n\nparam show *\n"), func(line string) {
		got = append(got, line)
	}, nil, func() string { return "> " })
	require.NoError(t, err)
	assert.Equal(t, []string{"use a", "vehicles", "", "param show *"}, got)
}

func TestIsTerminal(t *testing.T) {
	t.Parallel()
	assert.False(t, cli.IsTerminal(strings.NewReader("")))
	f, err := os.CreateTemp(t.TempDir(), "tty")
	require.NoError(t, err)
	defer f.Close()
	assert.False(t, cli.IsTerminal(f))
}

func TestCompleter(t *testing.T) {
	t.Parallel()
	c := cli.Completer(func() []string { return []string{"param download", "param show", "plane", "vehicles"} })

	buf := prompt.NewBuffer()
	buf.InsertText("use p", false, true)
	var texts []string
	for _, s := range c(*buf.Document()) {
		texts = append(texts, s.Text)
	}
	assert.Equal(t, []string{"param", "plane"}, texts)

	buf = prompt.NewBuffer()
	assert.Empty(t, c(*buf.Document()))
}

package main

import (
	"bufio"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chzyer/readline"
	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/ferrovax/torctl"
)

// lineEditor abstracts line input so the prompt works both on a real
// terminal and with piped stdin.
type lineEditor interface {
	ReadLine() (string, error)
	Close() error
}

// completer offers the control commands people actually type at a prompt.
var completer = readline.NewPrefixCompleter(
	readline.PcItem("GETINFO",
		readline.PcItem("version"),
		readline.PcItem("config-file"),
		readline.PcItem("fingerprint"),
		readline.PcItem("traffic/read"),
		readline.PcItem("traffic/written"),
	),
	readline.PcItem("GETCONF"),
	readline.PcItem("SETCONF"),
	readline.PcItem("RESETCONF"),
	readline.PcItem("SETEVENTS"),
	readline.PcItem("SIGNAL",
		readline.PcItem("NEWNYM"),
		readline.PcItem("RELOAD"),
		readline.PcItem("DUMP"),
		readline.PcItem("DEBUG"),
		readline.PcItem("HEARTBEAT"),
	),
	readline.PcItem("PROTOCOLINFO"),
	readline.PcItem("quit"),
)

func newLineEditor(historyFile string) lineEditor {
	if !isatty.IsTerminal(os.Stdin.Fd()) {
		return &stdioEditor{scanner: bufio.NewScanner(os.Stdin)}
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          color.New(color.FgCyan, color.Bold).Sprint(">>> "),
		HistoryFile:     historyFile,
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return &stdioEditor{scanner: bufio.NewScanner(os.Stdin)}
	}

	return &readlineEditor{rl: rl}
}

type readlineEditor struct {
	rl *readline.Instance
}

func (e *readlineEditor) ReadLine() (string, error) {
	return e.rl.Readline()
}

func (e *readlineEditor) Close() error {
	return e.rl.Close()
}

// stdioEditor reads plain lines, for piped input or terminals readline
// can't drive.
type stdioEditor struct {
	scanner *bufio.Scanner
}

func (e *stdioEditor) ReadLine() (string, error) {
	fmt.Print(">>> ")

	if !e.scanner.Scan() {
		if err := e.scanner.Err(); err != nil {
			return "", err
		}

		return "", io.EOF
	}

	return e.scanner.Text(), nil
}

func (e *stdioEditor) Close() error {
	return nil
}

// runREPL reads control commands until the user quits, relaying each to tor
// and printing the reply.
func runREPL(ctx context.Context, control *torctl.Controller, historyFile string) {
	editor := newLineEditor(historyFile)
	defer func() { _ = editor.Close() }()

	errColor := color.New(color.FgRed)

	for {
		line, err := editor.ReadLine()
		if err != nil {
			if stderrors.Is(err, readline.ErrInterrupt) {
				if line == "" {
					return
				}

				continue
			}

			// io.EOF, ctrl-d
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.EqualFold(line, "quit") || strings.EqualFold(line, "exit") {
			return
		}

		reply, err := control.Msg(ctx, line)
		if err != nil {
			_, _ = errColor.Fprintln(os.Stderr, err)

			if !control.IsAlive() {
				return
			}

			continue
		}

		fmt.Println(reply.String())
	}
}

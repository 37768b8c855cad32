// kv-cli is the interactive client for kv-server. Each input line is
// sent as one command frame; the decoded reply is printed.
//
// Usage:
//
//	kv-cli [--host H] [--port P]
//
// With a TTY, input is read through a readline editor with history at
// $HOME/.kv_cli_history. Otherwise lines are read straight from stdin,
// which makes piping scripts in work as expected.
package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	"github.com/abiiranathan/kvgo/internal/server"
	"github.com/abiiranathan/kvgo/pkg/client"
)

// liner caps its in-memory history at 1000 entries, matching the
// historical client.
const historyFileName = ".kv_cli_history"

var replCommands = []string{
	"PING", "INFO", "SET", "GET", "DEL", "EXISTS", "KEYS",
	"CLEAR", "STATS", "SAVE", "LOAD", "BACKUP", "QUIT",
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("kv-cli", flag.ContinueOnError)

	host := fs.String("host", "127.0.0.1", "server host")
	port := fs.Int("port", server.DefaultPort, "server port")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}

		fmt.Fprintln(os.Stderr, "error:", err)

		return 1
	}

	addr := fmt.Sprintf("%s:%d", *host, *port)

	c, err := client.Dial(addr, client.Options{})
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)

		return 1
	}

	defer func() { _ = c.Close() }()

	if isTerminal() {
		return runInteractive(c, addr)
	}

	return runPiped(c)
}

func isTerminal() bool {
	info, err := os.Stdin.Stat()
	if err != nil {
		return false
	}

	return info.Mode()&os.ModeCharDevice != 0
}

func runPiped(c *client.Client) int {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if !execute(c, line) {
			return 0
		}
	}

	if err := scanner.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)

		return 1
	}

	return 0
}

func runInteractive(c *client.Client, addr string) int {
	rl := liner.NewLiner()
	defer rl.Close()

	rl.SetCtrlCAborts(true)
	rl.SetCompleter(completeCommand)

	histPath := historyPath()
	if histPath != "" {
		if f, err := os.Open(histPath); err == nil {
			_, _ = rl.ReadHistory(f)
			_ = f.Close()
		}
	}

	fmt.Printf("connected to %s\n", addr)
	fmt.Println("Type a command (HELP is not a server command; try PING).")

	for {
		line, err := rl.Prompt("kv> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Println()

				break
			}

			fmt.Fprintln(os.Stderr, "error:", err)

			return 1
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		rl.AppendHistory(line)

		if !execute(c, line) {
			break
		}
	}

	saveHistory(rl, histPath)

	return 0
}

// execute sends one line and prints the reply. Returns false when the
// session should end (QUIT, or the connection died).
func execute(c *client.Client, line string) bool {
	reply, err := c.Do(line)
	if err != nil {
		var serverErr *client.ServerError
		if errors.As(err, &serverErr) {
			fmt.Printf("(error) %s\n", serverErr.Reason)

			return true
		}

		fmt.Fprintln(os.Stderr, "error:", err)

		return false
	}

	printReply(reply)

	return !strings.EqualFold(strings.Fields(line)[0], "QUIT")
}

func printReply(reply client.Reply) {
	switch reply.Kind {
	case client.KindSimple:
		fmt.Println(string(reply.Str))
	case client.KindBulk:
		fmt.Println(string(reply.Str))
	case client.KindNull:
		fmt.Println("(nil)")
	case client.KindInt:
		fmt.Printf("(integer) %d\n", reply.Int)
	case client.KindArray:
		if len(reply.Elems) == 0 {
			fmt.Println("(empty array)")

			return
		}

		for i, elem := range reply.Elems {
			fmt.Printf("%d) %s\n", i+1, string(elem.Str))
		}
	}
}

func completeCommand(line string) []string {
	upper := strings.ToUpper(line)

	var out []string

	for _, cmd := range replCommands {
		if strings.HasPrefix(cmd, upper) {
			out = append(out, cmd+" ")
		}
	}

	return out
}

func historyPath() string {
	home := os.Getenv("HOME")
	if home == "" {
		return ""
	}

	return filepath.Join(home, historyFileName)
}

func saveHistory(rl *liner.State, path string) {
	if path == "" {
		return
	}

	f, err := os.Create(path) //nolint:gosec // history file under $HOME
	if err != nil {
		return
	}

	defer func() { _ = f.Close() }()

	_, _ = rl.WriteHistory(f)
}

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/txweave/txweave/core/transaction"
)

const clientTimeout = 10 * time.Second

var adminAddr = flag.String("admin", "http://127.0.0.1:7480", "Base URL of the coordinator admin surface")

var httpClient = http.Client{Timeout: clientTimeout}

func fetch(path string) ([]byte, error) {
	resp, err := httpClient.Get(strings.TrimRight(*adminAddr, "/") + path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func showStatus() {
	body, err := fetch("/healthz")
	if err != nil {
		fmt.Printf("Error: coordinator unreachable: %v\n", err)
		return
	}
	fmt.Printf("Coordinator: %s\n", strings.TrimSpace(string(body)))
}

func showTransactions() {
	body, err := fetch("/transactions")
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	var snaps []transaction.Snapshot
	if err := json.Unmarshal(body, &snaps); err != nil {
		fmt.Printf("Error: malformed response: %v\n", err)
		return
	}
	if len(snaps) == 0 {
		fmt.Println("No live or in-doubt transactions.")
		return
	}
	for _, s := range snaps {
		fmt.Printf("%s  %-13s participants=%v", s.ID, s.State, s.Enlisted)
		if len(s.Votes) > 0 {
			fmt.Printf(" votes=%v", s.Votes)
		}
		fmt.Println()
	}
}

func showHelp() {
	fmt.Println("Commands:")
	fmt.Println("  status         coordinator liveness")
	fmt.Println("  transactions   list active and in-doubt transactions")
	fmt.Println("  help")
	fmt.Println("  exit / quit")
}

func processCommand(cmd string) {
	switch cmd {
	case "status":
		showStatus()
	case "transactions":
		showTransactions()
	case "help":
		showHelp()
	case "exit", "quit":
		fmt.Println("Exiting txweave CLI.")
		os.Exit(0)
	default:
		fmt.Println("Error: unknown command. Type 'help' for a list of commands.")
	}
}

func main() {
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		processCommand(args[0])
		return
	}

	rl, err := readline.New("txweave> ")
	if err != nil {
		fmt.Printf("Error: failed to start interactive mode: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	fmt.Println("txweave CLI (interactive mode). Type 'help' for commands, 'exit' or 'quit' to leave.")
	for {
		line, err := rl.Readline()
		if err != nil { // io.EOF or readline.ErrInterrupt
			fmt.Println("\nExiting txweave CLI.")
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		processCommand(line)
	}
}

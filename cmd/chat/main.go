package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	server := flag.String("server", "http://localhost:3210", "Nuka runtime server URL")
	user := flag.String("user", "cli-user", "User name sent with each command")
	flag.Parse()

	fmt.Println("Nuka Runtime CLI")
	fmt.Printf("Server: %s | User: %s\n", *server, *user)
	fmt.Println("Type 'exit' or 'quit' to leave. Commands start with /, try /help.")
	fmt.Println("---")

	fetchHealth(*server)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Println("Bye!")
			return
		}
		if !strings.HasPrefix(input, "/") {
			input = "/" + input
		}
		sendCommand(*server, *user, input)
	}
}

func fetchHealth(server string) {
	resp, err := http.Get(server + "/api/health")
	if err != nil {
		printError("Server unreachable: %v", err)
		return
	}
	defer resp.Body.Close()

	var health struct {
		Status  string `json:"status"`
		Runtime string `json:"runtime"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		printError("Failed to parse health: %v", err)
		return
	}
	fmt.Printf("\033[32m%s\033[0m %s\n", health.Status, health.Runtime)
}

func sendCommand(server, user, input string) {
	body, _ := json.Marshal(map[string]string{
		"command":   input,
		"platform":  "cli",
		"user_id":   user,
		"user_name": user,
	})

	// /pull can block for its own timeout on the server side.
	client := &http.Client{Timeout: 65 * time.Second}
	resp, err := client.Post(server+"/api/command", "application/json", bytes.NewReader(body))
	if err != nil {
		printError("Request failed: %v", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		printError("Server error (%d): %s", resp.StatusCode, string(data))
		return
	}

	var result struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		printError("Failed to parse response: %v", err)
		return
	}
	fmt.Println(strings.TrimRight(result.Content, "\n"))
}

func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "\033[31m"+format+"\033[0m\n", args...)
}

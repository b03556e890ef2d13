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
	server := flag.String("server", "http://localhost:8080", "TaskHive server URL")
	priority := flag.Int("priority", 0, "priority for submitted tasks (1 most urgent, 0 = default)")
	flag.Parse()

	fmt.Println("TaskHive CLI")
	fmt.Printf("Server: %s\n", *server)
	fmt.Println("Type a task title to submit it and wait for the result.")
	fmt.Println("Commands: /agents, /status, /tasks. 'exit' or 'quit' to leave.")
	fmt.Println("---")

	fetchAgents(*server)

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
		if input == "/status" {
			fetchStatus(*server)
			continue
		}
		if input == "/agents" {
			fetchAgents(*server)
			continue
		}
		if input == "/tasks" {
			fetchTasks(*server)
			continue
		}

		submitAndAwait(*server, input, *priority)
	}
}

func fetchAgents(server string) {
	resp, err := http.Get(server + "/api/agents")
	if err != nil {
		printError("Failed to fetch agents: %v", err)
		return
	}
	defer resp.Body.Close()

	var agents []struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		Role        string `json:"role"`
		State       string `json:"state"`
		ActiveTasks int    `json:"active_tasks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&agents); err != nil {
		printError("Failed to parse agents: %v", err)
		return
	}
	if len(agents) == 0 {
		fmt.Println("No agents registered yet.")
		return
	}
	fmt.Println("Registered agents:")
	for _, a := range agents {
		fmt.Printf("  %s (%s) %s, %d active\n", a.Name, a.Role, a.State, a.ActiveTasks)
	}
}

func fetchStatus(server string) {
	resp, err := http.Get(server + "/api/status")
	if err != nil {
		printError("Failed to fetch status: %v", err)
		return
	}
	defer resp.Body.Close()

	var st struct {
		AgentCount  int `json:"agent_count"`
		ActiveTasks int `json:"active_tasks"`
		QueueLength int `json:"queue_length"`
		Metrics     struct {
			TasksCreated   uint64 `json:"tasks_created"`
			TasksCompleted uint64 `json:"tasks_completed"`
			TasksFailed    uint64 `json:"tasks_failed"`
		} `json:"metrics"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		printError("Failed to parse status: %v", err)
		return
	}
	fmt.Printf("Agents: %d | Active: %d | Queued: %d\n", st.AgentCount, st.ActiveTasks, st.QueueLength)
	fmt.Printf("Tasks: %d created, %d completed, %d failed\n",
		st.Metrics.TasksCreated, st.Metrics.TasksCompleted, st.Metrics.TasksFailed)
}

func fetchTasks(server string) {
	resp, err := http.Get(server + "/api/tasks")
	if err != nil {
		printError("Failed to fetch tasks: %v", err)
		return
	}
	defer resp.Body.Close()

	var tasks []struct {
		ID     string `json:"id"`
		Title  string `json:"title"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tasks); err != nil {
		printError("Failed to parse tasks: %v", err)
		return
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks yet.")
		return
	}
	for _, t := range tasks {
		fmt.Printf("  %-10s %s (%s)\n", t.Status, t.Title, t.ID)
	}
}

func submitAndAwait(server, title string, priority int) {
	body, _ := json.Marshal(map[string]interface{}{
		"title":    title,
		"priority": priority,
	})

	client := &http.Client{Timeout: 65 * time.Second}
	resp, err := client.Post(server+"/api/tasks", "application/json", bytes.NewReader(body))
	if err != nil {
		printError("Request failed: %v", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		data, _ := io.ReadAll(resp.Body)
		printError("Server error (%d): %s", resp.StatusCode, string(data))
		return
	}

	var task struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		printError("Failed to parse task: %v", err)
		return
	}
	fmt.Printf("Submitted %s, waiting...\n", task.ID)

	awaitBody, _ := json.Marshal(map[string]int{"timeout_ms": 60000})
	resp2, err := client.Post(server+"/api/tasks/"+task.ID+"/await", "application/json", bytes.NewReader(awaitBody))
	if err != nil {
		printError("Await failed: %v", err)
		return
	}
	defer resp2.Body.Close()

	var out struct {
		Task struct {
			Status  string          `json:"status"`
			AgentID string          `json:"agent_id"`
			Result  json.RawMessage `json:"result"`
		} `json:"task"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp2.Body).Decode(&out); err != nil {
		printError("Failed to parse result: %v", err)
		return
	}

	if out.Error != "" {
		printError("Task %s: %s", out.Task.Status, out.Error)
		return
	}
	fmt.Printf("\033[36m[%s]\033[0m %s\n", out.Task.AgentID, string(out.Task.Result))
}

func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "\033[31m"+format+"\033[0m\n", args...)
}

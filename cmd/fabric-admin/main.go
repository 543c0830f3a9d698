// ABOUTME: Admin CLI for fabric-gateway federation operations
// ABOUTME: Queries discovery, dead letters, and audit over the authenticated HTTP API

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
)

const banner = `
  __       _          _                        _           _
 / _| __ _| |__  _ __(_) ___         __ _  __| |_ __ ___ (_)_ __
| |_ / _' | '_ \| '__| |/ __|_____  / _' |/ _' | '_ ' _ \| | '_ \
|  _| (_| | |_) | |  | | (_|______|| (_| | (_| | | | | | | | | | |
|_|  \__,_|_.__/|_|  |_|\___|       \__,_|\__,_|_| |_| |_|_|_| |_|
`

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	baseURL := os.Getenv("FABRIC_GATEWAY_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	token := os.Getenv("FABRIC_TOKEN")

	c := &client{baseURL: baseURL, token: token}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "agents":
		err = cmdAgents(c, args)
	case "status":
		err = cmdStatus(c)
	case "deadletters":
		err = cmdDeadLetters(c, args)
	case "audit":
		err = cmdAudit(c, args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: fabric-admin <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  status                       Show division status and breaker states")
	fmt.Println("  agents [--division D] [--capability C]...")
	fmt.Println("                               Discover agents visible to you")
	fmt.Println("  deadletters                  List dead-lettered messages")
	fmt.Println("  deadletters replay <id>      Requeue a dead-lettered message")
	fmt.Println("  audit [--action A] [--actor ID]")
	fmt.Println("                               Query the audit trail")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  FABRIC_GATEWAY_URL           Gateway base URL (default: http://localhost:8080)")
	fmt.Println("  FABRIC_TOKEN                 JWT authentication token")
}

type client struct {
	baseURL string
	token   string
}

func (c *client) do(method, path string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
	}

	req, err := http.NewRequest(method, c.baseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling gateway: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var envlp struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(raw, &envlp) == nil && envlp.Error.Code != "" {
			return fmt.Errorf("%s: %s", envlp.Error.Code, envlp.Error.Message)
		}
		return fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

type agentView struct {
	AgentID       string   `json:"agentId"`
	DivisionID    string   `json:"divisionId"`
	Capabilities  []string `json:"capabilities"`
	Status        string   `json:"status"`
	Version       int64    `json:"version"`
	LastHeartbeat string   `json:"lastHeartbeat"`
}

func cmdAgents(c *client, args []string) error {
	q := url.Values{}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--division":
			if i+1 >= len(args) {
				return fmt.Errorf("--division requires a value")
			}
			q.Set("division", args[i+1])
			i++
		case "--capability":
			if i+1 >= len(args) {
				return fmt.Errorf("--capability requires a value")
			}
			q.Add("capability", args[i+1])
			i++
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	path := "/api/v1/agents"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var agents []agentView
	if err := c.do(http.MethodGet, path, nil, &agents); err != nil {
		return err
	}

	if len(agents) == 0 {
		fmt.Println("no agents visible")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "AGENT\tDIVISION\tSTATUS\tVERSION\tCAPABILITIES\tLAST HEARTBEAT")
	for _, a := range agents {
		hb := a.LastHeartbeat
		if t, err := time.Parse(time.RFC3339Nano, hb); err == nil {
			hb = time.Since(t).Round(time.Second).String() + " ago"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			a.AgentID, a.DivisionID, a.Status, a.Version,
			joinMax(a.Capabilities, 4), hb)
	}
	return w.Flush()
}

func cmdStatus(c *client) error {
	var status struct {
		DivisionID   string            `json:"divisionId"`
		ActiveAgents int               `json:"activeAgents"`
		QueueDepth   int               `json:"queueDepth"`
		Breakers     map[string]string `json:"breakers"`
		UptimeSecs   int64             `json:"uptimeSeconds"`
	}
	if err := c.do(http.MethodGet, "/api/v1/status", nil, &status); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	cyan.Printf("division %s\n", status.DivisionID)
	fmt.Printf("  active agents: %d\n", status.ActiveAgents)
	fmt.Printf("  queue depth:   %d\n", status.QueueDepth)
	fmt.Printf("  uptime:        %s\n", (time.Duration(status.UptimeSecs) * time.Second).String())

	if len(status.Breakers) > 0 {
		fmt.Println("  breakers:")
		for division, state := range status.Breakers {
			switch state {
			case "open":
				fmt.Printf("    %s: %s\n", division, color.RedString(state))
			case "half-open":
				fmt.Printf("    %s: %s\n", division, color.YellowString(state))
			default:
				fmt.Printf("    %s: %s\n", division, color.GreenString(state))
			}
		}
	}
	return nil
}

func cmdDeadLetters(c *client, args []string) error {
	if len(args) > 0 && args[0] == "replay" {
		if len(args) < 2 {
			return fmt.Errorf("replay requires a message id")
		}
		messageID := args[1]
		if err := c.do(http.MethodPost, "/api/v1/deadletters/"+url.PathEscape(messageID)+"/replay", nil, nil); err != nil {
			return err
		}
		color.Green("requeued %s\n", messageID)
		return nil
	}

	var letters []struct {
		MessageID   string    `json:"messageId"`
		Target      string    `json:"target"`
		LastError   string    `json:"lastError"`
		Attempts    int       `json:"attempts"`
		DeadAt      time.Time `json:"deadAt"`
		ReplayCount int       `json:"replayCount"`
	}
	if err := c.do(http.MethodGet, "/api/v1/deadletters", nil, &letters); err != nil {
		return err
	}

	if len(letters) == 0 {
		fmt.Println("dead-letter queue is empty")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MESSAGE\tTARGET\tATTEMPTS\tDEAD AT\tREPLAYS\tLAST ERROR")
	for _, dl := range letters {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\t%s\n",
			dl.MessageID, dl.Target, dl.Attempts,
			dl.DeadAt.Format(time.RFC3339), dl.ReplayCount, truncate(dl.LastError, 60))
	}
	return w.Flush()
}

func cmdAudit(c *client, args []string) error {
	q := url.Values{}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--action":
			if i+1 >= len(args) {
				return fmt.Errorf("--action requires a value")
			}
			q.Set("action", args[i+1])
			i++
		case "--actor":
			if i+1 >= len(args) {
				return fmt.Errorf("--actor requires a value")
			}
			q.Set("actor", args[i+1])
			i++
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	path := "/api/v1/audit"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var entries []struct {
		ActorID    string    `json:"ActorID"`
		DivisionID string    `json:"DivisionID"`
		Action     string    `json:"Action"`
		TargetType string    `json:"TargetType"`
		TargetID   string    `json:"TargetID"`
		Timestamp  time.Time `json:"Timestamp"`
	}
	if err := c.do(http.MethodGet, path, nil, &entries); err != nil {
		return err
	}

	if len(entries) == 0 {
		fmt.Println("no matching audit entries")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "WHEN\tACTOR\tDIVISION\tACTION\tTARGET")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s/%s\n",
			e.Timestamp.Format(time.RFC3339), e.ActorID, e.DivisionID,
			e.Action, e.TargetType, e.TargetID)
	}
	return w.Flush()
}

func joinMax(items []string, max int) string {
	if len(items) <= max {
		return strings.Join(items, ",")
	}
	return strings.Join(items[:max], ",") + fmt.Sprintf(",+%d", len(items)-max)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

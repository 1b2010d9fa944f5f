package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/agentry-dev/agentry"
	"github.com/agentry-dev/agentry/agents"
)

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Interactive runtime shell",
	Long: `Shell starts a local runtime with the builtin agents (echo, logger,
collector) and drops into a prompt for sending and publishing messages.
Type "help" at the prompt for commands.`,
	RunE: runShell,
}

func init() {
	rootCmd.AddCommand(shellCmd)
}

var shellCommands = []string{
	"send", "publish", "subscribe", "agents", "state", "help", "exit", "quit",
}

const shellHelp = `Commands:
  send <type>/<key> <message>       deliver to one agent and print the reply
  publish <topic>[/<source>] <msg>  fan out to every subscribed agent
  subscribe <topic> <agent-type>    route a topic to an agent type
  agents                            list registered agent types
  state                             dump the current state snapshot as JSON
  help                              show this help
  exit, quit                        stop the runtime and leave`

type shellSession struct {
	rt    agentry.Runtime
	types []string
	out   io.Writer
}

func runShell(cmd *cobra.Command, args []string) error {
	rt := agentry.NewRuntime()
	sess := &shellSession{rt: rt, out: cmd.OutOrStdout()}
	for _, name := range []string{"echo", "logger", "collector"} {
		factory, ok := agents.Lookup(name)
		if !ok {
			return fmt.Errorf("builtin agent %q missing", name)
		}
		if err := rt.RegisterFactory(agentry.AgentType(name), factory); err != nil {
			return err
		}
		if err := rt.AddSubscription(agentry.NewDefaultSubscription(agentry.AgentType(name))); err != nil {
			return err
		}
		sess.types = append(sess.types, name)
	}
	if err := rt.Start(); err != nil {
		return err
	}

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)
	line.SetCompleter(func(input string) []string {
		var matches []string
		for _, c := range shellCommands {
			if strings.HasPrefix(c, strings.ToLower(input)) {
				matches = append(matches, c)
			}
		}
		return matches
	})

	historyPath := shellHistoryPath()
	if historyPath != "" {
		if f, err := os.Open(historyPath); err == nil {
			_, _ = line.ReadHistory(f)
			f.Close()
		}
	}

	fmt.Fprintf(sess.out, "agentry shell, %d builtin agents registered. Type help.\n", len(sess.types))
	for {
		input, err := line.Prompt("agentry> ")
		if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)
		if input == "exit" || input == "quit" {
			break
		}
		if err := sess.dispatch(cmd.Context(), input); err != nil {
			fmt.Fprintf(sess.out, "error: %v\n", err)
		}
	}

	if historyPath != "" {
		if f, err := os.Create(historyPath); err == nil { // #nosec G304 - path is under the user's own home directory
			_, _ = line.WriteHistory(f)
			f.Close()
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return rt.StopWhenIdle(stopCtx)
}

func (s *shellSession) dispatch(ctx context.Context, input string) error {
	fields := strings.Fields(input)
	switch fields[0] {
	case "help":
		fmt.Fprintln(s.out, shellHelp)
		return nil
	case "agents":
		sorted := append([]string(nil), s.types...)
		sort.Strings(sorted)
		for _, t := range sorted {
			fmt.Fprintln(s.out, t)
		}
		return nil
	case "state":
		snapshot, err := s.rt.SaveState(ctx)
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(snapshot, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(s.out, string(data))
		return nil
	case "send":
		if len(fields) < 3 {
			return errors.New("usage: send <type>/<key> <message>")
		}
		id, err := agentry.ParseAgentID(fields[1])
		if err != nil {
			return err
		}
		reply, err := s.rt.SendMessage(ctx, strings.Join(fields[2:], " "), id)
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "%v\n", reply)
		return nil
	case "publish":
		if len(fields) < 3 {
			return errors.New("usage: publish <topic>[/<source>] <message>")
		}
		topicType, source, ok := strings.Cut(fields[1], "/")
		if !ok {
			source = "shell"
		}
		topic := agentry.NewTopicID(topicType, source)
		return s.rt.PublishMessage(ctx, strings.Join(fields[2:], " "), topic)
	case "subscribe":
		if len(fields) != 3 {
			return errors.New("usage: subscribe <topic> <agent-type>")
		}
		return s.rt.AddSubscription(agentry.NewTypeSubscription(fields[1], agentry.AgentType(fields[2])))
	default:
		return fmt.Errorf("unknown command %q, type help", fields[0])
	}
}

func shellHistoryPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".agentry_history")
}

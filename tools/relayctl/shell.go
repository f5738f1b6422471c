package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/Thejuampi/relay-client-go/relay"
)

// Shell drives one relay client from typed commands.
type Shell struct {
	client *relay.Client
	out    io.Writer
	wait   time.Duration
}

func newShell(client *relay.Client, out io.Writer) *Shell {
	return &Shell{client: client, out: out, wait: 10 * time.Second}
}

// ConnectionEvent prints lifecycle events.
func (shell *Shell) ConnectionEvent(client *relay.Client, event relay.ConnectionEvent) {
	fmt.Fprintf(shell.out, "[%s] event %s\n", client.Name(), event)
}

// SendFailed prints items the server refused.
func (shell *Shell) SendFailed(client *relay.Client, id string, err error) {
	fmt.Fprintf(shell.out, "[%s] send %s failed: %v\n", client.Name(), id, err)
}

// Run reads commands until quit, EOF or ctx is done.
func (shell *Shell) Run(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "relay> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()
	shell.out = rl.Stdout()

	shell.printHelp()
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			return nil
		}
		if shell.execute(ctx, line) {
			return nil
		}
	}
}

func (shell *Shell) printHelp() {
	fmt.Fprintln(shell.out, `commands:
  connect <user> <credential> [autocreate] [suspend]
  anon [suspend]
  goanon
  send <dest[,dest]> <text>
  publish <topic> <text>
  cancel <id>
  pending
  status <id>
  suspend | resume
  push on|off
  info
  disconnect [deactivate]
  quit`)
}

// execute runs one command line and reports whether the shell should exit.
func (shell *Shell) execute(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	command, args := fields[0], fields[1:]

	var err error
	switch command {
	case "help", "?":
		shell.printHelp()
	case "connect":
		err = shell.cmdConnect(ctx, args)
	case "anon":
		err = shell.cmdAnonymous(ctx, args)
	case "goanon":
		err = shell.goAnonymous(ctx)
	case "send":
		err = shell.cmdSend(args)
	case "publish":
		err = shell.cmdPublish(args)
	case "cancel":
		err = shell.cmdCancel(args)
	case "pending":
		shell.cmdPending()
	case "status":
		err = shell.cmdStatus(args)
	case "suspend":
		err = shell.client.SuspendDelivery()
	case "resume":
		err = shell.client.ResumeDelivery()
	case "push":
		err = shell.cmdPush(args)
	case "info":
		shell.cmdInfo()
	case "disconnect":
		deactivate := len(args) > 0 && args[0] == "deactivate"
		err = shell.await(ctx, shell.client.Disconnect(deactivate))
	case "quit", "exit", "q":
		return true
	default:
		err = fmt.Errorf("unknown command %q", command)
	}
	if err != nil {
		fmt.Fprintf(shell.out, "error: %v\n", err)
	}
	return false
}

func (shell *Shell) goAnonymous(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shell.wait)
	defer cancel()
	return shell.client.GoAnonymous(ctx)
}

func (shell *Shell) await(ctx context.Context, completion *relay.Completion) error {
	ctx, cancel := context.WithTimeout(ctx, shell.wait)
	defer cancel()
	return completion.Wait(ctx)
}

func connectionOptions(flags []string) *relay.ConnectionOptions {
	options := &relay.ConnectionOptions{}
	for _, flag := range flags {
		switch flag {
		case "autocreate":
			options.AutoCreate = true
		case "suspend":
			options.SuspendDelivery = true
		}
	}
	return options
}

func (shell *Shell) cmdConnect(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: connect <user> <credential> [autocreate] [suspend]")
	}
	completion, err := shell.client.ConnectWithCredentials(args[0], []byte(args[1]), shell, connectionOptions(args[2:]))
	if err != nil {
		return err
	}
	return shell.await(ctx, completion)
}

func (shell *Shell) cmdAnonymous(ctx context.Context, args []string) error {
	completion, err := shell.client.ConnectAnonymous(shell, connectionOptions(args))
	if err != nil {
		return err
	}
	return shell.await(ctx, completion)
}

func (shell *Shell) cmdSend(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: send <dest[,dest]> <text>")
	}
	id, err := shell.client.Send(strings.Split(args[0], ","), textPayload(args[1:]), relay.SendOptions{})
	if err != nil {
		return err
	}
	fmt.Fprintf(shell.out, "queued %s\n", id)
	return nil
}

func (shell *Shell) cmdPublish(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: publish <topic> <text>")
	}
	id, err := shell.client.Publish(args[0], textPayload(args[1:]))
	if err != nil {
		return err
	}
	fmt.Fprintf(shell.out, "queued %s\n", id)
	return nil
}

func textPayload(words []string) relay.Payload {
	return relay.Payload{ContentType: "text/plain", Data: []byte(strings.Join(words, " "))}
}

func (shell *Shell) cmdCancel(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: cancel <id>")
	}
	if shell.client.Cancel(args[0]) {
		fmt.Fprintf(shell.out, "cancelled %s\n", args[0])
	} else {
		fmt.Fprintf(shell.out, "%s is not cancellable\n", args[0])
	}
	return nil
}

func (shell *Shell) cmdPending() {
	ids := shell.client.PendingIDs()
	if len(ids) == 0 {
		fmt.Fprintln(shell.out, "outbox empty")
		return
	}
	items := shell.client.PendingItems(relay.KindAny)
	for _, id := range ids {
		item, ok := items[id]
		if !ok {
			continue
		}
		fmt.Fprintf(shell.out, "%s %s -> %s\n", id, item.Kind, strings.Join(item.Destination, ","))
	}
}

func (shell *Shell) cmdStatus(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: status <id>")
	}
	fmt.Fprintf(shell.out, "%s %s\n", args[0], shell.client.MessageStatus(args[0]))
	return nil
}

func (shell *Shell) cmdPush(args []string) error {
	if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
		return fmt.Errorf("usage: push on|off")
	}
	return shell.client.SetPushEnabled(args[0] == "on")
}

func (shell *Shell) cmdInfo() {
	info := shell.client.ConnectionInfo()
	rows := map[string]string{
		"name":      shell.client.Name(),
		"device":    shell.client.DeviceID(),
		"state":     shell.client.State().String(),
		"uri":       info.Settings.URI,
		"username":  info.Username,
		"auth_mode": info.AuthMode.String(),
		"push":      fmt.Sprintf("%v", info.PushEnabled),
	}
	keys := make([]string, 0, len(rows))
	for key := range rows {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(shell.out, "%-10s %s\n", key, rows[key])
	}
}

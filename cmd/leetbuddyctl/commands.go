package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"leetbuddy/internal/ipc"
	"leetbuddy/internal/messaging"
	"leetbuddy/internal/observer"
)

// usageError is returned by a command given the wrong arguments. Its text is
// the command's synopsis.
type usageError string

func (e usageError) Error() string { return string(e) }

type command func(client *ipc.IPCClient, args []string) error

var commands = map[string]command{
	"status":     cmdStatus,
	"history":    cmdHistory,
	"clear":      cmdClear,
	"stats":      cmdStats,
	"page":       cmdPage,
	"watch":      cmdWatch,
	"panel":      cmdPanel,
	"stop":       cmdStop,
	"save":       cmdSave,
	"cancel":     cmdCancel,
	"open-panel": cmdOpenPanel,
	"chat":       cmdChat,
	"hint":       cmdHint,
	"turns":      cmdTurns,
}

func cmdStatus(client *ipc.IPCClient, _ []string) error {
	ctx, cancel := requestContext()
	defer cancel()
	status, err := client.Status(ctx)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	if !printJSON(status) {
		writeStatus(os.Stdout, status)
	}
	return nil
}

func cmdHistory(client *ipc.IPCClient, args []string) error {
	slug := optionalArg(args)
	ctx, cancel := requestContext()
	defer cancel()
	resp, err := client.History(ctx, slug)
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}
	if !printJSON(resp.Histories) {
		writeHistory(os.Stdout, resp.Histories)
	}
	return nil
}

func cmdClear(client *ipc.IPCClient, args []string) error {
	slug := optionalArg(args)
	ctx, cancel := requestContext()
	defer cancel()
	resp, err := client.Clear(ctx, slug)
	if err != nil {
		return fmt.Errorf("clear: %w", err)
	}
	if printJSON(resp) {
		return nil
	}
	if len(resp.Cleared) == 0 {
		fmt.Println("Nothing to clear")
		return nil
	}
	for _, s := range resp.Cleared {
		fmt.Printf("Cleared %s\n", s)
	}
	return nil
}

func cmdStats(client *ipc.IPCClient, _ []string) error {
	ctx, cancel := requestContext()
	defer cancel()
	resp, err := client.Stats(ctx)
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}
	if !printJSON(resp.Topics) {
		writeStats(os.Stdout, resp.Topics)
	}
	return nil
}

func cmdPage(client *ipc.IPCClient, args []string) error {
	if len(args) < 1 {
		return usageError("page <url> [title] [result]")
	}
	page := observer.Page{URL: args[0]}
	if len(args) > 1 {
		page.Title = args[1]
	}
	if len(args) > 2 {
		page.ResultText = args[2]
	}

	ctx, cancel := requestContext()
	defer cancel()
	tab, err := client.AttachTab(ctx, "")
	if err != nil {
		return fmt.Errorf("attach tab: %w", err)
	}
	ack, err := client.SendPage(ctx, tab, page, true)
	if err != nil {
		return fmt.Errorf("send page: %w", err)
	}
	if printJSON(ack) {
		return nil
	}
	fmt.Printf("Tab      %s\n", ack.TabID)
	if ack.Slug == "" {
		fmt.Println("Problem  (none)")
	} else {
		fmt.Printf("Problem  %s\n", ack.Slug)
	}
	return nil
}

func cmdWatch(client *ipc.IPCClient, args []string) error {
	events := make([]ipc.EventType, 0, len(args))
	for _, a := range args {
		events = append(events, ipc.EventType(a))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reqCtx, cancel := requestContext()
	err := client.Subscribe(reqCtx, events...)
	cancel()
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-client.Events():
			if !ok {
				return fmt.Errorf("connection to daemon closed")
			}
			if !printJSON(ev) {
				writeEvent(os.Stdout, ev)
			}
		}
	}
}

func cmdPanel(client *ipc.IPCClient, _ []string) error {
	ctx, cancel := requestContext()
	defer cancel()
	resp, err := client.PanelState(ctx)
	if err != nil {
		return fmt.Errorf("panel: %w", err)
	}
	return printPanel(resp)
}

func cmdStop(client *ipc.IPCClient, args []string) error {
	sec, err := secondsArg(args, "stop <sec>")
	if err != nil {
		return err
	}
	ctx, cancel := requestContext()
	defer cancel()
	resp, err := client.StopAndSave(ctx, sec)
	if err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	return printPanel(resp)
}

func cmdSave(client *ipc.IPCClient, args []string) error {
	sec, err := secondsArg(args, "save <sec>")
	if err != nil {
		return err
	}
	ctx, cancel := requestContext()
	defer cancel()
	resp, err := client.Confirm(ctx, sec)
	if err != nil {
		return fmt.Errorf("save: %w", err)
	}
	if printJSON(resp) {
		return nil
	}
	if resp.Saved == nil {
		fmt.Println("Nothing saved")
		return nil
	}
	fmt.Printf("Saved %s in %s (submission %s)\n",
		resp.Saved.Problem.Slug, formatSeconds(resp.Saved.ElapsedSec), resp.Saved.SubmissionID)
	return nil
}

func cmdCancel(client *ipc.IPCClient, _ []string) error {
	ctx, cancel := requestContext()
	defer cancel()
	resp, err := client.Cancel(ctx)
	if err != nil {
		return fmt.Errorf("cancel: %w", err)
	}
	return printPanel(resp)
}

func cmdOpenPanel(client *ipc.IPCClient, args []string) error {
	msg := messaging.OpenSidePanel().WithTab(optionalArg(args))
	ctx, cancel := requestContext()
	defer cancel()
	resp, err := client.SendRuntime(ctx, msg)
	if err != nil {
		return fmt.Errorf("open panel: %w", err)
	}
	if printJSON(resp) {
		return nil
	}
	if !resp.Delivered {
		fmt.Println("No receiver for the request")
		return nil
	}
	fmt.Println("Open requested")
	return nil
}

func cmdChat(client *ipc.IPCClient, args []string) error {
	if len(args) < 1 {
		return usageError("chat <text>")
	}
	ctx, cancel := requestContext()
	defer cancel()
	resp, err := client.ChatSend(ctx, joinArgs(args))
	if err != nil {
		return fmt.Errorf("chat: %w", err)
	}
	return printChatReply(resp)
}

func cmdHint(client *ipc.IPCClient, args []string) error {
	if len(args) != 1 {
		return usageError("hint <dsa|pattern|complexity|example>")
	}
	ctx, cancel := requestContext()
	defer cancel()
	resp, err := client.ChatHint(ctx, args[0])
	if err != nil {
		return fmt.Errorf("hint: %w", err)
	}
	return printChatReply(resp)
}

func cmdTurns(client *ipc.IPCClient, _ []string) error {
	ctx, cancel := requestContext()
	defer cancel()
	resp, err := client.ChatTurns(ctx)
	if err != nil {
		return fmt.Errorf("turns: %w", err)
	}
	if !printJSON(resp) {
		writeTurns(os.Stdout, resp)
	}
	return nil
}

func printPanel(resp *ipc.PanelResponse) error {
	if !printJSON(resp) {
		writePanel(os.Stdout, resp)
	}
	return nil
}

func printChatReply(resp *ipc.ChatResponse) error {
	if printJSON(resp) {
		return nil
	}
	if resp.Reply != nil {
		writeTurn(os.Stdout, *resp.Reply)
	}
	return nil
}

func optionalArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

func secondsArg(args []string, synopsis string) (int64, error) {
	if len(args) != 1 {
		return 0, usageError(synopsis)
	}
	sec, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || sec < 0 {
		return 0, usageError(synopsis)
	}
	return sec, nil
}

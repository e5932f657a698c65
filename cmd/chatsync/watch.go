package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	chatsync "github.com/loopmarket/chatsync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch <conversation-id>",
	Short: "Watch a conversation live",
	Long:  "Open a conversation and print its messages as they arrive, including edits, deletions and typing indicators. Ctrl-C to stop.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		client, cfg := getSession()
		rt := getRealtime(client, cfg)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		engine := chatsync.NewEngine(cfg.Auth.UserID, client, rt)
		engine.Start(ctx)
		defer engine.Close()

		engine.SelectConversation(conversationID)

		go func() {
			for n := range engine.Notices() {
				fmt.Fprintf(os.Stderr, "! %v\n", n.Err)
			}
		}()

		var lastLine string
		for {
			select {
			case <-ctx.Done():
				fmt.Println()
				return nil
			case <-engine.Updates():
				snap := engine.Snapshot()
				if line := renderTail(snap); line != "" && line != lastLine {
					fmt.Println(line)
					lastLine = line
				}
			}
		}
	},
}

// renderTail formats the newest visible state of the open conversation.
func renderTail(snap chatsync.Snapshot) string {
	if len(snap.TypingUsers) > 0 {
		return fmt.Sprintf("… %s typing", strings.Join(snap.TypingUsers, ", "))
	}
	if len(snap.Messages) == 0 {
		return ""
	}
	m := snap.Messages[len(snap.Messages)-1]
	who := m.SenderID
	if m.Direction == chatsync.DirectionSent {
		who = "me"
	}
	status := ""
	if m.Provisional {
		status = " (sending)"
	}
	return fmt.Sprintf("[%s] %s: %s%s", m.CreatedAt.Format("15:04:05"), who, m.DisplayContent(), status)
}

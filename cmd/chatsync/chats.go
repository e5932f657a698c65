package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	chatsJSON   bool
	chatsUnread bool
)

func init() {
	chatsCmd.Flags().BoolVar(&chatsJSON, "json", false, "Output raw JSON")
	chatsCmd.Flags().BoolVar(&chatsUnread, "unread", false, "Only conversations with unread messages")
	rootCmd.AddCommand(chatsCmd)
}

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List conversations",
	Long:  "List all conversations in recency order, with unread counts and last-message previews.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getSession()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		convs, err := client.FetchConversations(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if chatsJSON {
			data, err := json.MarshalIndent(convs, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		shown := 0
		for _, c := range convs {
			if chatsUnread && c.UnreadCount == 0 {
				continue
			}
			shown++
			marker := " "
			if c.UnreadCount > 0 {
				marker = fmt.Sprintf("%d", c.UnreadCount)
			}
			pin := " "
			if c.Pinned {
				pin = "*"
			}
			fmt.Printf("%s %2s  %-24s %-36s %s\n", pin, marker, c.DisplayName, c.ID, c.LastMessagePreview)
		}
		if shown == 0 {
			fmt.Println("No conversations.")
		}
		return nil
	},
}

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	chatsync "github.com/loopmarket/chatsync"
	"github.com/spf13/cobra"
)

var sendFiles []string

func init() {
	sendCmd.Flags().StringSliceVar(&sendFiles, "file", nil, "Attach a file (repeatable; up to 5 images, or 1 video, or 1 file)")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> [text]",
	Short: "Send a message",
	Long:  "Send a text message or attachments to a conversation over the request/response path.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		text := strings.Join(args[1:], " ")
		if text == "" && len(sendFiles) == 0 {
			return fmt.Errorf("nothing to send: provide text or --file")
		}

		client, _ := getSession()
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		clientID := chatsync.ProvisionalIDPrefix + uuid.NewString()

		if len(sendFiles) > 0 {
			batch, err := readBatch(sendFiles)
			if err != nil {
				return err
			}
			msg, err := client.SendMedia(ctx, conversationID, batch, clientID)
			if err != nil {
				return fmt.Errorf("send failed: %w", err)
			}
			fmt.Printf("Sent %s (%d attachments) as %s\n", msg.Kind, len(msg.Media), msg.ID)
			return nil
		}

		msg, err := client.SendText(ctx, conversationID, text, clientID)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		fmt.Printf("Sent as %s\n", msg.ID)
		return nil
	},
}

// readBatch loads the named files into an attachment batch, inferring kinds
// from extensions.
func readBatch(paths []string) (chatsync.AttachmentBatch, error) {
	var batch chatsync.AttachmentBatch
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return chatsync.AttachmentBatch{}, fmt.Errorf("read %s: %w", p, err)
		}
		batch.Files = append(batch.Files, chatsync.MediaRef{
			Kind:         kindForExt(filepath.Ext(p)),
			Name:         filepath.Base(p),
			Size:         int64(len(data)),
			LocalPreview: data,
		})
	}
	if err := batch.Validate(); err != nil {
		return chatsync.AttachmentBatch{}, err
	}
	return batch, nil
}

func kindForExt(ext string) chatsync.MessageKind {
	switch strings.ToLower(ext) {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp":
		return chatsync.KindImage
	case ".mp4", ".mov", ".webm", ".mkv":
		return chatsync.KindVideo
	default:
		return chatsync.KindFile
	}
}

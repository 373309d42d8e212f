package email

import (
	"context"
	"fmt"
	"strings"

	"counsel/internal/tools"
)

// RegisterTools adds the check_email and read_email tools backed by
// the given client.
func RegisterTools(r *tools.Registry, client *Client) {
	r.Register(&tools.Tool{
		Name:        "check_email",
		Description: "List recent email messages in a folder. Use unseen=true to see only unread mail.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"folder": map[string]any{
					"type":        "string",
					"description": "Mailbox to list. Default: INBOX.",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum number of messages to return. Default: 20.",
				},
				"unseen": map[string]any{
					"type":        "boolean",
					"description": "Only list messages without the Seen flag.",
				},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			opts := ListOptions{
				Folder: stringArg(args, "folder"),
				Limit:  intArg(args, "limit"),
				Unseen: boolArg(args, "unseen"),
			}
			envelopes, err := client.ListMessages(ctx, opts)
			if err != nil {
				return "", err
			}
			if len(envelopes) == 0 {
				folder := opts.Folder
				if folder == "" {
					folder = "INBOX"
				}
				return fmt.Sprintf("No messages in %s", folder), nil
			}
			return formatEnvelopeList(envelopes), nil
		},
	})

	r.Register(&tools.Tool{
		Name:        "read_email",
		Description: "Read a single email message by UID, including its body text.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"uid": map[string]any{
					"type":        "integer",
					"description": "IMAP UID of the message, from check_email.",
				},
				"folder": map[string]any{
					"type":        "string",
					"description": "Mailbox containing the message. Default: INBOX.",
				},
			},
			"required": []string{"uid"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			uid := uint32(intArg(args, "uid"))
			if uid == 0 {
				return "", fmt.Errorf("uid is required")
			}
			msg, err := client.ReadMessage(ctx, stringArg(args, "folder"), uid)
			if err != nil {
				return "", err
			}
			return formatMessage(msg), nil
		},
	})
}

func formatEnvelopeList(envelopes []Envelope) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d message(s):\n\n", len(envelopes)))

	for _, env := range envelopes {
		sb.WriteString(fmt.Sprintf("UID: %d\n", env.UID))
		sb.WriteString(fmt.Sprintf("From: %s\n", env.From))
		sb.WriteString(fmt.Sprintf("Subject: %s\n", env.Subject))
		sb.WriteString(fmt.Sprintf("Date: %s\n", env.Date.Format("2006-01-02 15:04")))
		if len(env.Flags) > 0 {
			sb.WriteString(fmt.Sprintf("Flags: %s\n", strings.Join(env.Flags, ", ")))
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

func formatMessage(msg *Message) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("From: %s\n", msg.From))
	sb.WriteString(fmt.Sprintf("To: %s\n", strings.Join(msg.To, ", ")))
	sb.WriteString(fmt.Sprintf("Subject: %s\n", msg.Subject))
	sb.WriteString(fmt.Sprintf("Date: %s\n", msg.Date.Format("2006-01-02 15:04 MST")))
	sb.WriteString(fmt.Sprintf("UID: %d\n", msg.UID))
	sb.WriteString("\n---\n\n")

	switch {
	case msg.TextBody != "":
		sb.WriteString(msg.TextBody)
	case msg.HTMLBody != "":
		sb.WriteString("[HTML content — no plain text version available]\n\n")
		sb.WriteString(msg.HTMLBody)
	default:
		sb.WriteString("[No text content available]")
	}

	return sb.String()
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func intArg(args map[string]any, key string) int {
	if v, ok := args[key].(float64); ok {
		return int(v)
	}
	return 0
}

func boolArg(args map[string]any, key string) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return false
}

package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"recado/app/pkg/types"
)

// Channel is a local stdin/stdout channel for trying the assistant
// without a WhatsApp setup. The typed owner id is fixed at start.
type Channel struct {
	id    string
	owner string
}

func NewChannel(owner string) *Channel {
	if strings.TrimSpace(owner) == "" {
		owner = "local_user"
	}
	return &Channel{id: "cli", owner: owner}
}

func (c *Channel) ID() string {
	return c.id
}

func (c *Channel) Start(ctx context.Context, handler func(types.Message)) error {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println(">> recado CLI started. Type 'exit' to quit.")

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
			fmt.Print("> ")
			if !scanner.Scan() {
				return nil
			}
			text := strings.TrimSpace(scanner.Text())
			if text == "exit" || text == "quit" {
				fmt.Println("Exiting CLI loop...")
				return nil
			}
			if text == "" {
				continue
			}

			handler(types.Message{
				ID:        fmt.Sprintf("cli-%d", time.Now().UnixNano()),
				Content:   text,
				Role:      types.MessageRoleUser,
				Kind:      types.MessageKindText,
				ChannelID: c.id,
				Owner:     c.owner,
			})
		}
	}
}

func (c *Channel) Send(_ context.Context, msg types.Message) error {
	fmt.Printf("[recado]: %s\n", msg.Content)
	return nil
}

package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/good-yellow-bee/cowork/internal/client"
	"github.com/good-yellow-bee/cowork/internal/room"
)

var joinCmd = &cobra.Command{
	Use:   "join <project>",
	Short: "Join a project room and chat",
	Long: `Join a project room: print the history, then every new message as it
arrives. Lines typed on stdin are sent as chat messages; /quit leaves.

Example:
  coworkctl join my-app`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		p, err := c.FindProject(ctx, args[0])
		if err != nil {
			return err
		}
		me, err := c.Self()
		if err != nil {
			return err
		}

		printer := newChatPrinter(os.Stdout)
		engine := client.NewEngine(c, client.EngineConfig{
			ProjectID: p.ID,
			Self:      me,
			OnUpdate:  printer.Update,
			OnState: func(s client.ConnState) {
				PrintVerbose("[%s]", s)
			},
		}, newLogger())

		runErr := make(chan error, 1)
		go func() { runErr <- engine.Run(ctx) }()

		select {
		case <-engine.Ready():
		case err := <-runErr:
			return err
		}
		fmt.Printf("Joined %s as %s. Type a message, /quit to leave.\n", p.Name, me.Email)

		lines := make(chan string)
		go readLines(os.Stdin, lines)
		for {
			select {
			case <-ctx.Done():
				return nil
			case err := <-runErr:
				return err
			case line, ok := <-lines:
				if !ok || line == "/quit" {
					return nil
				}
				if strings.TrimSpace(line) == "" {
					continue
				}
				if _, err := engine.Send(line); err != nil {
					PrintError(err.Error(), false)
				}
			}
		}
	},
}

var sendAsAI bool

var sendCmd = &cobra.Command{
	Use:   "send <project> <message>",
	Short: "Post one message without joining the room",
	Long: `Post one message to a project's chat.

With --as-ai the message is posted on behalf of the assistant, which is how
an external agent can answer in a room.

Examples:
  coworkctl send my-app "deploying now"
  coworkctl send my-app --as-ai "Done, see index.js"`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx := context.Background()
		p, err := c.FindProject(ctx, args[0])
		if err != nil {
			return err
		}
		text := strings.Join(args[1:], " ")

		var msg *room.MessagePayload
		if sendAsAI {
			msg, err = c.PostMessageAs(ctx, p.ID, "ai", text)
		} else {
			msg, err = c.PostMessage(ctx, p.ID, text, "")
		}
		if err != nil {
			return fmt.Errorf("send message: %w", err)
		}
		PrintVerbose("posted message %s (seq %d)", msg.ID, msg.Seq)
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <project>",
	Short: "Print a project's chat log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx := context.Background()
		p, err := c.FindProject(ctx, args[0])
		if err != nil {
			return err
		}
		msgs, err := c.Messages(ctx, p.ID)
		if err != nil {
			return fmt.Errorf("list messages: %w", err)
		}
		if GetOutput() == "json" {
			return printJSON(msgs)
		}
		for _, m := range msgs {
			fmt.Println(formatMessage(m))
		}
		return nil
	},
}

var askCmd = &cobra.Command{
	Use:   "ask <prompt>",
	Short: "Ask the assistant a one-off question outside any project",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		res, err := c.Ask(context.Background(), strings.Join(args, " "))
		if err != nil {
			return fmt.Errorf("ask: %w", err)
		}
		if GetOutput() == "json" {
			return printJSON(res)
		}
		fmt.Println(res.Text)
		for _, path := range res.FileTree.Paths() {
			fmt.Printf("\n--- %s ---\n%s\n", path, res.FileTree[path].Contents)
		}
		return nil
	},
}

func init() {
	sendCmd.Flags().BoolVar(&sendAsAI, "as-ai", false, "post on behalf of the assistant")
	rootCmd.AddCommand(joinCmd, sendCmd, historyCmd, askCmd)
}

// formatMessage renders one chat line.
func formatMessage(m room.MessagePayload) string {
	who := m.Sender.Name
	if who == "" {
		who = m.Sender.Email
	}
	if who == "" {
		who = m.Sender.ID
	}
	return fmt.Sprintf("[%s] %s: %s", m.Timestamp.Local().Format("15:04"), who, m.Message)
}

// chatPrinter prints each confirmed message and notice once, across
// reconnects.
type chatPrinter struct {
	w       io.Writer
	mu      sync.Mutex
	printed map[string]bool
	notices int
}

func newChatPrinter(w io.Writer) *chatPrinter {
	return &chatPrinter{w: w, printed: make(map[string]bool)}
}

func (p *chatPrinter) Update(v client.View) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, m := range v.Messages {
		if m.Pending {
			continue
		}
		key := m.CorrelationID
		if key == "" {
			key = m.ID
		}
		if p.printed[key] {
			continue
		}
		p.printed[key] = true
		fmt.Fprintln(p.w, formatMessage(m.MessagePayload))
	}

	if len(v.Notices) < p.notices {
		p.notices = 0
	}
	for _, n := range v.Notices[p.notices:] {
		switch n.Kind {
		case room.EventAssistantError:
			fmt.Fprintf(p.w, "! assistant failed: %s\n", n.Message)
		default:
			fmt.Fprintf(p.w, "! %s: %s\n", n.Code, n.Message)
		}
	}
	p.notices = len(v.Notices)
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

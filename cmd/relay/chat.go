package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/opentalon/relay/internal/app"
	"github.com/opentalon/relay/internal/model"
	"github.com/opentalon/relay/internal/orchestrator"
)

func newChatCmd(root *rootOptions) *cobra.Command {
	var (
		conversation string
		require      bool
	)
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Chat in the terminal, or send a single message",
		Long: `Starts an interactive conversation on stdin. With a message argument,
sends it, prints the reply and exits.

Commands inside the chat:
  /cd <folder>   set the folder relative searches resolve against
  /quit          leave`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.load(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			a, err := app.New(ctx, root.cfg, app.WithLogger(root.logger))
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			c := &chat{app: a, out: cmd.OutOrStdout(), errOut: cmd.ErrOrStderr()}
			var topts []orchestrator.TurnOption
			if require {
				topts = append(topts, orchestrator.WithRequiredCapability())
			}
			if len(args) > 0 {
				return c.once(ctx, conversation, strings.Join(args, " "), topts)
			}
			return c.loop(ctx, conversation, cmd.InOrStdin(), topts)
		},
	}
	cmd.Flags().StringVar(&conversation, "conversation", "", "conversation ID to resume (needs a store)")
	cmd.Flags().BoolVar(&require, "require-capability", false, "fall back to keyword matching when the model does not invoke a capability")
	return cmd
}

type chat struct {
	app    *app.App
	out    io.Writer
	errOut io.Writer
}

func (c *chat) once(ctx context.Context, id, text string, topts []orchestrator.TurnOption) error {
	o, err := c.app.NewConversation(ctx, id)
	if err != nil {
		return err
	}
	defer o.Close()
	reply, err := o.SendMessage(ctx, text, topts...)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, reply.Turn.Content)
	return nil
}

func (c *chat) loop(ctx context.Context, id string, in io.Reader, topts []orchestrator.TurnOption) error {
	go c.watchModel(ctx)

	o, err := c.app.NewConversation(ctx, id)
	if err != nil {
		return err
	}
	defer o.Close()
	for _, t := range o.History() {
		fmt.Fprintf(c.out, "%s: %s\n", t.Role, t.Content)
	}

	sc := bufio.NewScanner(in)
	for {
		fmt.Fprint(c.out, "> ")
		if !sc.Scan() {
			fmt.Fprintln(c.out)
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			return nil
		case strings.HasPrefix(line, "/cd "):
			loc := strings.TrimSpace(strings.TrimPrefix(line, "/cd "))
			c.app.SetLocation(loc)
			fmt.Fprintf(c.errOut, "searching relative to %s\n", loc)
			continue
		}

		reply, err := o.SendMessage(ctx, line, topts...)
		if err != nil {
			return err
		}
		fmt.Fprintln(c.out, reply.Turn.Content)
		if ctx.Err() != nil {
			return nil
		}
	}
}

// watchModel reports model status changes other than Ready.
func (c *chat) watchModel(ctx context.Context) {
	for st := range c.app.Model().Watch(ctx) {
		switch st.State {
		case model.Ready, model.Checking:
		default:
			fmt.Fprintf(c.errOut, "[model %s]\n", st)
		}
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/suPer8Hu/ghostwriter/internal/auth"
	"github.com/suPer8Hu/ghostwriter/internal/tasks"
	"github.com/suPer8Hu/ghostwriter/internal/tracker"
	"github.com/urfave/cli/v2"
)

func serverFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "server",
			Usage:   "ghostwriter base URL",
			Value:   "http://127.0.0.1:8080",
			EnvVars: []string{"GHOSTWRITER_URL"},
		},
		&cli.StringFlag{
			Name:     "token",
			Usage:    "bearer token",
			EnvVars:  []string{"GHOSTWRITER_TOKEN"},
			Required: true,
		},
	}
}

func newClient(ctx *cli.Context) *tracker.Client {
	return tracker.NewClient(ctx.String("server"), ctx.String("token"))
}

func BuildApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:      "ghostctl",
		Usage:     "talk to a ghostwriter server",
		Writer:    out,
		ErrWriter: out,
		Commands: []*cli.Command{
			{
				Name:  "token",
				Usage: "sign a development token",
				Flags: []cli.Flag{
					&cli.Uint64Flag{Name: "user", Usage: "user id", Required: true},
					&cli.DurationFlag{Name: "ttl", Value: 24 * time.Hour},
					&cli.StringFlag{Name: "secret", EnvVars: []string{"JWT_SECRET"}, Value: "dev-secret-change-me"},
				},
				Action: func(ctx *cli.Context) error {
					tok, err := auth.SignJWT(ctx.Uint64("user"), ctx.String("secret"), ctx.Duration("ttl"))
					if err != nil {
						return err
					}
					_, err = fmt.Fprintln(ctx.App.Writer, tok)
					return err
				},
			},
			{
				Name:  "conversation",
				Usage: "create a conversation",
				Flags: append(serverFlags(),
					&cli.StringFlag{Name: "title"},
					&cli.StringFlag{Name: "provider"},
					&cli.StringFlag{Name: "model"},
				),
				Action: func(ctx *cli.Context) error {
					conv, err := newClient(ctx).CreateConversation(ctx.Context, ctx.String("title"), ctx.String("provider"), ctx.String("model"))
					if err != nil {
						return err
					}
					_, err = fmt.Fprintf(ctx.App.Writer, "%d\t%s\t%s\n", conv.ID, conv.Provider, conv.Model)
					return err
				},
			},
			{
				Name:  "status",
				Usage: "show a task's status",
				Flags: append(serverFlags(),
					&cli.Uint64Flag{Name: "id", Required: true},
				),
				Action: func(ctx *cli.Context) error {
					t, err := newClient(ctx).GetTask(ctx.Context, ctx.Uint64("id"))
					if err != nil {
						return err
					}
					_, err = fmt.Fprintf(ctx.App.Writer, "%d\t%s\t%s\n", t.ID, t.Status, tasks.DisplayStatus(t))
					return err
				},
			},
			{
				Name:      "send",
				Usage:     "send a message and wait for the reply",
				ArgsUsage: "<message>",
				Flags: append(serverFlags(),
					&cli.Uint64Flag{Name: "conversation", Required: true},
					&cli.DurationFlag{Name: "timeout", Value: 5 * time.Minute},
				),
				Action: func(ctx *cli.Context) error {
					text := strings.TrimSpace(strings.Join(ctx.Args().Slice(), " "))
					if text == "" {
						return errors.New("message is required")
					}
					c := newClient(ctx)
					return runSend(ctx.Context, ctx.App.Writer, c, ctx.Uint64("conversation"), text, ctx.Duration("timeout"))
				},
			},
		},
	}
}

// runSend sends text and blocks until the tracker reports the
// conversation idle again.
func runSend(ctx context.Context, out io.Writer, c *tracker.Client, conversationID uint64, text string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	changes := make(chan bool, 8)
	tr, err := tracker.New(tracker.Options{
		Source:     c,
		Subscriber: c,
		Patcher:    c,
		Sender:     c,
		OnProcessingChange: func(processing bool) {
			select {
			case changes <- processing:
			default:
			}
		},
	})
	if err != nil {
		return err
	}
	defer tr.Close()

	if err := tr.Open(ctx, conversationID); err != nil {
		return err
	}
	sent, err := tr.SendMessage(ctx, text)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "sent message %d\n", sent.UserMessageID)

	// the task is created asynchronously; if its INSERT event slipped past
	// the subscription, reopening picks it up from the active list
	rediscover := time.NewTicker(3 * time.Second)
	defer rediscover.Stop()
	started := false
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for reply: %w", ctx.Err())
		case <-rediscover.C:
			if !started && len(tr.Outstanding()) == 0 {
				if err := tr.Open(ctx, conversationID); err != nil {
					return err
				}
			}
		case processing := <-changes:
			if processing {
				started = true
				fmt.Fprintln(out, "processing...")
				continue
			}
			if !started {
				continue
			}
			return printOutcome(ctx, out, c, tr, conversationID)
		}
	}
}

func printOutcome(ctx context.Context, out io.Writer, c *tracker.Client, tr *tracker.Tracker, conversationID uint64) error {
	if msg := tr.LastError(); msg != "" {
		return fmt.Errorf("task failed: %s", msg)
	}
	msgs, err := c.ListMessages(ctx, conversationID, 1)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return errors.New("no reply found")
	}
	_, err = fmt.Fprintln(out, msgs[0].Content)
	return err
}

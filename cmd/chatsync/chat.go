package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	chatsync "github.com/sociora/chatsync-go"
	"github.com/spf13/cobra"
)

var (
	verbose bool

	historyJSON bool

	conversationsJSON bool

	watchWith string
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output raw JSON")
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output raw JSON")
	watchCmd.Flags().StringVar(&watchWith, "with", "", "Print only the conversation with this counterpart")

	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(watchCmd)
}

// loadSessionHistory builds a read-only session and bootstraps it from
// the REST history endpoint.
func loadSessionHistory(ctx context.Context, cfg *Config) (*chatsync.Session, error) {
	logger := newLogger()
	client := newRESTClient(cfg, logger)
	session := chatsync.NewSession(client, nil, &chatsync.SessionConfig{
		SelfID: cfg.Auth.UserID,
		Logger: logger,
	})
	if err := session.LoadHistory(ctx); err != nil {
		return nil, err
	}
	return session, nil
}

func printMessage(selfID string, m chatsync.Message) {
	direction := "←"
	who := m.Sender.DisplayName()
	if who == "" {
		who = m.SenderID
	}
	if m.SenderID == selfID {
		direction = "→"
		who = m.ReceiverID
		if m.Receiver != nil && m.Receiver.DisplayName() != "" {
			who = m.Receiver.DisplayName()
		}
	}
	fmt.Printf("%s %s %-12s %s\n", m.CreatedAt.Local().Format("15:04:05"), direction, who, m.Body)
}

// ============================================================================
// chatsync history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history [counterpart-id]",
	Short: "Show persisted message history",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := requireIdentity()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		session, err := loadSessionHistory(ctx, cfg)
		if err != nil {
			return err
		}

		var msgs []chatsync.Message
		if len(args) == 1 {
			msgs = session.SelectConversation(args[0])
		} else {
			msgs = session.Log().Messages()
		}

		if historyJSON {
			return json.NewEncoder(os.Stdout).Encode(msgs)
		}
		for _, m := range msgs {
			printMessage(cfg.Auth.UserID, m)
		}
		return nil
	},
}

// ============================================================================
// chatsync conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := requireIdentity()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		session, err := loadSessionHistory(ctx, cfg)
		if err != nil {
			return err
		}

		convs := session.Conversations()
		if conversationsJSON {
			return json.NewEncoder(os.Stdout).Encode(convs)
		}
		for _, c := range convs {
			name := c.Counterpart.DisplayName()
			if name == "" {
				name = c.CounterpartID
			}
			fmt.Printf("%-20s %s  %s\n", name, c.LastMessageAt.Local().Format("Jan 02 15:04"), c.LastMessage)
		}
		return nil
	},
}

// ============================================================================
// chatsync send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <counterpart-id> <message>",
	Short: "Send a direct message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := requireIdentity()
		logger := newLogger()
		client := newRESTClient(cfg, logger)
		socket := newSocket(cfg, client, logger)

		session := chatsync.NewSession(client, socket, &chatsync.SessionConfig{
			SelfID: cfg.Auth.UserID,
			Self:   &chatsync.Participant{ID: cfg.Auth.UserID, Username: cfg.Auth.Username},
			Logger: logger,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := session.Start(ctx); err != nil {
			return err
		}
		defer session.Close()

		msg, err := session.SendMessage(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("Sent %s to %s\n", msg.ID, args[0])
		return nil
	},
}

// ============================================================================
// chatsync watch
// ============================================================================

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream real-time messages",
	Long:  "Connect to the chat server, bootstrap history, and print messages as they arrive.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := requireIdentity()
		logger := newLogger()
		client := newRESTClient(cfg, logger)
		socket := newSocket(cfg, client, logger)

		selfID := cfg.Auth.UserID
		session := chatsync.NewSession(client, socket, &chatsync.SessionConfig{
			SelfID: selfID,
			Self:   &chatsync.Participant{ID: selfID, Username: cfg.Auth.Username},
			Logger: logger,
			OnMessage: func(m chatsync.Message, outcome chatsync.MergeOutcome) {
				if watchWith != "" && m.SenderID != watchWith && m.ReceiverID != watchWith {
					return
				}
				printMessage(selfID, m)
			},
			OnStateChange: func(state chatsync.SessionState) {
				fmt.Fprintf(os.Stderr, "-- %s\n", state)
			},
		})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := session.Start(ctx); err != nil {
			return err
		}
		defer session.Close()

		if err := session.LoadHistory(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "history unavailable: %v\n", err)
		}

		<-ctx.Done()
		fmt.Fprintln(os.Stderr, "-- closing")
		return nil
	},
}

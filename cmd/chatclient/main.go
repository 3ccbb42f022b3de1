package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"tutorchat-ws/internal/client"
	"tutorchat-ws/internal/config"
	"tutorchat-ws/internal/domain"

	"github.com/spf13/cobra"
)

var (
	configPath string
	token      string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "chatclient",
		Short: "TutorChat terminal client",
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "client config file (default ./configs/client.yaml)")
	rootCmd.PersistentFlags().StringVarP(&token, "token", "t", os.Getenv("TUTORCHAT_TOKEN"), "access token (or TUTORCHAT_TOKEN)")

	rootCmd.AddCommand(chatsCmd(), startCmd(), openCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func loadConfig() (*config.ClientConfig, error) {
	if token == "" {
		return nil, errors.New("an access token is required (--token or TUTORCHAT_TOKEN)")
	}
	return config.LoadClientConfig(configPath)
}

func chatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chats",
		Short: "List conversations with unread counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			rest := client.NewRESTClient(cfg.Server.APIURL, token)
			chats, err := rest.ListChats(cmd.Context())
			if err != nil {
				return err
			}

			badge := 0
			for _, chat := range chats {
				badge += chat.Unread
				preview := ""
				if chat.LastMessage != nil {
					preview = chat.LastMessage.Content
					if chat.LastMessage.Kind == domain.MessageImage {
						preview = "[image]"
					}
				}
				fmt.Printf("#%-5d %-14s unread=%-3d %s\n", chat.ID, chat.Peer.Key(), chat.Unread, preview)
			}
			fmt.Printf("%d unread in total\n", badge)
			return nil
		},
	}
}

func startCmd() *cobra.Command {
	var tutorID, userID int64

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start or resume the chat with an enrolled user or tutor",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			rest := client.NewRESTClient(cfg.Server.APIURL, token)
			chat, created, err := rest.CreateOrGetChat(cmd.Context(), domain.CreateChatRequest{TutorID: tutorID, UserID: userID})
			if err != nil {
				return err
			}
			if created {
				fmt.Printf("Started chat #%d with %s\n", chat.ID, chat.Peer.Key())
			} else {
				fmt.Printf("Chat #%d with %s already exists\n", chat.ID, chat.Peer.Key())
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&tutorID, "tutor", 0, "tutor id (when signed in as a user)")
	cmd.Flags().Int64Var(&userID, "user", 0, "user id (when signed in as a tutor)")
	return cmd
}

func openCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "open <chat-id>",
		Short: "Open a conversation and chat interactively",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chatID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || chatID <= 0 {
				return fmt.Errorf("invalid chat id %q", args[0])
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runChat(cmd.Context(), cfg, chatID)
		},
	}
}

func runChat(parent context.Context, cfg *config.ClientConfig, chatID int64) error {
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rest := client.NewRESTClient(cfg.Server.APIURL, token)
	manager := client.NewManager(client.NewWSDialer(cfg.Server.WSURL), client.Options{
		MaxAttempts:      cfg.Reconnect.MaxAttempts,
		InitialBackoff:   cfg.Reconnect.InitialBackoff,
		MaxBackoff:       cfg.Reconnect.MaxBackoff,
		HandshakeTimeout: cfg.Reconnect.HandshakeTimeout,
		PingInterval:     client.DefaultOptions().PingInterval,
	})
	store := client.NewStore(domain.Identity{}, rest, rest, manager, cfg.Chat.PageSize)
	rooms := client.NewCoordinator(manager, cfg.Chat.TypingIdle)
	session := client.NewSession(manager, store, rooms, client.NewPresenceTracker())

	go func() {
		if err := session.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("Session stopped: %v", err)
		}
	}()

	handle, err := manager.Connect(ctx, token)
	if err != nil {
		return err
	}
	defer manager.Close()
	fmt.Printf("Connected as %s. Commands: /more /img <path> /clear /online /typing /reconnect /quit\n", handle.Identity.Key())

	messages, err := session.Open(ctx, chatID)
	if err != nil {
		return err
	}
	for _, msg := range messages {
		printMessage(handle.Identity, msg)
	}

	go printUpdates(ctx, session, handle.Identity, chatID)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			reconnect := func() error {
				_, err := manager.Connect(ctx, token)
				return err
			}
			if quit := handleLine(ctx, session, rest, reconnect, handle.Identity, chatID, line); quit {
				_ = session.CloseChat(context.Background(), chatID)
				return nil
			}
		}
	}
}

func handleLine(ctx context.Context, session *client.Session, rest *client.RESTClient, reconnect func() error, self domain.Identity, chatID int64, line string) bool {
	command := strings.TrimSpace(line)
	switch {
	case command == "":
		return false
	case command == "/quit":
		return true
	case command == "/reconnect":
		if err := reconnect(); err != nil {
			fmt.Printf("!! %v\n", err)
		}
	case command == "/typing":
		if err := session.Rooms.Keystroke(ctx, chatID); err != nil {
			fmt.Printf("!! %v\n", err)
		}
	case command == "/more":
		if !session.Store.HasMore(chatID) {
			fmt.Println("-- no older messages --")
			return false
		}
		messages, err := session.Store.LoadMore(ctx, chatID)
		if err != nil {
			fmt.Printf("!! %v\n", err)
			return false
		}
		fmt.Println("-- history --")
		for _, msg := range messages {
			printMessage(self, msg)
		}
	case strings.HasPrefix(command, "/img "):
		path := strings.TrimSpace(strings.TrimPrefix(command, "/img "))
		file, err := os.Open(path)
		if err != nil {
			fmt.Printf("!! %v\n", err)
			return false
		}
		defer file.Close()
		if err := session.SendImage(ctx, chatID, path, file); err != nil {
			fmt.Printf("!! %v\n", err)
		}
	case command == "/clear":
		if _, err := rest.ClearChat(ctx, chatID); err != nil {
			fmt.Printf("!! %v\n", err)
		}
	case command == "/online":
		for _, identity := range session.Presence.Online() {
			fmt.Printf("   %s %s\n", identity.Key(), identity.Name)
		}
	default:
		if err := session.SendText(ctx, chatID, line); err != nil {
			fmt.Printf("!! %v\n", err)
		}
	}
	return false
}

func printUpdates(ctx context.Context, session *client.Session, self domain.Identity, chatID int64) {
	for {
		select {
		case <-ctx.Done():
			return
		case update := <-session.Updates():
			switch update.Kind {
			case client.UpdateConnection:
				if update.Banner != client.BannerNone {
					fmt.Printf("** %s\n", update.Banner)
				} else {
					fmt.Println("** Connected")
				}
			case client.UpdateMessage:
				if update.Message != nil && update.ConversationID == chatID {
					printMessage(self, *update.Message)
				} else if update.ConversationID != chatID {
					fmt.Printf("** New message in chat #%d (%d unread in total)\n", update.ConversationID, session.Store.Badge())
				}
			case client.UpdateCleared:
				if update.ConversationID == chatID {
					fmt.Println("** Conversation cleared")
				}
			case client.UpdateTyping:
				if update.ConversationID == chatID && len(session.Rooms.PeersTyping(chatID)) > 0 {
					fmt.Printf("** %s is typing...\n", update.Identity.Key())
				}
			case client.UpdatePresence:
				if update.Identity.ID != 0 {
					state := "offline"
					if session.Presence.IsOnline(update.Identity) {
						state = "online"
					}
					fmt.Printf("** %s is %s\n", update.Identity.Key(), state)
				}
			case client.UpdateError:
				fmt.Printf("!! %v\n", update.Err)
			}
		}
	}
}

func printMessage(self domain.Identity, msg domain.Message) {
	who := msg.Sender.Key()
	if msg.Sender.Name != "" {
		who = msg.Sender.Name
	}
	if msg.Sender.Same(self) {
		who = "me"
	}

	body := msg.Content
	if msg.Kind == domain.MessageImage {
		body = fmt.Sprintf("[image %s] %s", msg.FileName, msg.FileURL)
	}

	receipt := ""
	if msg.Sender.Same(self) && len(msg.ReadBy) > 0 {
		receipt = " (read)"
	}
	fmt.Printf("[%s] %s: %s%s\n", msg.CreatedAt.Local().Format(time.Kitchen), who, body, receipt)
}

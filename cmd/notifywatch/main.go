// Command notifywatch tails a user's notification feed from the terminal.
// It authenticates against the API, loads the existing list, then follows
// live pushes over the WebSocket channel until interrupted.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sparkhq/spark-notify/pkg/logger"
	"github.com/sparkhq/spark-notify/pkg/notify"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("notifywatch", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	var (
		server   string
		token    string
		username string
		password string
		logLevel string
		markAll  bool
	)
	fs.StringVar(&server, "server", "http://localhost:8099", "Base URL of the notification service")
	fs.StringVar(&token, "token", "", "Access token (skips login)")
	fs.StringVar(&username, "username", "", "Username for login when no token is given")
	fs.StringVar(&password, "password", "", "Password for login when no token is given")
	fs.StringVar(&logLevel, "log-level", "warn", "Log verbosity")
	fs.BoolVar(&markAll, "mark-all-read", false, "Mark everything read after the initial load")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := logger.Init(logLevel); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer logger.Sync() // best effort

	if token == "" {
		if username == "" || password == "" {
			return errors.New("either -token or -username and -password are required")
		}
		var err error
		token, err = login(ctx, server, username, password)
		if err != nil {
			return fmt.Errorf("login: %w", err)
		}
	}

	client := notify.NewClient(server, token)
	store := notify.NewStore(client, notify.WithToast(printToast))

	transport, err := notify.NewTransport(server, token)
	if err != nil {
		return err
	}
	unsubscribe := store.Bind(transport)
	defer unsubscribe()

	if err := transport.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer transport.Disconnect()

	if err := store.Load(ctx); err != nil {
		return fmt.Errorf("load notifications: %w", err)
	}

	snap := store.Snapshot()
	fmt.Printf("connected to %s: %d notifications, %d unread\n",
		server, len(snap.Notifications), snap.UnreadCount)
	for _, n := range snap.Notifications {
		printNotification(n)
	}

	if markAll && snap.UnreadCount > 0 {
		if err := store.MarkAllAsRead(ctx); err != nil {
			logger.Warn("mark all read failed", zap.Error(err))
		} else {
			fmt.Println("marked all notifications read")
		}
	}

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nbye")
			return nil
		case <-ticker.C:
			snap := store.Snapshot()
			state := "offline"
			if snap.IsConnected {
				state = "live"
			}
			fmt.Printf("-- %s, %d unread\n", state, snap.UnreadCount)
			if snap.Err != "" {
				fmt.Printf("-- last error: %s\n", snap.Err)
			}
		}
	}
}

// printToast renders the interruptive popup equivalent for the terminal.
func printToast(n notify.Notification) {
	fmt.Printf("\a[%s] %s: %s\n", n.Type, n.Title, n.Message)
	if n.ActionURL != "" {
		fmt.Printf("    action: %s\n", describeAction(n.ActionURL))
	}
}

func printNotification(n notify.Notification) {
	marker := "*"
	if n.IsRead {
		marker = " "
	}
	fmt.Printf("%s %s  %-22s %s\n", marker, n.CreatedAt.Local().Format("2006-01-02 15:04"), n.Type, n.Title)
}

// describeAction classifies a notification action target. Absolute URLs
// open externally in a browser, anything else is an in-app route.
func describeAction(action string) string {
	u, err := url.Parse(action)
	if err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		return "open in browser: " + action
	}
	return "in-app route: " + action
}

func login(ctx context.Context, server, username, password string) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		return "", err
	}

	endpoint := strings.TrimRight(server, "/") + "/api/v1/auth/login"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	httpClient := &http.Client{Timeout: 15 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var body struct {
		Success bool `json:"success"`
		Data    struct {
			Token string `json:"token"`
		} `json:"data"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode login response: %w", err)
	}
	if !body.Success || body.Data.Token == "" {
		if body.Error != nil {
			return "", errors.New(body.Error.Message)
		}
		return "", fmt.Errorf("login rejected with status %d", resp.StatusCode)
	}
	return body.Data.Token, nil
}

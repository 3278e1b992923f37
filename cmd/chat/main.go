package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"yorkiexchange/internal/app"
	"yorkiexchange/internal/backend"
	"yorkiexchange/internal/config"
	"yorkiexchange/internal/logging"
	"yorkiexchange/internal/messaging"
	"yorkiexchange/internal/models"
	"yorkiexchange/internal/store"
)

func main() {
	conv := flag.String("conversation", "", "conversation id")
	token := flag.String("token", os.Getenv("CHAT_ACCESS_TOKEN"), "user access token")
	flag.Parse()

	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logging.Init(logging.Config{Level: "warn", Format: "console"})
	if missing, _ := config.MissingEnv("public"); len(missing) > 0 {
		fmt.Fprintf(os.Stderr, "missing env: %s\n", strings.Join(missing, ", "))
		os.Exit(1)
	}
	if *conv == "" || *token == "" {
		fmt.Fprintln(os.Stderr, "usage: chat -conversation <id> -token <access token>")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, *conv, *token, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, conversationID, token string, in io.Reader, out io.Writer) error {
	client, err := backend.New(backend.Config{
		URL:    strings.TrimRight(os.Getenv("BACKEND_URL"), "/"),
		APIKey: os.Getenv("BACKEND_ANON_KEY"),
	})
	if err != nil {
		return err
	}
	user, err := client.GetUser(ctx, token)
	if err != nil {
		return fmt.Errorf("sign in: %w", err)
	}
	msgs, closeMsgs, err := messageBackend(client, token)
	if err != nil {
		return err
	}
	defer closeMsgs()

	p := &printer{out: out, seen: map[string]models.DeliveryStatus{}, self: user.ID}
	c := messaging.NewConversation(conversationID, user.ID, msgs, messaging.Options{OnChange: p.print})
	defer c.Close()

	rt := client.Realtime(token)
	joined := make(chan struct{})
	var once sync.Once
	rt.OnJoined = func() { once.Do(func() { close(joined) }) }
	if err := start(ctx, c, rt, joined, out); err != nil {
		return err
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if !handleLine(ctx, c, out, line) {
				return nil
			}
		}
	}
}

// messageBackend stores messages through the backend REST API with the
// user's token, or directly in the row store when STORE_MODE=sql.
func messageBackend(client *backend.Client, token string) (messaging.Backend, func() error, error) {
	if !strings.EqualFold(os.Getenv("STORE_MODE"), "sql") {
		return store.NewRESTMessages(client, token), func() error { return nil }, nil
	}
	driver := strings.ToLower(os.Getenv("STORE_SQL_DRIVER"))
	if driver == "" {
		driver = "pgx"
	}
	s, closeDB, err := app.OpenSQLStore(driver, os.Getenv("STORE_SQL_DSN"))
	if err != nil {
		return nil, nil, err
	}
	return s, closeDB, nil
}

var joinTimeout = 5 * time.Second

// start subscribes first and loads history once the feed is joined, so rows
// committed in between arrive at least once. Receive drops the overlap.
func start(ctx context.Context, c *messaging.Conversation, feed messaging.Feed, joined <-chan struct{}, out io.Writer) error {
	subErr := make(chan error, 1)
	go func() { subErr <- c.Subscribe(ctx, feed) }()

	watch := true
	select {
	case <-joined:
	case err := <-subErr:
		watch = false
		if err != nil && !errors.Is(err, context.Canceled) {
			fmt.Fprintf(out, "! realtime unavailable: %v\n", err)
		}
	case <-time.After(joinTimeout):
		fmt.Fprintln(out, "! realtime join not acknowledged yet")
	case <-ctx.Done():
		return nil
	}
	if err := c.Load(ctx); err != nil {
		return err
	}
	if watch {
		go func() {
			if err := <-subErr; err != nil && !errors.Is(err, context.Canceled) {
				fmt.Fprintf(out, "! realtime disconnected: %v\n", err)
			}
		}()
	}
	return nil
}

// handleLine reports false when the user asked to leave.
func handleLine(ctx context.Context, c *messaging.Conversation, out io.Writer, line string) bool {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
	case line == "/quit":
		return false
	case strings.HasPrefix(line, "/retry "):
		id := strings.TrimSpace(strings.TrimPrefix(line, "/retry "))
		go func() {
			if _, err := c.Retry(ctx, id); err != nil {
				fmt.Fprintf(out, "! retry %s: %v\n", id, err)
			}
		}()
	default:
		if _, err := c.Send(ctx, line); err != nil {
			fmt.Fprintf(out, "! %v\n", err)
		}
	}
	return true
}

// printer writes each entry once, and again whenever its status changes.
type printer struct {
	mu   sync.Mutex
	out  io.Writer
	self string
	seen map[string]models.DeliveryStatus
}

func (p *printer) print(msgs []models.LocalMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range msgs {
		if prev, ok := p.seen[m.LocalID]; ok && prev == m.Status {
			continue
		}
		p.seen[m.LocalID] = m.Status
		who := m.SenderID
		if who == p.self {
			who = "me"
		}
		line := fmt.Sprintf("[%s] %s: %s", m.CreatedAt.Local().Format(time.Kitchen), who, m.Body)
		switch m.Status {
		case models.DeliverySending:
			line += " (sending)"
		case models.DeliveryFailed:
			line += fmt.Sprintf(" (failed, /retry %s)", m.LocalID)
		}
		fmt.Fprintln(p.out, line)
	}
}

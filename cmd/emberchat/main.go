package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"emberchat/internal/cache"
	"emberchat/internal/config"
	"emberchat/internal/engine"
	"emberchat/internal/feed"
	"emberchat/internal/model"
	"emberchat/internal/session"
	"emberchat/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	configPath := flag.String("config", "emberchat.yaml", "path to config file")
	roomID := flag.String("room", "", "room to open (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *roomID != "" {
		cfg.DefaultRoom = *roomID
	}
	if cfg.DefaultRoom == "" {
		slog.Error("no room configured; pass -room or set EMBERCHAT_ROOM")
		os.Exit(1)
	}

	sess, err := session.FromToken(cfg.SessionToken)
	if err != nil {
		slog.Error("failed to resolve session", "error", err)
		os.Exit(1)
	}
	slog.Info("session resolved", "user_id", sess.UserID, "username", sess.Username)

	remote, err := openRemote(cfg, sess)
	if err != nil {
		slog.Error("failed to connect to remote store", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	room, err := remote.Room(ctx, cfg.DefaultRoom)
	if err != nil {
		if !errors.Is(err, feed.ErrNotFound) {
			slog.Error("failed to fetch room record", "error", err)
			os.Exit(1)
		}
		room = model.Room{ID: cfg.DefaultRoom, Type: model.RoomGroup}
	}

	st := store.New(sess.UserID, store.Config{
		PendingWindow:   cfg.PendingWindow,
		DuplicateWindow: cfg.DuplicateWindow,
	})

	var hist *cache.Cache
	if cfg.CachePath != "" {
		hist, err = cache.Open(cfg.CachePath)
		if err != nil {
			slog.Warn("history cache unavailable", "path", cfg.CachePath, "error", err)
		} else {
			defer hist.Close()
			st.SetTTL(room.ID, room.MessageTTL())
			if cached, err := hist.LoadRoom(room.ID, room.MessageTTL(), time.Now()); err == nil && len(cached) > 0 {
				st.MergeBatch(room.ID, cached)
				slog.Info("warm start from cache", "room_id", room.ID, "messages", len(cached))
			}
		}
	}

	expired := make(chan struct{})
	events := engine.Events{
		OnTable: func(id string, visible []*model.Message) {
			if len(visible) == 0 {
				return
			}
			last := visible[len(visible)-1]
			fmt.Printf("[%s] %s: %s\n", time.UnixMilli(last.CreatedAt).Format("15:04:05"), last.SenderID, renderContent(last))
		},
		OnRoomExpired: func(id string) {
			slog.Info("room expired", "room_id", id)
			close(expired)
		},
	}

	eng := engine.New(room, st, remote, events, engine.Options{PollInterval: cfg.PollInterval})
	eng.Start(ctx)
	if err := eng.SetFocused(true); err != nil {
		slog.Error("failed to focus room", "error", err)
		os.Exit(1)
	}
	slog.Info("room open", "room_id", room.ID, "title", room.Title, "type", string(room.Type))

	go readCommands(eng)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		slog.Info("shutting down", "signal", sig.String())
		if hist != nil {
			if err := hist.SaveSnapshot(room.ID, st.Canonical(room.ID)); err != nil {
				slog.Warn("failed to persist history", "error", err)
			}
		}
	case <-expired:
		if hist != nil {
			_ = hist.DropRoom(room.ID)
		}
	}

	eng.Close()
	slog.Info("client stopped")
}

func openRemote(cfg config.Config, sess *session.Session) (feed.Remote, error) {
	switch {
	case strings.HasPrefix(cfg.RemoteURL, "redis://"), strings.HasPrefix(cfg.RemoteURL, "rediss://"):
		return feed.NewRedisRemote(cfg.RemoteURL, sess.UserID)
	case strings.HasPrefix(cfg.RemoteURL, "postgres://"), strings.HasPrefix(cfg.RemoteURL, "postgresql://"):
		return feed.NewSQLRemote(cfg.RemoteURL)
	default:
		return feed.NewWSRemote(cfg.RemoteURL, cfg.SessionToken)
	}
}

func renderContent(m *model.Message) string {
	if m.IsMedia() {
		refs := m.AlbumURLs
		if m.MediaURL != "" {
			refs = []string{m.MediaURL}
		}
		if m.Content != "" {
			return fmt.Sprintf("%s <%s %v>", m.Content, m.Type, refs)
		}
		return fmt.Sprintf("<%s %v>", m.Type, refs)
	}
	return m.Content
}

// readCommands turns stdin lines into engine commands: plain lines send,
// slash commands react, delete and manage the room expiry.
func readCommands(eng *engine.RoomEngine) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			if _, err := eng.Send(line); err != nil {
				slog.Error("send failed", "error", err)
			}
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "/react":
			if len(fields) != 3 {
				fmt.Println("usage: /react <message-id> <emoji>")
				continue
			}
			if err := eng.React(fields[1], fields[2]); err != nil {
				slog.Error("react failed", "error", err)
			}
		case "/delete":
			if len(fields) != 2 {
				fmt.Println("usage: /delete <message-id>")
				continue
			}
			if err := eng.Delete(fields[1]); err != nil {
				slog.Error("delete failed", "error", err)
			}
		case "/extend":
			if len(fields) != 2 {
				fmt.Println("usage: /extend <duration>")
				continue
			}
			d, err := time.ParseDuration(fields[1])
			if err != nil {
				fmt.Println("bad duration:", fields[1])
				continue
			}
			next, err := eng.ExtendExpiry(d)
			if err != nil {
				fmt.Println("extension rejected:", err)
				continue
			}
			fmt.Println("room expires at", time.UnixMilli(next).Format(time.RFC3339))
		case "/unread":
			fmt.Println("unread:", eng.Unread())
		default:
			fmt.Println("commands: /react /delete /extend /unread")
		}
	}
}

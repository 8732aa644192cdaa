package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"gigchat/internal/logger"
	"gigchat/internal/session"
)

type authResponse struct {
	Token string `json:"access_token"`
	ID    string `json:"id"`
}

func main() {
	baseURL := flag.String("base", "http://localhost:8080", "server base URL")
	pairs := flag.Int("pairs", 50, "number of user pairs; each pair chats with itself")
	msgCount := flag.Int("messages", 20, "messages per user")
	pause := flag.Duration("pause", 10*time.Millisecond, "delay between sends")
	flag.Parse()

	zl, err := logger.New(true)
	if err != nil {
		panic(err)
	}
	defer zl.Sync()

	wsURL := "ws" + strings.TrimPrefix(strings.TrimRight(*baseURL, "/"), "http") + "/ws"
	zl.Info("loadtest_starting", zap.Int("users", *pairs*2), zap.Int("messages_per_user", *msgCount))

	var sent, failed atomic.Int64
	start := time.Now()
	var wg sync.WaitGroup

	// Pairs: user 0a talks to 0b, 1a to 1b...
	for i := 0; i < *pairs; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(zl, *baseURL, wsURL, pairID, *msgCount, *pause, &sent, &failed)
		}(i)
	}
	wg.Wait()

	zl.Info("loadtest_complete",
		zap.Int64("sent", sent.Load()),
		zap.Int64("failed", failed.Load()),
		zap.Duration("elapsed", time.Since(start)))
}

func runPair(zl *zap.Logger, baseURL, wsURL string, pairID, msgCount int, pause time.Duration, sent, failed *atomic.Int64) {
	userA := fmt.Sprintf("u_%d_a", pairID)
	userB := fmt.Sprintf("u_%d_b", pairID)
	pass := "password123"

	a, err := authenticate(baseURL, userA, pass)
	if err != nil {
		zl.Warn("auth_failed", zap.String("user", userA), zap.Error(err))
		return
	}
	b, err := authenticate(baseURL, userB, pass)
	if err != nil {
		zl.Warn("auth_failed", zap.String("user", userB), zap.Error(err))
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go chatter(zl, &wg, baseURL, wsURL, a, b.ID, msgCount, pause, sent, failed)
	go chatter(zl, &wg, baseURL, wsURL, b, a.ID, msgCount, pause, sent, failed)
	wg.Wait()
}

// authenticate registers (ignoring "already exists") and logs in.
func authenticate(baseURL, username, password string) (*authResponse, error) {
	creds := map[string]string{"username": username, "password": password}
	if resp, err := postJSON(baseURL+"/register", creds); err == nil {
		resp.Body.Close()
	}

	resp, err := postJSON(baseURL+"/login", creds)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("login: status %d", resp.StatusCode)
	}

	var data authResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

func chatter(zl *zap.Logger, wg *sync.WaitGroup, baseURL, wsURL string, me *authResponse, peerID string, msgCount int, pause time.Duration, sent, failed *atomic.Int64) {
	defer wg.Done()
	ctx := context.Background()

	s := session.New(session.Config{
		UserID:  me.ID,
		Token:   me.Token,
		WSURL:   wsURL,
		BaseURL: baseURL,
		Logger:  zl,
	})
	if err := s.Connect(ctx); err != nil {
		zl.Warn("connect_failed", zap.String("user_id", me.ID), zap.Error(err))
		return
	}
	defer s.Close()

	if err := s.OpenConversation(ctx, peerID); err != nil {
		zl.Warn("open_failed", zap.String("user_id", me.ID), zap.Error(err))
	}

	for i := 0; i < msgCount; i++ {
		if err := s.Send(ctx, fmt.Sprintf("LoadTest Msg %d from %s", i, me.ID)); err != nil {
			failed.Add(1)
			continue
		}
		sent.Add(1)
		time.Sleep(pause)
	}
}

func postJSON(url string, data any) (*http.Response, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return http.Post(url, "application/json", bytes.NewReader(body))
}

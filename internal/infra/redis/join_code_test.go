package redis

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"quizlive/internal/domain"
)

func TestJoinCodeMintAndResolve(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	store := NewJoinCodeStore(client, time.Minute)

	code, err := store.Mint(ctx, "s1")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if len(code) != 6 {
		t.Fatalf("expected 6-character code, got %q", code)
	}
	for _, c := range code {
		if !strings.ContainsRune(codeAlphabet, c) {
			t.Fatalf("code %q uses character outside the alphabet", code)
		}
	}

	sessionID, err := store.ResolveJoinCode(ctx, code)
	if err != nil || sessionID != "s1" {
		t.Fatalf("resolve: %q %v", sessionID, err)
	}
}

func TestJoinCodeConcurrentMint(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	store := NewJoinCodeStore(client, time.Minute)

	// Sessions get created from concurrent requests; minting must be safe
	// under the race detector and every code must resolve to its session.
	const workers = 16
	codes := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			code, err := store.Mint(ctx, fmt.Sprintf("s%d", i))
			if err != nil {
				t.Errorf("mint %d: %v", i, err)
				return
			}
			codes[i] = code
		}(i)
	}
	wg.Wait()

	seen := make(map[string]struct{}, workers)
	for i, code := range codes {
		if code == "" {
			continue
		}
		if _, dup := seen[code]; dup {
			t.Fatalf("code %q minted twice", code)
		}
		seen[code] = struct{}{}
		sessionID, err := store.ResolveJoinCode(ctx, code)
		if err != nil || sessionID != fmt.Sprintf("s%d", i) {
			t.Fatalf("resolve %q: %q %v", code, sessionID, err)
		}
	}
}

func TestJoinCodeUnknown(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	store := NewJoinCodeStore(client, time.Minute)

	if _, err := store.ResolveJoinCode(ctx, "NOPE42"); err != domain.ErrJoinCodeNotFound {
		t.Fatalf("expected ErrJoinCodeNotFound, got %v", err)
	}
}

func TestJoinCodeRelease(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	store := NewJoinCodeStore(client, time.Minute)

	if err := store.Bind(ctx, "ABC234", "s1"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := store.Release(ctx, "ABC234"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := store.ResolveJoinCode(ctx, "ABC234"); err != domain.ErrJoinCodeNotFound {
		t.Fatalf("expected released code to be gone, got %v", err)
	}
}

func TestJoinCodeExpires(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	store := NewJoinCodeStore(client, time.Minute)

	code, err := store.Mint(ctx, "s1")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	mr.FastForward(2 * time.Minute)
	if _, err := store.ResolveJoinCode(ctx, code); err != domain.ErrJoinCodeNotFound {
		t.Fatalf("expected expired code to be gone, got %v", err)
	}
}

package authkit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/tyemirov/vkcalls/internal/statestore"
)

type tokenStoreBackend struct {
	name  string
	build func(t *testing.T) (statestore.Store, func(time.Duration))
}

func tokenStoreBackends() []tokenStoreBackend {
	return []tokenStoreBackend{
		{
			name: "memory",
			build: func(t *testing.T) (statestore.Store, func(time.Duration)) {
				return statestore.NewMemoryStore(), nil
			},
		},
		{
			name: "redis",
			build: func(t *testing.T) (statestore.Store, func(time.Duration)) {
				server := miniredis.RunT(t)
				client := redis.NewClient(&redis.Options{Addr: server.Addr()})
				t.Cleanup(func() { _ = client.Close() })
				return statestore.NewRedisStoreWithClient(client), server.FastForward
			},
		},
	}
}

func TestTokenStoreRecordLifecycle(t *testing.T) {
	t.Parallel()

	for _, backend := range tokenStoreBackends() {
		t.Run(backend.name, func(t *testing.T) {
			t.Parallel()
			store, _ := backend.build(t)
			tokens := NewTokenStore(store, TokenStoreOptions{})
			ctx := context.Background()

			if _, found, err := tokens.GetAll(ctx, "u1"); err != nil || found {
				t.Fatalf("expected no record, found=%v err=%v", found, err)
			}

			record := TokenRecord{AccessToken: "T1", RefreshToken: "R1", State: "A", DeviceID: "dev1"}
			if err := tokens.Save(ctx, "u1", record); err != nil {
				t.Fatalf("save failed: %v", err)
			}
			if err := tokens.Save(ctx, "u1", record); err != nil {
				t.Fatalf("idempotent save failed: %v", err)
			}

			loaded, found, err := tokens.GetAll(ctx, "u1")
			if err != nil || !found || loaded != record {
				t.Fatalf("expected %+v, got %+v found=%v err=%v", record, loaded, found, err)
			}
			accessToken, found, err := tokens.Get(ctx, "u1", FieldAccessToken)
			if err != nil || !found || accessToken != "T1" {
				t.Fatalf("expected T1, got %q found=%v err=%v", accessToken, found, err)
			}
			if _, found, _ := tokens.Get(ctx, "u1", FieldIDToken); found {
				t.Fatalf("an empty field must read as not found")
			}

			if err := tokens.Save(ctx, "u1", TokenRecord{AccessToken: "T2", State: "A", DeviceID: "dev1"}); err != nil {
				t.Fatalf("overwrite failed: %v", err)
			}
			if refreshToken, found, _ := tokens.Get(ctx, "u1", FieldRefreshToken); found {
				t.Fatalf("save must replace every field, refresh_token is still %q", refreshToken)
			}

			if err := tokens.Clear(ctx, "u1"); err != nil {
				t.Fatalf("clear failed: %v", err)
			}
			if _, found, _ := tokens.GetAll(ctx, "u1"); found {
				t.Fatalf("expected record cleared")
			}
			if err := tokens.Save(ctx, "", record); !errors.Is(err, ErrEmptyUserIdentity) {
				t.Fatalf("expected ErrEmptyUserIdentity, got %v", err)
			}
		})
	}
}

func TestTokenStorePendingAndChallenge(t *testing.T) {
	t.Parallel()

	for _, backend := range tokenStoreBackends() {
		t.Run(backend.name, func(t *testing.T) {
			t.Parallel()
			store, _ := backend.build(t)
			tokens := NewTokenStore(store, TokenStoreOptions{KeyPrefix: "p:"})
			ctx := context.Background()

			pending := PendingAuthorization{AuthID: "A", UserIdentity: "u1", Variant: VariantRaycast}
			if err := tokens.RegisterPending(ctx, pending); err != nil {
				t.Fatalf("register failed: %v", err)
			}
			resolved, found, err := tokens.ResolvePending(ctx, "A")
			if err != nil || !found || resolved != pending {
				t.Fatalf("expected %+v, got %+v found=%v err=%v", pending, resolved, found, err)
			}
			if err := tokens.ConsumePending(ctx, "A"); err != nil {
				t.Fatalf("consume failed: %v", err)
			}
			if _, found, _ := tokens.ResolvePending(ctx, "A"); found {
				t.Fatalf("expected pending consumed")
			}

			if err := tokens.StoreChallenge(ctx, "A", "verifier"); err != nil {
				t.Fatalf("store challenge failed: %v", err)
			}
			verifier, found, err := tokens.TakeChallenge(ctx, "A")
			if err != nil || !found || verifier != "verifier" {
				t.Fatalf("expected verifier, got %q found=%v err=%v", verifier, found, err)
			}
			if _, found, _ := tokens.TakeChallenge(ctx, "A"); found {
				t.Fatalf("a verifier may be taken only once")
			}

			if err := tokens.RegisterPending(ctx, PendingAuthorization{UserIdentity: "u1"}); !errors.Is(err, errEmptyAuthID) {
				t.Fatalf("expected errEmptyAuthID, got %v", err)
			}
		})
	}
}

func TestTokenStoreKeysAreNamespaced(t *testing.T) {
	t.Parallel()

	store := statestore.NewMemoryStore()
	tokens := NewTokenStore(store, TokenStoreOptions{KeyPrefix: "vk:"})
	ctx := context.Background()

	if err := tokens.RegisterPending(ctx, PendingAuthorization{AuthID: "same", UserIdentity: "u1", Variant: VariantTelegram}); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := tokens.StoreChallenge(ctx, "same", "verifier"); err != nil {
		t.Fatalf("store challenge failed: %v", err)
	}
	if err := tokens.Save(ctx, "same", TokenRecord{AccessToken: "T1"}); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	for _, key := range []string{"vk:pending:same", "vk:challenge:same"} {
		if _, err := store.Get(ctx, key); err != nil {
			t.Fatalf("expected key %s, got %v", key, err)
		}
	}
	if _, err := store.HashGetAll(ctx, "vk:token:same"); err != nil {
		t.Fatalf("expected token hash, got %v", err)
	}
}

func TestTokenStoreEntriesExpire(t *testing.T) {
	t.Parallel()

	store, advance := tokenStoreBackends()[1].build(t)
	tokens := NewTokenStore(store, TokenStoreOptions{PendingTTL: time.Minute, ChallengeTTL: 30 * time.Second})
	ctx := context.Background()

	if err := tokens.RegisterPending(ctx, PendingAuthorization{AuthID: "A", UserIdentity: "u1", Variant: VariantTelegram}); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := tokens.StoreChallenge(ctx, "A", "verifier"); err != nil {
		t.Fatalf("store challenge failed: %v", err)
	}

	advance(45 * time.Second)
	if _, found, _ := tokens.TakeChallenge(ctx, "A"); found {
		t.Fatalf("expected challenge to expire first")
	}
	if _, found, _ := tokens.ResolvePending(ctx, "A"); !found {
		t.Fatalf("expected pending to outlive the challenge")
	}

	advance(time.Minute)
	if _, found, _ := tokens.ResolvePending(ctx, "A"); found {
		t.Fatalf("expected pending to expire")
	}
}

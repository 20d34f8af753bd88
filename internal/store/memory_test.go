package store_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"

	"github.com/omochice/roomchat/internal/store"
	"github.com/omochice/roomchat/pkg/protocol"
)

func newMemory() *store.Memory {
	return store.NewMemory(store.WithHashCost(bcrypt.MinCost))
}

func TestMemory_Accounts(t *testing.T) {
	ctx := context.Background()
	m := newMemory()

	id, err := m.LookupLoginID(ctx, "alice")
	if err != nil || id != protocol.NoIdentity {
		t.Fatalf("LookupLoginID() = %d, %v, want NoIdentity", id, err)
	}

	if err := m.CreateAccount(ctx, "alice", 100, "secret"); err != nil {
		t.Fatalf("CreateAccount() error = %v", err)
	}

	tests := []struct {
		name   string
		login  string
		secret string
		want   int64
	}{
		{name: "matching credentials", login: "alice", secret: "secret", want: 100},
		{name: "wrong secret", login: "alice", secret: "nope", want: protocol.NoIdentity},
		{name: "unknown login", login: "bob", secret: "secret", want: protocol.NoIdentity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.ResolveIdentity(ctx, tt.login, tt.secret)
			if err != nil {
				t.Fatalf("ResolveIdentity() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ResolveIdentity() = %d, want %d", got, tt.want)
			}
		})
	}

	if id, _ := m.LookupLoginID(ctx, "alice"); id != 100 {
		t.Errorf("LookupLoginID() = %d, want 100", id)
	}
}

func TestMemory_Duplicates(t *testing.T) {
	ctx := context.Background()
	m := newMemory()

	if err := m.CreateAccount(ctx, "alice", 1, "a"); err != nil {
		t.Fatalf("CreateAccount() error = %v", err)
	}
	if err := m.CreateAccount(ctx, "alice", 2, "b"); errors.Cause(err) != store.ErrDuplicateLogin {
		t.Errorf("duplicate login error = %v, want ErrDuplicateLogin", err)
	}
	if err := m.CreateAccount(ctx, "bob", 1, "b"); errors.Cause(err) != store.ErrDuplicateID {
		t.Errorf("duplicate id error = %v, want ErrDuplicateID", err)
	}
}

func TestMemory_SecretNotStoredInPlain(t *testing.T) {
	ctx := context.Background()
	m := newMemory()

	if err := m.CreateAccount(ctx, "alice", 1, "secret"); err != nil {
		t.Fatalf("CreateAccount() error = %v", err)
	}
	// A different secret sharing a prefix must not match.
	if id, _ := m.ResolveIdentity(ctx, "alice", "secre"); id != protocol.NoIdentity {
		t.Errorf("ResolveIdentity() with prefix = %d, want NoIdentity", id)
	}
}

func TestMemory_MessageLog(t *testing.T) {
	ctx := context.Background()
	m := newMemory()

	for _, msg := range []protocol.Text{
		{Login: "a", RoomID: 1, Text: "one"},
		{Login: "b", RoomID: 2, Text: "elsewhere"},
		{Login: "a", RoomID: 1, Text: "two"},
		{Login: "c", RoomID: 1, Text: "three"},
	} {
		if err := m.LogMessage(ctx, msg); err != nil {
			t.Fatalf("LogMessage() error = %v", err)
		}
	}

	if got := m.Messages(1); len(got) != 3 {
		t.Errorf("Messages(1) = %d entries, want 3", len(got))
	}

	recent, err := m.Recent(ctx, 1, 2)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(recent) != 2 || recent[0].Text != "two" || recent[1].Text != "three" {
		t.Errorf("Recent() = %+v, want two, three", recent)
	}
}

func TestMemory_RoomLogIsBounded(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory(store.WithHashCost(bcrypt.MinCost), store.WithRoomLogSize(3))

	for i := 0; i < 10; i++ {
		if err := m.LogMessage(ctx, protocol.Text{Login: "a", RoomID: 1, Text: fmt.Sprint(i)}); err != nil {
			t.Fatalf("LogMessage() error = %v", err)
		}
	}
	if err := m.LogMessage(ctx, protocol.Text{Login: "b", RoomID: 2, Text: "other"}); err != nil {
		t.Fatalf("LogMessage() error = %v", err)
	}

	got := m.Messages(1)
	if len(got) != 3 || got[0].Text != "7" || got[2].Text != "9" {
		t.Errorf("Messages(1) = %+v, want 7, 8, 9", got)
	}
	if got := m.Messages(2); len(got) != 1 {
		t.Errorf("Messages(2) = %d entries, want 1", len(got))
	}

	recent, err := m.Recent(ctx, 1, 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(recent) != 3 {
		t.Errorf("Recent(10) = %d entries, want 3", len(recent))
	}
	if recent, _ := m.Recent(ctx, 1, 0); len(recent) != 0 {
		t.Errorf("Recent(0) = %+v, want none", recent)
	}
}

func TestMemory_ConcurrentCreate(t *testing.T) {
	ctx := context.Background()
	m := newMemory()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			if err := m.CreateAccount(ctx, "same", id, "x"); err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}(int64(i))
	}
	wg.Wait()

	if success != 1 {
		t.Errorf("successful creates = %d, want 1", success)
	}
}

func TestSplit_RoutesToParts(t *testing.T) {
	ctx := context.Background()
	accounts := newMemory()
	log := newMemory()
	s := store.Split{Accounts: accounts, MessageLog: log}

	if err := s.CreateAccount(ctx, "alice", 1, "pw"); err != nil {
		t.Fatalf("CreateAccount() error = %v", err)
	}
	if err := s.LogMessage(ctx, protocol.Text{Login: "alice", RoomID: 3, Text: "hi"}); err != nil {
		t.Fatalf("LogMessage() error = %v", err)
	}

	if id, _ := accounts.LookupLoginID(ctx, "alice"); id != 1 {
		t.Errorf("account not stored in account part")
	}
	if got := log.Messages(3); len(got) != 1 {
		t.Errorf("message not stored in log part")
	}
	if got := accounts.Messages(3); len(got) != 0 {
		t.Errorf("message leaked into account part")
	}
}

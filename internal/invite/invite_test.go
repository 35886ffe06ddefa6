package invite

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Meet/internal/domain"
)

func newTestService(t *testing.T) (*Service, *MemoryStore, *time.Time) {
	t.Helper()
	now := time.Unix(1_700_000_000, 0)
	st := NewMemoryStore()
	st.now = func() time.Time { return now }
	s, err := NewService(st, "pepper", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	s.now = func() time.Time { return now }
	return s, st, &now
}

func TestCreateAndRedeem(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()

	inv, code, err := s.Create(ctx, "r1", 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !regexp.MustCompile(`^\d{3}-\d{3}$`).MatchString(code) {
		t.Fatalf("code = %q", code)
	}
	if inv.CodeHash == "" || inv.CodeHash == code || inv.ExpiresAt.Sub(inv.CreatedAt) != time.Hour {
		t.Fatalf("invitation = %+v", inv)
	}

	// typed without the separator
	digits := code[:3] + code[4:]
	got, err := s.Redeem(ctx, inv.Token, " "+digits+" ")
	if err != nil {
		t.Fatal(err)
	}
	if got.Uses != 1 || got.RoomID != "r1" {
		t.Fatalf("redeemed = %+v", got)
	}
	if _, err := s.Redeem(ctx, inv.Token, code); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Redeem(ctx, inv.Token, code); !errors.Is(err, domain.ErrInvitationSpent) {
		t.Fatalf("third use: %v", err)
	}
}

func TestRedeemWrongCodeConsumesNothing(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()
	inv, code, err := s.Create(ctx, "r1", time.Minute, 1)
	if err != nil {
		t.Fatal(err)
	}
	wrong := "000-000"
	if code == wrong {
		wrong = "111-111"
	}
	if _, err := s.Redeem(ctx, inv.Token, wrong); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("wrong code: %v", err)
	}
	got, err := s.Get(ctx, inv.Token)
	if err != nil || got.Uses != 0 {
		t.Fatalf("after wrong code: %+v, %v", got, err)
	}
	if _, err := s.Redeem(ctx, inv.Token, code); err != nil {
		t.Fatal(err)
	}
}

func TestExpiredInvitationIsGone(t *testing.T) {
	s, _, now := newTestService(t)
	ctx := context.Background()
	inv, code, err := s.Create(ctx, "r1", time.Minute, 0)
	if err != nil {
		t.Fatal(err)
	}
	*now = now.Add(time.Minute)
	if _, err := s.Redeem(ctx, inv.Token, code); !errors.Is(err, domain.ErrInvitationNotFound) {
		t.Fatalf("expired: %v", err)
	}
	list, err := s.List(ctx, "r1")
	if err != nil || len(list) != 0 {
		t.Fatalf("list = %+v, %v", list, err)
	}
	if _, err := s.Get(ctx, "missing"); domain.CodeOf(err) != domain.CodeNotFound {
		t.Fatalf("missing: %v", err)
	}
}

func TestListIsPerRoom(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()
	for _, room := range []domain.RoomID{"a", "a", "b"} {
		if _, _, err := s.Create(ctx, room, 0, 0); err != nil {
			t.Fatal(err)
		}
	}
	list, err := s.List(ctx, "a")
	if err != nil || len(list) != 2 {
		t.Fatalf("list = %+v, %v", list, err)
	}
}

func TestUseNeverExceedsMaxUses(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()
	inv, code, err := s.Create(ctx, "r1", 0, 3)
	if err != nil {
		t.Fatal(err)
	}
	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Redeem(ctx, inv.Token, code); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if ok != 3 {
		t.Fatalf("successful redeems = %d, want 3", ok)
	}
}

func TestNormalizeCode(t *testing.T) {
	cases := map[string]string{
		"123456":    "123-456",
		" 123-456 ": "123-456",
		"123 456":   "123-456",
		"12345":     "12345",
		"abc":       "abc",
	}
	for in, want := range cases {
		if got := NormalizeCode(in); got != want {
			t.Errorf("NormalizeCode(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestServiceRequiresPepper(t *testing.T) {
	if _, err := NewService(NewMemoryStore(), "", time.Hour); !errors.Is(err, ErrNoPepper) {
		t.Fatalf("err = %v", err)
	}
	if _, _, err := (&Service{store: NewMemoryStore(), pepper: []byte("p"), now: time.Now}).Create(context.Background(), "r", time.Minute, -1); domain.CodeOf(err) != domain.CodeBadRequest {
		t.Fatalf("negative max uses: %v", err)
	}
}

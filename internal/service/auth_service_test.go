package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"atelier/internal/domain"
	"atelier/internal/notify"
	"atelier/internal/repository"
)

// captureMailer запоминает последнее письмо, чтобы достать OTP-код
type captureMailer struct {
	mu   sync.Mutex
	last string
}

func (m *captureMailer) Send(ctx context.Context, to, subject, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = text
	return nil
}

func (m *captureMailer) code() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return strings.TrimPrefix(m.last, "Code: ")
}

func setupAuth(t *testing.T) (*AuthService, *captureMailer, *fakeClock, *repository.MemoryStore) {
	t.Helper()
	store := repository.NewMemoryStore()
	tx := repository.NewMemoryTx(store)
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	mailer := &captureMailer{}
	notifier := notify.New(zap.NewNop(), mailer)
	auth := NewAuthService(store, store, store, store, tx, clock, notifier,
		time.Hour, 15*time.Minute, 24*time.Hour)
	return auth, mailer, clock, store
}

func TestOTPFlow(t *testing.T) {
	ctx := context.Background()
	auth, mailer, _, store := setupAuth(t)

	if err := auth.RequestOTP(ctx, "jane@example.com"); err != nil {
		t.Fatalf("request: %v", err)
	}
	code := mailer.code()
	if len(code) != 6 {
		t.Fatalf("unexpected code %q", code)
	}

	if _, _, err := auth.VerifyOTP(ctx, "jane@example.com", "000000"); err != ErrInvalidCredentials {
		t.Fatalf("wrong code: expected ErrInvalidCredentials, got %v", err)
	}

	token, customer, err := auth.VerifyOTP(ctx, "jane@example.com", code)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if customer.Email != "jane@example.com" || !customer.IsVerified {
		t.Fatalf("unexpected customer: %+v", customer)
	}

	got, err := auth.Validate(ctx, token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if got.Kind != domain.TokenCustomer || got.SubjectID != customer.ID {
		t.Fatalf("unexpected token: %+v", got)
	}

	// код одноразовый
	if _, _, err := auth.VerifyOTP(ctx, "jane@example.com", code); err != ErrInvalidCredentials {
		t.Fatalf("reuse: expected ErrInvalidCredentials, got %v", err)
	}

	// повторный запрос не плодит покупателей
	if err := auth.RequestOTP(ctx, "jane@example.com"); err != nil {
		t.Fatalf("second request: %v", err)
	}
	c2, err := store.FindCustomerByContact(ctx, "jane@example.com")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if c2.ID != customer.ID {
		t.Fatalf("duplicate customer created")
	}
}

func TestOTP_Expired(t *testing.T) {
	ctx := context.Background()
	auth, mailer, clock, _ := setupAuth(t)

	if err := auth.RequestOTP(ctx, "+79001234567"); err != nil {
		t.Fatalf("request: %v", err)
	}
	clock.Advance(11 * time.Minute)
	if _, _, err := auth.VerifyOTP(ctx, "+79001234567", mailer.code()); err != ErrInvalidCredentials {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestAdminLoginAndRefresh(t *testing.T) {
	ctx := context.Background()
	auth, _, _, _ := setupAuth(t)

	if err := auth.SeedAdmin(ctx, "admin@example.com", "s3cret", "Admin"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	// повторный посев не перетирает учётку
	if err := auth.SeedAdmin(ctx, "admin@example.com", "other", "Admin"); err != nil {
		t.Fatalf("second seed: %v", err)
	}

	if _, _, err := auth.LoginAdmin(ctx, "admin@example.com", "wrong"); err != ErrInvalidCredentials {
		t.Fatalf("wrong password: expected ErrInvalidCredentials, got %v", err)
	}
	if _, _, err := auth.LoginAdmin(ctx, "nobody@example.com", "s3cret"); err != ErrInvalidCredentials {
		t.Fatalf("unknown admin: expected ErrInvalidCredentials, got %v", err)
	}

	access, refresh, err := auth.LoginAdmin(ctx, "admin@example.com", "s3cret")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	tok, err := auth.Validate(ctx, access)
	if err != nil || tok.Kind != domain.TokenAdmin {
		t.Fatalf("validate access: %v %+v", err, tok)
	}

	// access-токен не годится как refresh
	if _, err := auth.RefreshAdmin(ctx, access); err != ErrInvalidCredentials {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	access2, err := auth.RefreshAdmin(ctx, refresh)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, err := auth.Validate(ctx, access2); err != nil {
		t.Fatalf("validate refreshed: %v", err)
	}

	if err := auth.Logout(ctx, access); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := auth.Validate(ctx, access); err != ErrInvalidCredentials {
		t.Fatalf("revoked token accepted: %v", err)
	}
}

func TestTokenExpiryAndPurge(t *testing.T) {
	ctx := context.Background()
	auth, _, clock, _ := setupAuth(t)

	if err := auth.SeedAdmin(ctx, "admin@example.com", "s3cret", "Admin"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	access, _, err := auth.LoginAdmin(ctx, "admin@example.com", "s3cret")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	clock.Advance(16 * time.Minute)
	if _, err := auth.Validate(ctx, access); err != ErrInvalidCredentials {
		t.Fatalf("expired token accepted: %v", err)
	}

	n, err := auth.PurgeExpiredTokens(ctx)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged %v, want 1", n)
	}
}

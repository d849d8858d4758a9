package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"atelier/internal/domain"
	"atelier/internal/notify"
	"atelier/internal/repository"
)

const otpTTL = 10 * time.Minute

// AuthService выдаёт и проверяет сессии покупателей (OTP) и
// администраторов (пароль + refresh). Все токены живут в персистентном
// хранилище с истечением — перезапуск процесса сессии не теряет
type AuthService struct {
	customers repository.CustomerRepository
	admins    repository.AdminRepository
	tokens    repository.TokenRepository
	otps      repository.OTPRepository
	tx        repository.TxManager
	clock     Clock
	notifier  *notify.Notifier

	customerTTL time.Duration
	adminTTL    time.Duration
	refreshTTL  time.Duration
}

func NewAuthService(
	customers repository.CustomerRepository,
	admins repository.AdminRepository,
	tokens repository.TokenRepository,
	otps repository.OTPRepository,
	tx repository.TxManager,
	clock Clock,
	notifier *notify.Notifier,
	customerTTL, adminTTL, refreshTTL time.Duration,
) *AuthService {
	return &AuthService{
		customers:   customers,
		admins:      admins,
		tokens:      tokens,
		otps:        otps,
		tx:          tx,
		clock:       clock,
		notifier:    notifier,
		customerTTL: customerTTL,
		adminTTL:    adminTTL,
		refreshTTL:  refreshTTL,
	}
}

// RequestOTP создаёт (при необходимости) покупателя по контакту
// и отправляет одноразовый код
func (s *AuthService) RequestOTP(ctx context.Context, target string) error {
	target = strings.TrimSpace(target)
	if target == "" {
		return ErrInvalidInput
	}
	code, err := numericCode(6)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	err = s.tx.WithTransaction(ctx, func(ctx context.Context) error {
		customer, err := s.customers.FindCustomerByContact(ctx, target)
		if errors.Is(err, repository.ErrNotFound) {
			customer = &domain.Customer{CreatedAt: now}
			if strings.Contains(target, "@") {
				customer.Email = target
			} else {
				customer.Phone = target
			}
			if err := s.customers.CreateCustomer(ctx, customer); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
		return s.otps.CreateOTP(ctx, &domain.OTPCode{
			Target:     target,
			Code:       code,
			CustomerID: customer.ID,
			ExpiresAt:  now.Add(otpTTL),
			CreatedAt:  now,
		})
	})
	if err != nil {
		return err
	}
	s.notifier.Email(ctx, target, "Your login code", fmt.Sprintf("Code: %s", code))
	return nil
}

// VerifyOTP гасит код и выдаёт токен сессии, привязанный ровно
// к одному покупателю на фиксированный срок
func (s *AuthService) VerifyOTP(ctx context.Context, target, code string) (string, *domain.Customer, error) {
	if target == "" || code == "" {
		return "", nil, ErrInvalidInput
	}
	now := s.clock.Now()
	var customer *domain.Customer
	var token string
	err := s.tx.WithTransaction(ctx, func(ctx context.Context) error {
		otp, err := s.otps.FindActiveOTP(ctx, target, code, now)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrInvalidCredentials
			}
			return err
		}
		if err := s.otps.ConsumeOTP(ctx, otp.ID, now); err != nil {
			return err
		}
		c, err := s.customers.GetCustomer(ctx, otp.CustomerID)
		if err != nil {
			return err
		}
		if !c.IsVerified {
			c.IsVerified = true
			if err := s.customers.UpdateCustomer(ctx, c); err != nil {
				return err
			}
		}
		customer = c
		t, err := s.issue(ctx, domain.TokenCustomer, c.ID, s.customerTTL)
		if err != nil {
			return err
		}
		token = t
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	return token, customer, nil
}

// LoginAdmin проверяет пароль и выдаёт пару access+refresh
func (s *AuthService) LoginAdmin(ctx context.Context, email, password string) (access, refresh string, err error) {
	admin, err := s.admins.GetAdminByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", "", ErrInvalidCredentials
		}
		return "", "", err
	}
	if bcrypt.CompareHashAndPassword([]byte(admin.PasswordHash), []byte(password)) != nil {
		return "", "", ErrInvalidCredentials
	}
	now := s.clock.Now()
	admin.LastLoginAt = &now
	if err := s.admins.UpdateAdmin(ctx, admin); err != nil {
		return "", "", err
	}
	if access, err = s.issue(ctx, domain.TokenAdmin, admin.ID, s.adminTTL); err != nil {
		return "", "", err
	}
	if refresh, err = s.issue(ctx, domain.TokenAdminRefresh, admin.ID, s.refreshTTL); err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

// RefreshAdmin обменивает действующий refresh на новый access
func (s *AuthService) RefreshAdmin(ctx context.Context, refresh string) (string, error) {
	t, err := s.lookup(ctx, refresh)
	if err != nil {
		return "", err
	}
	if t.Kind != domain.TokenAdminRefresh {
		return "", ErrInvalidCredentials
	}
	return s.issue(ctx, domain.TokenAdmin, t.SubjectID, s.adminTTL)
}

// Validate возвращает токен, если он существует и не истёк
func (s *AuthService) Validate(ctx context.Context, token string) (*domain.AuthToken, error) {
	return s.lookup(ctx, token)
}

// Logout отзывает токен
func (s *AuthService) Logout(ctx context.Context, token string) error {
	err := s.tokens.DeleteToken(ctx, token)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	return err
}

// PurgeExpiredTokens удаляет истёкшие токены, возвращает число удалённых
func (s *AuthService) PurgeExpiredTokens(ctx context.Context) (int64, error) {
	return s.tokens.DeleteExpiredTokens(ctx, s.clock.Now())
}

// SeedAdmin создаёт администратора по умолчанию, если его ещё нет
func (s *AuthService) SeedAdmin(ctx context.Context, email, password, name string) error {
	_, err := s.admins.GetAdminByEmail(ctx, email)
	if err == nil {
		return nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	return s.admins.CreateAdmin(ctx, &domain.AdminUser{
		Email:        email,
		Name:         name,
		PasswordHash: string(hash),
		Role:         "ADMIN",
	})
}

func (s *AuthService) issue(ctx context.Context, kind domain.TokenKind, subjectID string, ttl time.Duration) (string, error) {
	now := s.clock.Now()
	t := &domain.AuthToken{
		Token:     uuid.New().String(),
		Kind:      kind,
		SubjectID: subjectID,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	if err := s.tokens.SaveToken(ctx, t); err != nil {
		return "", err
	}
	return t.Token, nil
}

func (s *AuthService) lookup(ctx context.Context, token string) (*domain.AuthToken, error) {
	if token == "" {
		return nil, ErrInvalidCredentials
	}
	t, err := s.tokens.GetToken(ctx, token)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !t.ExpiresAt.After(s.clock.Now()) {
		return nil, ErrInvalidCredentials
	}
	return t, nil
}

func numericCode(n int) (string, error) {
	var b strings.Builder
	for i := 0; i < n; i++ {
		d, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "%d", d.Int64())
	}
	return b.String(), nil
}

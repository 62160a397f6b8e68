package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"chat-relay/internal/domain"
	"chat-relay/internal/repository"
)

var (
	ErrUserServiceNotConfigured = errors.New("user service not configured")
	ErrUserInvalidInput         = errors.New("user invalid input")
	ErrUserExists               = errors.New("user already exists")
	ErrInvalidCredentials       = errors.New("invalid credentials")
)

// UserService maneja registro y login locales; emite las identidades que
// el relay verifica vía JWT.
type UserService struct {
	logger *zap.Logger
	repo   repository.UserRepository
}

func NewUserService(logger *zap.Logger, repo repository.UserRepository) *UserService {
	return &UserService{logger: logger, repo: repo}
}

type RegisterInput struct {
	Email       string
	DisplayName string
	Password    string
}

func (s *UserService) Register(ctx context.Context, input RegisterInput) (domain.User, error) {
	if s == nil || s.repo == nil {
		return domain.User{}, ErrUserServiceNotConfigured
	}

	email := strings.ToLower(strings.TrimSpace(input.Email))
	password := input.Password
	if email == "" || len(password) < 8 {
		return domain.User{}, ErrUserInvalidInput
	}

	if _, err := s.repo.GetByEmail(ctx, email); err == nil {
		return domain.User{}, ErrUserExists
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return domain.User{}, fmt.Errorf("lookup user: %w", err)
	}

	hashBytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return domain.User{}, fmt.Errorf("hash password: %w", err)
	}

	user := domain.User{
		ID:           uuid.NewString(),
		Email:        email,
		DisplayName:  strings.TrimSpace(input.DisplayName),
		PasswordHash: string(hashBytes),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.repo.Create(ctx, user); err != nil {
		return domain.User{}, fmt.Errorf("create user: %w", err)
	}

	user.PasswordHash = ""
	return user, nil
}

func (s *UserService) Authenticate(ctx context.Context, email, password string) (domain.User, error) {
	if s == nil || s.repo == nil {
		return domain.User{}, ErrUserServiceNotConfigured
	}

	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return domain.User{}, ErrInvalidCredentials
	}

	user, err := s.repo.GetByEmail(ctx, email)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("lookup user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return domain.User{}, ErrInvalidCredentials
	}

	user.PasswordHash = ""
	return user, nil
}

package user

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUsernameTaken      = errors.New("username already taken")
)

const tokenTTL = 24 * time.Hour

type store interface {
	CreateUser(ctx context.Context, user *User) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	SearchUsers(ctx context.Context, query string) ([]User, error)
}

type Service struct {
	repo      store
	jwtSecret []byte
}

type Claims struct {
	ID       int64  `json:"userId"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

func NewService(repo store, secret string) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: []byte(secret),
	}
}

func (s *Service) Register(ctx context.Context, req *Credentials) (*RegisterResponse, error) {
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		return nil, ErrInvalidCredentials
	}
	hashedPwd, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	u := &User{
		Username: strings.TrimSpace(req.Username),
		Password: string(hashedPwd),
	}
	if _, err := s.repo.CreateUser(ctx, u); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrUsernameTaken
		}
		return nil, err
	}

	return &RegisterResponse{ID: u.ID, Username: u.Username}, nil
}

func (s *Service) Login(ctx context.Context, req *Credentials) (*LoginResponse, error) {
	u, err := s.repo.GetUserByUsername(ctx, req.Username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(req.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	ss, err := s.IssueToken(u.ID, u.Username)
	if err != nil {
		return nil, err
	}

	return &LoginResponse{
		AccessToken: ss,
		ID:          u.ID,
		Username:    u.Username,
	}, nil
}

func (s *Service) IssueToken(id int64, username string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		ID:       id,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "go-relay",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
	})
	return token.SignedString(s.jwtSecret)
}

// ValidateToken returns the user id and username carried by a signed token.
func (s *Service) ValidateToken(tokenString string) (int64, string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return 0, "", err
	}
	if !token.Valid || claims.ID <= 0 {
		return 0, "", errors.New("invalid token")
	}

	return claims.ID, claims.Username, nil
}

func (s *Service) SearchUsers(ctx context.Context, query string) ([]User, error) {
	return s.repo.SearchUsers(ctx, query)
}

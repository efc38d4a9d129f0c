package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const adminRole = "admin"

var (
	errAdminDisabled = errors.New("admin API disabled: no JWT secret configured")
	errNoToken       = errors.New("missing bearer token")
)

// AdminAuth checks HS256 bearer tokens carrying role=admin.
type AdminAuth struct {
	secret []byte
	now    func() time.Time
}

// NewAdminAuth returns an authenticator. An empty secret disables every
// admin endpoint.
func NewAdminAuth(secret string) *AdminAuth {
	return &AdminAuth{secret: []byte(secret), now: time.Now}
}

// Issue signs an admin token for subject.
func (a *AdminAuth) Issue(subject string, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", errAdminDisabled
	}
	now := a.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  subject,
		"role": adminRole,
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	})
	return token.SignedString(a.secret)
}

// Verify returns a gRPC status error unless header is a valid admin bearer
// token.
func (a *AdminAuth) Verify(header string) error {
	if len(a.secret) == 0 {
		return status.Error(codes.PermissionDenied, errAdminDisabled.Error())
	}

	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return status.Error(codes.Unauthenticated, errNoToken.Error())
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithExpirationRequired(), jwt.WithTimeFunc(a.now))
	if err != nil {
		return status.Errorf(codes.Unauthenticated, "invalid token: %v", err)
	}

	if role, _ := claims["role"].(string); role != adminRole {
		return status.Error(codes.PermissionDenied, "admin role required")
	}
	return nil
}

// UnaryInterceptor guards the admin methods of FarmService.
func (a *AdminAuth) UnaryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if !adminMethods[info.FullMethod] {
		return handler(ctx, req)
	}

	var header string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get("authorization"); len(v) > 0 {
			header = v[0]
		}
	}
	if err := a.Verify(header); err != nil {
		return nil, err
	}
	return handler(ctx, req)
}

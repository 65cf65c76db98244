package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const (
	UserIDContextKey = contextKey("userID")
	WalletContextKey = contextKey("wallet")
)

// WalletClaim optionally names the user's own wallet address.
const WalletClaim = "wallet"

// JWTAuthMiddleware validates HS256 bearer tokens and puts the `sub` claim in
// the request context as the user id, along with the wallet claim if present.
func JWTAuthMiddleware(secret string) func(http.Handler) http.Handler {
	key := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "Authorization header required", nil)
				return
			}
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid Authorization header format", nil)
				return
			}

			token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return key, nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
			if err != nil || !token.Valid {
				writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid token", nil)
				return
			}

			userID, err := token.Claims.GetSubject()
			if err != nil || strings.TrimSpace(userID) == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "User ID not found in token", nil)
				return
			}

			ctx := context.WithValue(r.Context(), UserIDContextKey, userID)
			if claims, ok := token.Claims.(jwt.MapClaims); ok {
				if wallet, ok := claims[WalletClaim].(string); ok && strings.TrimSpace(wallet) != "" {
					ctx = context.WithValue(ctx, WalletContextKey, strings.TrimSpace(wallet))
				}
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func userIDFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(UserIDContextKey).(string)
	return userID, ok && userID != ""
}

func walletFromContext(ctx context.Context) string {
	wallet, _ := ctx.Value(WalletContextKey).(string)
	return wallet
}

package middleware

import (
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/noah-isme/gema-chat-api/internal/utils"
)

const userIDKey = "user_id"

// JWTProtected returns a middleware that validates HS256 tokens. Browsers cannot set
// headers on a websocket upgrade, so the token may also arrive as the token query
// parameter.
func JWTProtected(secret string) fiber.Handler {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}))

	return func(c *fiber.Ctx) error {
		tokenString, err := extractToken(c)
		if err != nil {
			return utils.Fail(c, fiber.StatusUnauthorized, err.Error(), "unauthenticated", nil)
		}

		token, err := parser.Parse(tokenString, func(*jwt.Token) (interface{}, error) {
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			return utils.Fail(c, fiber.StatusUnauthorized, "invalid token", "unauthenticated", nil)
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			return utils.Fail(c, fiber.StatusUnauthorized, "invalid token claims", "unauthenticated", nil)
		}

		userID := extractUserIDFromClaims(claims)
		if userID == "" {
			return utils.Fail(c, fiber.StatusUnauthorized, "token subject missing", "unauthenticated", nil)
		}

		c.Locals(userIDKey, userID)
		return c.Next()
	}
}

// UserID returns the authenticated user set by JWTProtected.
func UserID(c *fiber.Ctx) string {
	if value, ok := c.Locals(userIDKey).(string); ok {
		return value
	}
	return ""
}

func extractToken(c *fiber.Ctx) (string, error) {
	authorization := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
	if authorization == "" {
		if token := strings.TrimSpace(c.Query("token")); token != "" {
			return token, nil
		}
		return "", fmt.Errorf("authorization header missing")
	}

	const bearer = "bearer "
	if len(authorization) <= len(bearer) || !strings.EqualFold(authorization[:len(bearer)], bearer) {
		return "", fmt.Errorf("invalid authorization header")
	}

	token := strings.TrimSpace(authorization[len(bearer):])
	if token == "" {
		return "", fmt.Errorf("invalid token")
	}
	return token, nil
}

func extractUserIDFromClaims(claims jwt.MapClaims) string {
	for _, key := range []string{"sub", "user_id"} {
		switch value := claims[key].(type) {
		case string:
			if trimmed := strings.TrimSpace(value); trimmed != "" {
				return trimmed
			}
		case float64:
			if value > 0 {
				return fmt.Sprintf("%.0f", value)
			}
		}
	}
	return ""
}

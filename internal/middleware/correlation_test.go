package middleware

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"
)

func correlationApp() *fiber.App {
	app := fiber.New()
	app.Use(CorrelationID())
	app.Get("/", func(c *fiber.Ctx) error {
		return c.SendString(CorrelationIDFromContext(c.UserContext()))
	})
	return app
}

func TestCorrelationIDPropagatesHeader(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{name: "correlation header", headers: map[string]string{HeaderCorrelationID: "corr-1"}, want: "corr-1"},
		{name: "request id fallback", headers: map[string]string{"X-Request-ID": "req-9"}, want: "req-9"},
		{name: "correlation wins", headers: map[string]string{HeaderCorrelationID: "corr-2", "X-Request-ID": "req-2"}, want: "corr-2"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(fiber.MethodGet, "/", nil)
			for key, value := range tc.headers {
				req.Header.Set(key, value)
			}
			resp, err := correlationApp().Test(req)
			require.NoError(t, err)
			require.Equal(t, tc.want, resp.Header.Get(HeaderCorrelationID))
		})
	}
}

func TestCorrelationIDReplacesOversizedValue(t *testing.T) {
	req := httptest.NewRequest(fiber.MethodGet, "/", nil)
	req.Header.Set(HeaderCorrelationID, strings.Repeat("x", maxCorrelationIDLen+1))

	resp, err := correlationApp().Test(req)
	require.NoError(t, err)

	id := resp.Header.Get(HeaderCorrelationID)
	require.Len(t, id, 36)
}

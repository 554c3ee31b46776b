// Copyright 2024-2026 Aiku AI

package telegram

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"

	"github.com/rs/zerolog/hlog"

	"github.com/aiku/chatrelay/pkg/relay"
)

// SecretHeader carries the secret token configured with setWebhook.
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

const maxWebhookBodySize = 1 << 20

// WebhookHandler serves Telegram webhook deliveries. When secret is set,
// requests without the matching secret header are rejected. Updates that
// cannot be decoded are acknowledged and dropped so Telegram does not
// redeliver them.
func (c *Client) WebhookHandler(secret string, handler relay.UpdateHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if secret != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get(SecretHeader)), []byte(secret)) != 1 {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodySize))
		if err != nil {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		var upd relay.Update
		if err = json.Unmarshal(body, &upd); err != nil {
			hlog.FromRequest(r).Warn().Err(err).Msg("Dropping undecodable webhook update")
			w.WriteHeader(http.StatusOK)
			return
		}
		c.Dispatch(r.Context(), &upd, handler)
		w.WriteHeader(http.StatusOK)
	})
}

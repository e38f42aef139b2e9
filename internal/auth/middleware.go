package auth

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Operator-signature headers.
const (
	HeaderMessage   = "X-Operator-Message"   // base64 JSON OperatorMessage
	HeaderSignature = "X-Operator-Signature" // 0x-prefixed 65-byte hex
)

// OperatorMessage is what the operator signs. Action is "<METHOD> <path>"
// of the request it authorizes, so a signature cannot be replayed against
// another route.
type OperatorMessage struct {
	Action    string `json:"action"`
	ExpiresAt int64  `json:"expires_at"`
	Nonce     string `json:"nonce"`
}

// ActionFor is the Action value that authorizes r.
func ActionFor(r *http.Request) string { return r.Method + " " + r.URL.Path }

const maxFutureWindow = 5 * time.Minute

type Config struct {
	Token    string
	Operator common.Address // zero disables operator signatures
	Nonces   NonceGuard
}

// Admin returns the admin gate. With neither a token nor an operator
// configured every request is refused.
func Admin(cfg Config, log *zap.Logger) gin.HandlerFunc {
	hasOperator := cfg.Operator != (common.Address{}) && cfg.Nonces != nil
	return func(c *gin.Context) {
		if cfg.Token == "" && !hasOperator {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin API disabled"})
			return
		}

		if bearer, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer "); ok && cfg.Token != "" {
			if subtle.ConstantTimeCompare([]byte(bearer), []byte(cfg.Token)) == 1 {
				c.Set("admin", "token")
				c.Next()
				return
			}
			reject(c, log, "bad admin token")
			return
		}

		if hasOperator && c.GetHeader(HeaderMessage) != "" {
			if msg := checkOperator(c, cfg); msg != "" {
				reject(c, log, msg)
				return
			}
			c.Set("admin", cfg.Operator.Hex())
			c.Next()
			return
		}

		reject(c, log, "missing admin credentials")
	}
}

// checkOperator returns a rejection reason, or "" when the signed message
// authorizes this request.
func checkOperator(c *gin.Context, cfg Config) string {
	raw, err := base64.StdEncoding.DecodeString(c.GetHeader(HeaderMessage))
	if err != nil {
		return "invalid operator message encoding"
	}
	var m OperatorMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return "invalid operator message"
	}

	now := time.Now()
	switch {
	case m.ExpiresAt <= now.Unix():
		return "operator message expired"
	case m.ExpiresAt > now.Add(maxFutureWindow).Unix():
		return "operator message expires too far in the future"
	case m.Action != ActionFor(c.Request):
		return "operator message is for another action"
	case m.Nonce == "":
		return "operator message has no nonce"
	}

	sig, err := hexutil.Decode(c.GetHeader(HeaderSignature))
	if err != nil {
		return "invalid operator signature"
	}
	signer, err := RecoverOperator(raw, sig)
	if err != nil || signer != cfg.Operator {
		return "invalid operator signature"
	}

	fresh, err := cfg.Nonces.Use(c.Request.Context(), m.Nonce, time.Until(time.Unix(m.ExpiresAt, 0)))
	if err != nil {
		return "nonce check failed"
	}
	if !fresh {
		return "nonce already used"
	}
	return ""
}

func reject(c *gin.Context, log *zap.Logger, reason string) {
	log.Warn("admin access denied",
		zap.String("reason", reason),
		zap.String("ip", c.ClientIP()),
		zap.String("path", c.Request.URL.Path),
	)
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": reason})
}

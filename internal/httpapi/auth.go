package httpapi

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const adminAudience = "flowrelay"

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// scopeList accepts scopes as a JSON array or a space separated string.
type scopeList map[string]struct{}

func (s *scopeList) UnmarshalJSON(data []byte) error {
	out := scopeList{}
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		for _, scope := range list {
			if scope = strings.TrimSpace(scope); scope != "" {
				out[scope] = struct{}{}
			}
		}
		*s = out
		return nil
	}
	var joined string
	if err := json.Unmarshal(data, &joined); err != nil {
		return errors.New("scopes must be a string or an array of strings")
	}
	for _, scope := range strings.Fields(joined) {
		out[scope] = struct{}{}
	}
	*s = out
	return nil
}

type adminClaims struct {
	Scopes scopeList `json:"scopes"`
	jwt.RegisteredClaims
}

func authorizeAdmin(rawToken, jwtSecret, requiredScope string, now time.Time) (*adminClaims, *authError) {
	if jwtSecret == "" {
		return nil, &authError{status: 503, code: "admin_disabled", message: "admin api is not configured"}
	}
	if rawToken == "" {
		return nil, &authError{status: 401, code: "unauthorized", message: "missing or invalid bearer token"}
	}
	claims := &adminClaims{}
	token, err := jwt.ParseWithClaims(rawToken, claims, func(t *jwt.Token) (any, error) {
		return []byte(jwtSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(adminAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil || !token.Valid {
		message := "invalid token"
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			message = "token expired"
		case errors.Is(err, jwt.ErrTokenInvalidAudience):
			message = "invalid aud claim"
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			message = "jwt signature mismatch"
		}
		return nil, &authError{status: 401, code: "unauthorized", message: message}
	}
	if len(claims.Scopes) == 0 {
		return nil, &authError{status: 403, code: "forbidden", message: "no scopes granted"}
	}
	if requiredScope != "" {
		if _, ok := claims.Scopes[requiredScope]; !ok {
			return nil, &authError{status: 403, code: "forbidden", message: "missing required scope: " + requiredScope}
		}
	}
	return claims, nil
}

func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func tokensEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// verifyCallbackSignature checks the chat platform's request signature:
// hex(sha256(timestamp + nonce + encryptKey + body)).
func verifyCallbackSignature(encryptKey, timestamp, nonce, signature string, body []byte, now time.Time, maxSkew time.Duration) *authError {
	if timestamp == "" || nonce == "" || signature == "" {
		return &authError{status: 401, code: "unauthorized", message: "missing signature headers"}
	}
	seconds, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return &authError{status: 401, code: "unauthorized", message: "invalid signature timestamp"}
	}
	delta := now.Sub(time.Unix(seconds, 0))
	if delta < 0 {
		delta = -delta
	}
	if maxSkew > 0 && delta > maxSkew {
		return &authError{status: 401, code: "unauthorized", message: "request outside replay window"}
	}
	h := sha256.New()
	_, _ = h.Write([]byte(timestamp))
	_, _ = h.Write([]byte(nonce))
	_, _ = h.Write([]byte(encryptKey))
	_, _ = h.Write(body)
	expected := hex.EncodeToString(h.Sum(nil))
	if subtle.ConstantTimeCompare([]byte(strings.ToLower(signature)), []byte(expected)) != 1 {
		return &authError{status: 401, code: "unauthorized", message: "signature mismatch"}
	}
	return nil
}

package auth

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/codeops/courier/internal/domain"
)

// ExpandFunc expands {{name}} templates in credential material before it is
// placed on the wire. Secret values are substituted in full here; masking
// applies only to listing responses.
type ExpandFunc func(string) string

// Config payloads, one per auth type. These are the only places the opaque
// authConfig blob is interpreted.
type apiKeyConfig struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	AddTo string `json:"addTo"` // "header" (default) or "query"
}

type bearerConfig struct {
	Token string `json:"token"`
}

type basicConfig struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type jwtConfig struct {
	Algorithm string `json:"algorithm"` // HS256 (default), HS384, HS512
	Secret    string `json:"secret"`
	Payload   string `json:"payload"` // JSON object, signed as the claim set
}

type oauth2Config struct {
	AccessToken string `json:"accessToken"`
}

// Apply mutates req's headers (and query string, for API keys) according to
// the effective auth. Application is idempotent: values are set, not added,
// so re-applying on every redirect hop yields the same outgoing header set.
// Credential strings are template-expanded before use.
func Apply(eff Effective, expand ExpandFunc, req *http.Request) error {
	if expand == nil {
		expand = func(s string) string { return s }
	}

	switch {
	case eff.Type == domain.AuthNone || eff.Type == "" || eff.Type == domain.AuthInheritFromParent:
		return nil

	case eff.Type == domain.AuthAPIKey:
		var cfg apiKeyConfig
		if err := decodeConfig(eff.Config, &cfg); err != nil {
			return err
		}
		key := expand(cfg.Key)
		value := expand(cfg.Value)
		if key == "" {
			return nil
		}
		if strings.EqualFold(cfg.AddTo, "query") {
			q := req.URL.Query()
			q.Set(key, value)
			req.URL.RawQuery = q.Encode()
		} else {
			req.Header.Set(key, value)
		}
		return nil

	case eff.Type == domain.AuthBearerToken:
		var cfg bearerConfig
		if err := decodeConfig(eff.Config, &cfg); err != nil {
			return err
		}
		if token := expand(cfg.Token); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		return nil

	case eff.Type == domain.AuthBasic:
		var cfg basicConfig
		if err := decodeConfig(eff.Config, &cfg); err != nil {
			return err
		}
		creds := expand(cfg.Username) + ":" + expand(cfg.Password)
		req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(creds)))
		return nil

	case eff.Type == domain.AuthJWTBearer:
		var cfg jwtConfig
		if err := decodeConfig(eff.Config, &cfg); err != nil {
			return err
		}
		token, err := signJWT(expand(cfg.Algorithm), expand(cfg.Secret), expand(cfg.Payload))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		return nil

	case eff.Type.IsOAuth2():
		var cfg oauth2Config
		if err := decodeConfig(eff.Config, &cfg); err != nil {
			return err
		}
		// The token exchange happened elsewhere; only attach what we were given.
		if token := expand(cfg.AccessToken); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		return nil

	default:
		return domain.Validationf("unsupported auth type %q", eff.Type)
	}
}

func decodeConfig(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return domain.Validationf("malformed auth config: %v", err)
	}
	return nil
}

// signJWT signs the payload JSON as an HMAC JWT. The signature is
// deterministic for a fixed payload and secret, which keeps auth
// application idempotent across redirect hops.
func signJWT(algorithm, secret, payload string) (string, error) {
	var method jwt.SigningMethod
	switch strings.ToUpper(algorithm) {
	case "", "HS256":
		method = jwt.SigningMethodHS256
	case "HS384":
		method = jwt.SigningMethodHS384
	case "HS512":
		method = jwt.SigningMethodHS512
	default:
		return "", domain.Validationf("unsupported jwt algorithm %q", algorithm)
	}

	claims := jwt.MapClaims{}
	if strings.TrimSpace(payload) != "" {
		if err := json.Unmarshal([]byte(payload), &claims); err != nil {
			return "", domain.Validationf("jwt payload is not a JSON object: %v", err)
		}
	}

	signed, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	if err != nil {
		return "", domain.Validationf("jwt signing failed: %v", err)
	}
	return signed, nil
}

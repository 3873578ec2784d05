package catcher

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rickgao/errcatcher/internal/transport"
)

// EndpointFormat builds the collector endpoint from an integration id.
const EndpointFormat = "wss://%s.k1.hawk.so:443/ws"

// Token is the decoded integration token.
type Token struct {
	IntegrationID string `json:"integrationId"`
	Secret        string `json:"secret"`
}

// ParseToken decodes a base64 JSON integration token.
func ParseToken(raw string) (Token, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Token{}, &transport.ConfigurationError{Field: "token", Reason: "is required"}
	}

	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		// Tolerate tokens copied without padding
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(raw, "="))
		if err != nil {
			return Token{}, &transport.ConfigurationError{Field: "token", Reason: "is not valid base64", Err: err}
		}
	}

	var tok Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return Token{}, &transport.ConfigurationError{Field: "token", Reason: "does not contain valid JSON", Err: err}
	}
	if tok.IntegrationID == "" {
		return Token{}, &transport.ConfigurationError{Field: "token", Reason: "integration id is missing"}
	}
	return tok, nil
}

// Endpoint returns the collector URL for the token's integration.
func (t Token) Endpoint() string {
	return fmt.Sprintf(EndpointFormat, t.IntegrationID)
}

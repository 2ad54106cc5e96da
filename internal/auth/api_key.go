package auth

import "crypto/subtle"

type APIKeyVerifier struct {
	Expected string
}

func (v APIKeyVerifier) Verify(apiKey string) (Principal, error) {
	if apiKey == "" || v.Expected == "" {
		return Principal{}, ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(apiKey), []byte(v.Expected)) != 1 {
		return Principal{}, ErrInvalidCredentials
	}
	return Anonymous, nil
}

package auth

import "golang.org/x/oauth2"

// PKCEPair is one login attempt's verifier and its S256 challenge.
// Only the verifier is ever persisted.
type PKCEPair struct {
	Verifier  string
	Challenge string
}

// NewPKCEPair generates a 43-character URL-safe verifier from 32 random bytes
// and derives its challenge.
func NewPKCEPair() PKCEPair {
	v := oauth2.GenerateVerifier()
	return PKCEPair{
		Verifier:  v,
		Challenge: ChallengeFromVerifier(v),
	}
}

// ChallengeFromVerifier returns base64url(sha256(verifier)) without padding
func ChallengeFromVerifier(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

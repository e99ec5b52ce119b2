// Package pkce implements the Proof Key for Code Exchange protocol (RFC 7636)
// restricted to the S256 method.
//
// A client generates a high-entropy code verifier, sends only its SHA-256
// challenge with the authorization request, and later proves possession by
// presenting the verifier at token exchange:
//
//	verifier, _ := pkce.GenerateVerifier(pkce.DefaultVerifierLength)
//	challenge, _ := pkce.GenerateChallenge(verifier)
//	// ... authorization round trip ...
//	ok := pkce.VerifyChallenge(verifier, challenge)
//
// The plain method is not supported: ValidateMethod rejects it.
package pkce

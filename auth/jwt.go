package auth

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/ssh"
)

// JWTClaims represents the claims in our JWT tokens.
type JWTClaims struct {
	KeyFingerprint string `json:"key_fingerprint"`
	jwt.RegisteredClaims
}

// CreateJWT creates a JWT token signed with a crypto private key.
func CreateJWT(privateKey crypto.Signer, publicKey ssh.PublicKey) (string, error) {
	// Get the SSH fingerprint for the public key.
	fingerprint := ssh.FingerprintSHA256(publicKey)

	// Create claims with 24-hour expiration.
	claims := JWTClaims{
		KeyFingerprint: fingerprint,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
		},
	}

	// Determine signing method based on key type.
	var signingMethod jwt.SigningMethod
	switch privateKey.Public().(type) {
	case *rsa.PublicKey:
		signingMethod = jwt.SigningMethodRS256
	case *ecdsa.PublicKey:
		signingMethod = jwt.SigningMethodES256
	default:
		return "", fmt.Errorf("unsupported private key type")
	}

	// Create the token.
	token := jwt.NewWithClaims(signingMethod, claims)

	// Get the signing string (header.payload).
	signingString, err := token.SigningString()
	if err != nil {
		return "", fmt.Errorf("failed to get signing string: %w", err)
	}

	// Hash the signing string with SHA256.
	hash := sha256.Sum256([]byte(signingString))

	// Sign the hash using the crypto.Signer.
	signature, err := privateKey.Sign(nil, hash[:], crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	// Encode the signature as base64url.
	encodedSignature := base64.RawURLEncoding.EncodeToString(signature)

	// Construct the final token: header.payload.signature
	return strings.Join([]string{signingString, encodedSignature}, "."), nil
}

// extractCryptoPublicKey extracts a crypto.PublicKey from an SSH public
// key, needed to satisfy crypto.Signer.Public() when a signer's only
// available form is an ssh.Signer (ssh-agent keys never expose a
// crypto.Signer directly).
func extractCryptoPublicKey(sshKey ssh.PublicKey) (crypto.PublicKey, error) {
	cryptoKey, ok := sshKey.(ssh.CryptoPublicKey)
	if !ok {
		return nil, fmt.Errorf("SSH key does not implement CryptoPublicKey")
	}
	switch sshKey.Type() {
	case ssh.KeyAlgoRSA:
		rsaKey, ok := cryptoKey.CryptoPublicKey().(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("failed to cast to RSA public key")
		}
		return rsaKey, nil
	case ssh.KeyAlgoECDSA256, ssh.KeyAlgoECDSA384, ssh.KeyAlgoECDSA521:
		ecdsaKey, ok := cryptoKey.CryptoPublicKey().(*ecdsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("failed to cast to ECDSA public key")
		}
		return ecdsaKey, nil
	default:
		return nil, fmt.Errorf("unsupported SSH key type: %s", sshKey.Type())
	}
}

// ExtractCryptoPublicKey is the exported form of extractCryptoPublicKey,
// used by the ssh-agent credential bridge in agent.go.
func ExtractCryptoPublicKey(sshKey ssh.PublicKey) (crypto.PublicKey, error) {
	return extractCryptoPublicKey(sshKey)
}

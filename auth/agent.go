package auth

import (
	"crypto"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/crypto/ssh"
)

// NewAgentCredential discovers SSH keys (ssh-agent first, then
// ~/.ssh/*.pub) and mints a JWT bearer credential from the first key
// whose type CreateJWT can sign with. Every signature is produced by
// cryptoSignerWrapper delegating back through the key's ssh.Signer. For
// a key held by ssh-agent that is the agent's wire protocol, so jhol
// never sees its private key bytes; for a key found under ~/.ssh,
// keys.go has already read and parsed the private key file itself.
func NewAgentCredential(log *slog.Logger) (*Credential, error) {
	keys, err := DiscoverSSHKeys(log)
	if err != nil {
		return nil, fmt.Errorf("discovering SSH keys: %w", err)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("no SSH keys found")
	}

	var lastErr error
	for _, keyInfo := range keys {
		if keyInfo.Signer == nil {
			continue
		}
		pubKey := keyInfo.Signer.PublicKey()
		if !isSupportedKeyType(pubKey) {
			continue
		}
		cryptoSigner, err := sshSignerToCryptoSigner(keyInfo.Signer)
		if err != nil {
			lastErr = err
			continue
		}
		token, err := CreateJWT(cryptoSigner, pubKey)
		if err != nil {
			lastErr = err
			continue
		}
		return &Credential{token: token}, nil
	}
	if lastErr != nil {
		return nil, fmt.Errorf("no usable SSH key found for JWT signing: %w", lastErr)
	}
	return nil, fmt.Errorf("no usable SSH key found for JWT signing")
}

// isSupportedKeyType reports whether pubKey's type is one CreateJWT can
// sign with. ed25519 and FIDO2/-sk keys are excluded: crypto.Signer has
// no ed25519 case in CreateJWT's signing-method switch, and -sk keys
// need a touch prompt this path has no way to proxy.
func isSupportedKeyType(pubKey ssh.PublicKey) bool {
	switch pubKey.Type() {
	case ssh.KeyAlgoRSA, ssh.KeyAlgoECDSA256, ssh.KeyAlgoECDSA384, ssh.KeyAlgoECDSA521:
		return true
	default:
		return false
	}
}

// sshSignerToCryptoSigner wraps an ssh.Signer (agent-backed or loaded
// from a file) as a crypto.Signer, so CreateJWT can drive it the same
// way it drives a signer parsed directly from a private key file.
func sshSignerToCryptoSigner(sshSigner ssh.Signer) (crypto.Signer, error) {
	return &cryptoSignerWrapper{sshSigner: sshSigner}, nil
}

type cryptoSignerWrapper struct {
	sshSigner ssh.Signer
}

// Public extracts the crypto.PublicKey backing the wrapped ssh.Signer.
// It panics on failure rather than returning an error because
// crypto.Signer's interface has no room for one; isSupportedKeyType
// already ruled out key types ExtractCryptoPublicKey can't handle.
func (w *cryptoSignerWrapper) Public() crypto.PublicKey {
	cryptoPubKey, err := ExtractCryptoPublicKey(w.sshSigner.PublicKey())
	if err != nil {
		panic(fmt.Sprintf("failed to extract crypto public key: %v", err))
	}
	return cryptoPubKey
}

// Sign delegates to the ssh.Signer's own Sign, which for an
// agent-backed signer means a round trip over the agent socket. The
// opts parameter is ignored: the agent protocol fixes the hash
// algorithm per key type and gives the caller no way to override it.
func (w *cryptoSignerWrapper) Sign(rand io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	sig, err := w.sshSigner.Sign(rand, digest)
	if err != nil {
		return nil, err
	}
	return sig.Blob, nil
}

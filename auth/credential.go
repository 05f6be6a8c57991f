package auth

import (
	"crypto"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
)

// Credential carries a bearer token for the registry client, minted by
// CreateJWT either from an unencrypted SSH private key file
// (NewFileCredential) or from a key found by the discovery in keys.go
// (NewAgentCredential, which bridges that key's ssh.Signer to the
// crypto.Signer CreateJWT needs through cryptoSignerWrapper).
type Credential struct {
	token string
}

// NewFileCredential loads a private key from path and mints a JWT
// bearer credential signed by it.
func NewFileCredential(path string) (*Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}
	raw, err := ssh.ParseRawPrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	signer, ok := raw.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("key type %T does not support signing", raw)
	}
	sshSigner, err := ssh.NewSignerFromSigner(signer)
	if err != nil {
		return nil, fmt.Errorf("deriving public key: %w", err)
	}
	token, err := CreateJWT(signer, sshSigner.PublicKey())
	if err != nil {
		return nil, fmt.Errorf("minting credential: %w", err)
	}
	return &Credential{token: token}, nil
}

// Header returns the Authorization header value to attach to registry
// requests.
func (c *Credential) Header() string {
	return "Bearer " + c.token
}

package modelcrypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tiktrue/platform/pkg/errdefs"
	"github.com/tiktrue/platform/pkg/metrics"
)

// KeyExchangeRequest asks a key holder to hand over an AES key,
// encrypted to the requester's RSA public key. The signature covers
// request_id | node_id | iso(timestamp) under PSS-SHA-256 and proves
// the requester holds the private half of the enclosed public key.
type KeyExchangeRequest struct {
	RequestID string    `json:"request_id"`
	NodeID    string    `json:"node_id"`
	PublicKey []byte    `json:"public_key"` // PEM
	Method    string    `json:"method"`
	Timestamp time.Time `json:"timestamp"`
	Signature []byte    `json:"signature"`
}

func exchangeDigest(requestID, nodeID string, ts time.Time) []byte {
	payload := fmt.Sprintf("%s|%s|%s", requestID, nodeID, ts.UTC().Format(time.RFC3339))
	sum := sha256.Sum256([]byte(payload))
	return sum[:]
}

// CreateKeyExchangeRequest builds and signs a request with this node's
// RSA identity.
func (e *Engine) CreateKeyExchangeRequest(nodeID string) (*KeyExchangeRequest, error) {
	pubPEM, err := e.PublicKeyPEM()
	if err != nil {
		return nil, err
	}

	req := &KeyExchangeRequest{
		RequestID: uuid.New().String(),
		NodeID:    nodeID,
		PublicKey: pubPEM,
		Method:    "rsa-oaep-sha256",
		Timestamp: time.Now().UTC(),
	}

	sig, err := rsa.SignPSS(rand.Reader, e.privateKey, crypto.SHA256,
		exchangeDigest(req.RequestID, req.NodeID, req.Timestamp),
		&rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto, Hash: crypto.SHA256})
	if err != nil {
		return nil, fmt.Errorf("failed to sign key exchange request: %w", err)
	}
	req.Signature = sig

	return req, nil
}

// ProcessKeyExchangeRequest verifies the request signature and, on
// success, encrypts the named key to the requester's public key via
// RSA-OAEP-SHA-256.
func (e *Engine) ProcessKeyExchangeRequest(req *KeyExchangeRequest, keyID string) ([]byte, error) {
	block, _ := pem.Decode(req.PublicKey)
	if block == nil {
		return nil, errdefs.Wrapf(errdefs.ErrBadSignature, "request %s has malformed public key", req.RequestID)
	}

	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrBadSignature, "request %s public key: %v", req.RequestID, err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, errdefs.Wrapf(errdefs.ErrBadSignature, "request %s public key is not RSA", req.RequestID)
	}

	err = rsa.VerifyPSS(pub, crypto.SHA256,
		exchangeDigest(req.RequestID, req.NodeID, req.Timestamp),
		req.Signature,
		&rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto, Hash: crypto.SHA256})
	if err != nil {
		metrics.CryptoFailures.WithLabelValues("bad_signature").Inc()
		return nil, errdefs.Wrapf(errdefs.ErrBadSignature, "request %s", req.RequestID)
	}

	key, err := e.GetKey(keyID)
	if err != nil {
		return nil, err
	}

	encrypted, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key.KeyData, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt key for exchange: %w", err)
	}

	e.logger.Info().
		Str("request_id", req.RequestID).
		Str("node_id", req.NodeID).
		Str("key_id", keyID).
		Msg("Processed key exchange request")
	return encrypted, nil
}

// ReceiveEncryptedKey decrypts exchanged key bytes with this node's
// private key and stores them under keyID.
func (e *Engine) ReceiveEncryptedKey(encrypted []byte, keyID, modelID string) (*EncryptionKey, error) {
	keyData, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, e.privateKey, encrypted, nil)
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrCrypto, "failed to decrypt exchanged key: %v", err)
	}
	return e.ImportKey(keyID, modelID, keyData)
}

// Package crypto signs and verifies run manifests with detached RS256 JWS.
package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

type JWS struct {
	Protected string `json:"protected"`
	// Payload is empty in a detached signature.
	Payload   string `json:"payload,omitempty"`
	Signature string `json:"signature"`
}

type header struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

func signingInput(protected string, payload []byte) []byte {
	return []byte(protected + "." + base64.RawURLEncoding.EncodeToString(payload))
}

// SignDetachedJWS signs payload with an RSA private key in PEM form. The
// payload itself is not embedded.
func SignDetachedJWS(payload []byte, privateKeyPEM []byte) (JWS, error) {
	hb, err := json.Marshal(header{Alg: "RS256", Typ: "JOSE"})
	if err != nil {
		return JWS{}, err
	}
	protected := base64.RawURLEncoding.EncodeToString(hb)

	priv, err := parseRSAPrivateKey(privateKeyPEM)
	if err != nil {
		return JWS{}, err
	}
	h := sha256.Sum256(signingInput(protected, payload))
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, h[:])
	if err != nil {
		return JWS{}, err
	}
	return JWS{
		Protected: protected,
		Signature: base64.RawURLEncoding.EncodeToString(sig),
	}, nil
}

// VerifyDetachedJWS checks sig over payload. keyPEM may hold a public key
// or the private key that signed.
func VerifyDetachedJWS(payload []byte, sig JWS, keyPEM []byte) error {
	hb, err := base64.RawURLEncoding.DecodeString(sig.Protected)
	if err != nil {
		return fmt.Errorf("decode header: %w", err)
	}
	var hdr header
	if err := json.Unmarshal(hb, &hdr); err != nil {
		return fmt.Errorf("parse header: %w", err)
	}
	if hdr.Alg != "RS256" {
		return fmt.Errorf("unsupported alg %q", hdr.Alg)
	}
	raw, err := base64.RawURLEncoding.DecodeString(sig.Signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	pub, err := parseRSAPublicKey(keyPEM)
	if err != nil {
		return err
	}
	h := sha256.Sum256(signingInput(sig.Protected, payload))
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, h[:], raw)
}

// SignFile writes a detached signature of path to path+".jws".
func SignFile(path, keyPath string) (string, error) {
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return "", fmt.Errorf("read key: %w", err)
	}
	payload, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sig, err := SignDetachedJWS(payload, key)
	if err != nil {
		return "", fmt.Errorf("sign %s: %w", path, err)
	}
	b, err := json.MarshalIndent(sig, "", "  ")
	if err != nil {
		return "", err
	}
	out := path + ".jws"
	return out, os.WriteFile(out, b, 0o644)
}

func parseRSAPrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("no pem block")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("not an RSA private key")
	}
	return rsaKey, nil
}

func parseRSAPublicKey(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("no pem block")
	}
	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		pub, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("not an RSA public key")
		}
		return pub, nil
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	default:
		priv, err := parseRSAPrivateKey(pemBytes)
		if err != nil {
			return nil, err
		}
		return &priv.PublicKey, nil
	}
}

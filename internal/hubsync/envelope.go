package hubsync

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	ErrSignature    = errors.New("signature mismatch")
	ErrInsecureURL  = errors.New("package_url must be https")
	ErrStaleInstall = errors.New("install payload outside the accepted time window")
	ErrHashMismatch = errors.New("artifact sha256 mismatch")
)

// MaxInstallSkew bounds how far ts may be from the spoke's clock.
const MaxInstallSkew = 10 * time.Minute

// InstallPayload is what the hub signs for a remote install or update.
type InstallPayload struct {
	TS         int64  `json:"ts"`
	Action     string `json:"action"` // install|update
	PackageURL string `json:"package_url"`
	Callback   string `json:"callback"`
	SHA256     string `json:"sha256,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
}

// Envelope carries the exact signed bytes alongside the signature.
type Envelope struct {
	Payload json.RawMessage `json:"payload"`
	Sig     string          `json:"sig"`
}

func signature(payload []byte, secret string) string {
	m := hmac.New(sha256.New, []byte(secret))
	m.Write(payload)
	return hex.EncodeToString(m.Sum(nil))
}

// Sign encodes p and signs the encoded bytes with HMAC-SHA256.
func Sign(p InstallPayload, secret string) (Envelope, error) {
	if secret == "" {
		return Envelope{}, errors.New("empty signing secret")
	}
	b, err := json.Marshal(p)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Payload: b, Sig: signature(b, secret)}, nil
}

// Verify checks the signature over the payload bytes as received, then
// decodes them. Nothing is decoded before the signature holds.
func Verify(env Envelope, secret string) (InstallPayload, error) {
	var p InstallPayload
	if secret == "" || len(env.Payload) == 0 {
		return p, ErrSignature
	}
	got, err := hex.DecodeString(strings.TrimSpace(env.Sig))
	if err != nil {
		return p, ErrSignature
	}
	m := hmac.New(sha256.New, []byte(secret))
	m.Write(env.Payload)
	if !hmac.Equal(m.Sum(nil), got) {
		return p, ErrSignature
	}
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return p, ErrSignature
	}
	return p, nil
}

// Check enforces the non-cryptographic rules on a verified payload.
func (p InstallPayload) Check(now time.Time) error {
	if !strings.HasPrefix(strings.ToLower(p.PackageURL), "https://") {
		return ErrInsecureURL
	}
	skew := now.Sub(time.Unix(p.TS, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxInstallSkew {
		return ErrStaleInstall
	}
	return nil
}

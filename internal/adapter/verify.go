package adapter

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	cperrors "github.com/getmu/control-plane/internal/pkg/errors"
)

// maxBodyBytes bounds an ingress payload.
const maxBodyBytes = 1 << 20

// readBody drains the request body so it can be both verified and parsed.
func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	if len(body) > maxBodyBytes {
		return nil, fmt.Errorf("request body exceeds %d bytes", maxBodyBytes)
	}
	return body, nil
}

// verify applies a channel's declared verification to a request. Steps run in order
// and the first failure wins; the returned error carries the channel-tagged
// reason code.
func verify(spec Spec, r *http.Request, body []byte, secret string, now time.Time) *cperrors.ReasonError {
	if r.Method != http.MethodPost {
		return cperrors.New("method_not_allowed", http.StatusMethodNotAllowed)
	}

	channel := spec.Channel
	v := spec.Verification

	switch v.Method {
	case VerifyHMACSHA256:
		ts := r.Header.Get(v.TimestampHeader)
		if ts == "" {
			return cperrors.NewVerificationError(fmt.Sprintf("missing_%s_timestamp", channel))
		}
		tsSec, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return cperrors.NewVerificationError(fmt.Sprintf("invalid_%s_timestamp", channel))
		}
		skew := now.Unix() - tsSec
		if skew < 0 {
			skew = -skew
		}
		if skew > int64(v.MaxClockSkew/time.Second) {
			return cperrors.NewVerificationError(fmt.Sprintf("stale_%s_timestamp", channel))
		}

		got := r.Header.Get(v.SignatureHeader)
		if got == "" {
			return cperrors.NewVerificationError(fmt.Sprintf("missing_%s_signature", channel))
		}
		want := SignPayload(secret, v.SignaturePrefix, ts, body)
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			return cperrors.NewVerificationError(fmt.Sprintf("invalid_%s_signature", channel))
		}
		return nil

	case VerifySharedSecretHeader:
		got := r.Header.Get(v.SecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			return cperrors.NewVerificationError(fmt.Sprintf("invalid_%s_secret_token", channel))
		}
		return nil

	default:
		return cperrors.New("unsupported_verification", http.StatusInternalServerError)
	}
}

// SignPayload computes the signature header value for an HMAC-verified
// channel: "<prefix>=" + hex(HMAC-SHA256(secret, "<prefix>:<ts>:<body>")).
// Exported for tests and local clients that need to produce valid requests.
func SignPayload(secret, prefix, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s:%s:", prefix, timestamp)
	mac.Write(body)
	return prefix + "=" + hex.EncodeToString(mac.Sum(nil))
}

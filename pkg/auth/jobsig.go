package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Signed-job channel headers and limits. The signature covers
// "<unixTimestamp>.<rawBody>", and the timestamp must be within the skew
// window in either direction.
const (
	SignatureHeader = "X-Authority-Signature"
	TimestampHeader = "X-Authority-Timestamp"

	MaxSkew        = 300 * time.Second
	maxJobBodySize = 1 << 20
)

// SignJobRequest computes the hex signature for a job request body at the
// given time.
func SignJobRequest(secret string, ts time.Time, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(strconv.FormatInt(ts.Unix(), 10)))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyJobSignature validates a signature/timestamp pair against the body.
// Comparison is constant-time.
func VerifyJobSignature(secret, signature, timestamp string, body []byte, now time.Time) error {
	if secret == "" {
		return errors.New("job secret is required")
	}
	if signature == "" || timestamp == "" {
		return errors.New("signature and timestamp are required")
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(timestamp), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}
	skew := now.Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(MaxSkew/time.Second) {
		return errors.New("timestamp outside allowed skew")
	}
	expected := SignJobRequest(secret, time.Unix(ts, 0), body)
	if !hmac.Equal([]byte(strings.ToLower(strings.TrimSpace(signature))), []byte(expected)) {
		return errors.New("signature mismatch")
	}
	return nil
}

// SignedJobMiddleware guards the operational job endpoints. The request body
// is read (bounded), verified, and restored for the handler.
func SignedJobMiddleware(secret string, now func() time.Time) func(http.Handler) http.Handler {
	if now == nil {
		now = time.Now
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxJobBodySize+1))
			_ = r.Body.Close()
			if err != nil {
				http.Error(w, "unable to read request body", http.StatusBadRequest)
				return
			}
			if len(body) > maxJobBodySize {
				http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
				return
			}
			if err := VerifyJobSignature(secret, r.Header.Get(SignatureHeader), r.Header.Get(TimestampHeader), body, now().UTC()); err != nil {
				http.Error(w, "invalid job signature", http.StatusUnauthorized)
				return
			}
			r.Body = io.NopCloser(strings.NewReader(string(body)))
			r.ContentLength = int64(len(body))
			next.ServeHTTP(w, r)
		})
	}
}

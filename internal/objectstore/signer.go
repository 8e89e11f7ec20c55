// Package objectstore issues short-lived Aliyun-OSS-style POST policies for
// the upload-signature endpoint (spec section 4.9). It never touches file
// bytes: the browser uploads directly to the object store using the policy
// this package returns, and later reports the resulting object URL back to
// the chat endpoint as a file attachment.
package objectstore

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"
)

// Signer issues OSS PostObject policies for one bucket/endpoint pair. No OSS
// SDK is used: the policy document and signature are plain JSON + HMAC-SHA256
// + base64, which is all the OSS PostObject contract requires.
type Signer struct {
	endpoint  string
	bucket    string
	accessKey string
	secret    string
	now       func() time.Time
}

// New constructs a Signer. endpoint is the bucket's public base URL (e.g.
// "https://agentflow-uploads.oss-cn-hangzhou.aliyuncs.com").
func New(endpoint, bucket, accessKeyID, accessKeySecret string) *Signer {
	return &Signer{
		endpoint:  strings.TrimRight(endpoint, "/"),
		bucket:    bucket,
		accessKey: accessKeyID,
		secret:    accessKeySecret,
		now:       time.Now,
	}
}

// PolicyRequest is the decoded body of POST /api/oss/post-signature.
type PolicyRequest struct {
	Filename      string `json:"filename"`
	ContentType   string `json:"content_type"`
	Dir           string `json:"dir"`
	ExpireSeconds int    `json:"expire_seconds"`
}

// Policy is the short-lived PostObject policy returned to the browser: a
// target URL plus the form fields it must submit alongside the file bytes.
type Policy struct {
	Method              string `json:"method"`
	URL                 string `json:"url"`
	Key                 string `json:"key"`
	Policy              string `json:"policy"`
	Signature           string `json:"signature"`
	OSSAccessKeyID      string `json:"OSSAccessKeyId"`
	SuccessActionStatus string `json:"success_action_status"`
	ExpireAt            string `json:"expire_at"`
	// ObjectURL is the canonical URL the client sends back in
	// messages[].files[].url once the upload completes.
	ObjectURL string `json:"object_url"`
}

const defaultExpireSeconds = 300
const maxExpireSeconds = 3600

// Sign builds a Policy for req. The object key is namespaced under dir (or
// "uploads" if unset) with a collision-resistant prefix derived from the
// current time, since the caller does not control the filename.
func (s *Signer) Sign(req PolicyRequest) (Policy, error) {
	if strings.TrimSpace(req.Filename) == "" {
		return Policy{}, fmt.Errorf("objectstore: filename is required")
	}
	expireSeconds := req.ExpireSeconds
	if expireSeconds <= 0 {
		expireSeconds = defaultExpireSeconds
	}
	if expireSeconds > maxExpireSeconds {
		expireSeconds = maxExpireSeconds
	}
	expireAt := s.now().Add(time.Duration(expireSeconds) * time.Second).UTC()

	dir := strings.Trim(req.Dir, "/")
	if dir == "" {
		dir = "uploads"
	}
	key := path.Join(dir, fmt.Sprintf("%d-%s", s.now().UnixNano(), sanitizeFilename(req.Filename)))

	conditions := []any{
		[]any{"content-length-range", 0, 50 * 1024 * 1024},
		map[string]string{"bucket": s.bucket},
		map[string]string{"key": key},
	}
	if req.ContentType != "" {
		conditions = append(conditions, []any{"eq", "$Content-Type", req.ContentType})
	}

	document := map[string]any{
		"expiration": expireAt.Format("2006-01-02T15:04:05.000Z"),
		"conditions": conditions,
	}
	raw, err := json.Marshal(document)
	if err != nil {
		return Policy{}, fmt.Errorf("objectstore: marshal policy: %w", err)
	}
	encodedPolicy := base64.StdEncoding.EncodeToString(raw)
	signature := sign(encodedPolicy, s.secret)

	return Policy{
		Method:              "POST",
		URL:                 s.endpoint,
		Key:                 key,
		Policy:              encodedPolicy,
		Signature:           signature,
		OSSAccessKeyID:      s.accessKey,
		SuccessActionStatus: "200",
		ExpireAt:            expireAt.Format(time.RFC3339),
		ObjectURL:           s.endpoint + "/" + key,
	}, nil
}

// sign computes the OSS PostObject signature: base64(hmac-sha256(secret, policy)).
func sign(encodedPolicy, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(encodedPolicy))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func sanitizeFilename(name string) string {
	name = path.Base(name)
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

package objectstore_test

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/goa-ai-labs/agentflow/internal/objectstore"
)

func TestSigner_Sign_ProducesVerifiableSignature(t *testing.T) {
	s := objectstore.New("https://agentflow-uploads.oss-cn-hangzhou.aliyuncs.com", "agentflow-uploads", "AKIDexample", "secret123")

	policy, err := s.Sign(objectstore.PolicyRequest{
		Filename:    "report.pdf",
		ContentType: "application/pdf",
		Dir:         "sessions/abc",
	})
	require.NoError(t, err)

	require.Equal(t, "POST", policy.Method)
	require.Equal(t, "AKIDexample", policy.OSSAccessKeyID)
	require.Equal(t, "200", policy.SuccessActionStatus)
	require.Contains(t, policy.Key, "sessions/abc/")
	require.Contains(t, policy.Key, "report.pdf")
	require.Equal(t, policy.URL+"/"+policy.Key, policy.ObjectURL)

	mac := hmac.New(sha256.New, []byte("secret123"))
	mac.Write([]byte(policy.Policy))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	require.Equal(t, want, policy.Signature)
}

func TestSigner_Sign_RequiresFilename(t *testing.T) {
	s := objectstore.New("https://example.oss.aliyuncs.com", "bucket", "key", "secret")
	_, err := s.Sign(objectstore.PolicyRequest{})
	require.Error(t, err)
}

func TestSigner_Sign_ClampsExcessiveExpiry(t *testing.T) {
	s := objectstore.New("https://example.oss.aliyuncs.com", "bucket", "key", "secret")
	policy, err := s.Sign(objectstore.PolicyRequest{Filename: "a.txt", ExpireSeconds: 999999})
	require.NoError(t, err)

	expireAt, err := time.Parse(time.RFC3339, policy.ExpireAt)
	require.NoError(t, err)
	require.WithinDuration(t, time.Now().Add(time.Hour), expireAt, 10*time.Second)
}

// Package objstore signs and performs presigned object-storage requests.
// Objects are addressed path-style and the signature covers the method, the
// resource path, the canonical query string and the host header only; the
// payload is unsigned, appropriate for time-boxed single-use links.
package objstore

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

const (
	signingAlgorithm = "AWS4-HMAC-SHA256"
	serviceName      = "s3"
	unsignedPayload  = "UNSIGNED-PAYLOAD"
)

// Credentials identify the signing principal.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
}

// Signer produces presigned URLs for one bucket.
type Signer struct {
	creds    Credentials
	region   string
	bucket   string
	endpoint string
	now      func() time.Time
}

// NewSigner builds a Signer. The endpoint is scheme+host, e.g.
// "https://s3.eu-west-2.amazonaws.com".
func NewSigner(creds Credentials, region, bucket, endpoint string) (*Signer, error) {
	if creds.AccessKeyID == "" || creds.SecretAccessKey == "" {
		return nil, eris.New("objstore: missing credentials")
	}
	if region == "" || bucket == "" || endpoint == "" {
		return nil, eris.New("objstore: region, bucket and endpoint are required")
	}
	return &Signer{
		creds:    creds,
		region:   region,
		bucket:   bucket,
		endpoint: strings.TrimSuffix(endpoint, "/"),
		now:      time.Now,
	}, nil
}

// Presign returns a presigned URL for one method (GET, PUT or HEAD) on the
// given object key, valid for expires.
func (s *Signer) Presign(method, key string, expires time.Duration) (string, error) {
	if expires <= 0 {
		return "", eris.New("objstore: expiry must be positive")
	}

	base, err := url.Parse(s.endpoint)
	if err != nil {
		return "", eris.Wrap(err, "objstore: parse endpoint")
	}

	now := s.now().UTC()
	amzDate := now.Format("20060102T150405Z")
	dateStamp := now.Format("20060102")
	scope := fmt.Sprintf("%s/%s/%s/aws4_request", dateStamp, s.region, serviceName)

	// Path-style addressing: /bucket/key.
	resourcePath := "/" + s.bucket + "/" + strings.TrimPrefix(key, "/")
	canonicalPath := uriEncodePath(resourcePath)

	query := url.Values{}
	query.Set("X-Amz-Algorithm", signingAlgorithm)
	query.Set("X-Amz-Credential", s.creds.AccessKeyID+"/"+scope)
	query.Set("X-Amz-Date", amzDate)
	query.Set("X-Amz-Expires", fmt.Sprintf("%d", int(expires.Seconds())))
	query.Set("X-Amz-SignedHeaders", "host")

	canonicalRequest := strings.Join([]string{
		method,
		canonicalPath,
		canonicalQuery(query),
		"host:" + base.Host + "\n",
		"host",
		unsignedPayload,
	}, "\n")

	stringToSign := strings.Join([]string{
		signingAlgorithm,
		amzDate,
		scope,
		hexSHA256([]byte(canonicalRequest)),
	}, "\n")

	signature := hex.EncodeToString(hmacSHA256(s.signingKey(dateStamp), stringToSign))
	query.Set("X-Amz-Signature", signature)

	return base.Scheme + "://" + base.Host + canonicalPath + "?" + canonicalQuery(query), nil
}

// signingKey derives the per-day signing key chain.
func (s *Signer) signingKey(dateStamp string) []byte {
	k := hmacSHA256([]byte("AWS4"+s.creds.SecretAccessKey), dateStamp)
	k = hmacSHA256(k, s.region)
	k = hmacSHA256(k, serviceName)
	return hmacSHA256(k, "aws4_request")
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data)) //nolint:errcheck
	return h.Sum(nil)
}

func hexSHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// canonicalQuery encodes query parameters sorted by key with strict RFC 3986
// escaping (spaces as %20, not +).
func canonicalQuery(q url.Values) string {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, uriEncode(k)+"="+uriEncode(q.Get(k)))
	}
	return strings.Join(parts, "&")
}

// uriEncode percent-encodes per the signing spec: unreserved characters are
// A-Z a-z 0-9 hyphen underscore period tilde.
func uriEncode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') ||
			(c >= '0' && c <= '9') || c == '-' || c == '_' || c == '.' || c == '~' {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

// uriEncodePath encodes a path, preserving the segment separators.
func uriEncodePath(p string) string {
	segments := strings.Split(p, "/")
	for i, seg := range segments {
		segments[i] = uriEncode(seg)
	}
	return strings.Join(segments, "/")
}

// Package s3 talks to S3-compatible object stores over plain HTTP with
// requests signed by the sigv4 package.
//
// The destination scheme, host and bucket are fixed when the driver is
// built. Object keys only ever become the percent-encoded URL path, so no
// key can redirect a request to another host.
package s3

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/smithy-go"

	"github.com/tendant/simple-media/pkg/simplemedia"
	"github.com/tendant/simple-media/pkg/simplemedia/sigv4"
)

// Config options for the S3 driver
type Config struct {
	Name            string        // Backend name reported in errors; defaults to "s3"
	Region          string        // AWS region (default: us-east-1)
	Bucket          string        // S3 bucket name
	AccessKeyID     string        // Static access key; empty selects the AWS default credential chain
	SecretAccessKey string        // Static secret key
	SessionToken    string        // Optional session token for static credentials
	Endpoint        string        // Optional custom endpoint for S3-compatible services
	UsePathStyle    bool          // Use path-style addressing (default: false)
	Timeout         time.Duration // Per-request timeout (default: 30s)
	SkipTLSVerify   bool          // Disable certificate verification for self-signed endpoints

	// Clock overrides the signing time source.
	Clock func() time.Time
	// Credentials overrides credential resolution entirely.
	Credentials aws.CredentialsProvider
}

// Driver is an S3-compatible implementation of simplemedia.StorageDriver
type Driver struct {
	name      string
	scheme    string
	host      string
	bucket    string
	region    string
	pathStyle bool
	creds     aws.CredentialsProvider
	client    *http.Client
	now       func() time.Time
}

var _ simplemedia.StorageDriver = (*Driver)(nil)

// New creates a new S3 driver
func New(config Config) (*Driver, error) {
	if config.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	if config.Region == "" {
		config.Region = "us-east-1"
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Name == "" {
		config.Name = "s3"
	}
	endpoint := config.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://s3.%s.amazonaws.com", config.Region)
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid endpoint scheme %q", u.Scheme)
	}
	if u.Host == "" || (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.User != nil {
		return nil, fmt.Errorf("endpoint must be scheme://host[:port], got %q", endpoint)
	}

	creds := config.Credentials
	if creds == nil {
		if config.AccessKeyID != "" && config.SecretAccessKey != "" {
			creds = credentials.NewStaticCredentialsProvider(config.AccessKeyID, config.SecretAccessKey, config.SessionToken)
		} else {
			awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(config.Region))
			if err != nil {
				return nil, fmt.Errorf("failed to load AWS config: %w", err)
			}
			creds = awsCfg.Credentials
		}
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.SkipTLSVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for self-signed endpoints
	}

	host := u.Host
	if !config.UsePathStyle {
		host = config.Bucket + "." + u.Host
	}
	now := config.Clock
	if now == nil {
		now = time.Now
	}

	return &Driver{
		name:      config.Name,
		scheme:    u.Scheme,
		host:      host,
		bucket:    config.Bucket,
		region:    config.Region,
		pathStyle: config.UsePathStyle,
		creds:     creds,
		now:       now,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}, nil
}

func (d *Driver) fail(op, key string, err error) error {
	return &simplemedia.StorageError{Backend: d.name, Key: key, Op: op, Err: err}
}

// objectURL builds the request URL. Only the path depends on key.
func (d *Driver) objectURL(key string) (*url.URL, error) {
	if key == "" || strings.ContainsRune(key, 0) {
		return nil, simplemedia.ErrInvalidKey
	}
	p := "/" + strings.TrimPrefix(key, "/")
	if d.pathStyle {
		p = "/" + d.bucket + p
	}
	return &url.URL{
		Scheme:  d.scheme,
		Host:    d.host,
		Path:    p,
		RawPath: sigv4.EncodePath(p),
	}, nil
}

func (d *Driver) do(ctx context.Context, method, key string, body io.Reader, length int64, payloadHash string) (*http.Response, error) {
	u, err := d.objectURL(key)
	if err != nil {
		return nil, err
	}
	if body == nil {
		body = http.NoBody
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	// u.String() is re-parsed by NewRequest; pin the fields we built.
	req.URL = u
	req.Host = u.Host
	if body != http.NoBody {
		req.ContentLength = length
	}

	creds, err := d.creds.Retrieve(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve credentials: %w", err)
	}

	t := d.now().UTC()
	amzDate := t.Format(sigv4.TimeFormat)
	date := t.Format(sigv4.DateFormat)

	headers := map[string]string{
		"host":                 u.Host,
		"x-amz-content-sha256": payloadHash,
		"x-amz-date":           amzDate,
	}
	if creds.SessionToken != "" {
		headers["x-amz-security-token"] = creds.SessionToken
	}
	for k, v := range headers {
		if k != "host" {
			req.Header.Set(k, v)
		}
	}

	canonical := sigv4.CanonicalRequest(method, u.EscapedPath(), nil, headers, payloadHash)
	scope := sigv4.Scope(date, d.region, "s3")
	sts := sigv4.StringToSign(amzDate, scope, sigv4.HashHex([]byte(canonical)))
	sig := sigv4.Signature(creds.SecretAccessKey, date, d.region, "s3", sts)
	req.Header.Set("Authorization", sigv4.Authorization(creds.AccessKeyID, scope, sigv4.SignedHeaders(headers), sig))

	return d.client.Do(req)
}

type errorDocument struct {
	XMLName xml.Name `xml:"Error"`
	Code    string   `xml:"Code"`
	Message string   `xml:"Message"`
}

// apiError decodes an S3 error response. HEAD responses carry no body,
// so the status text stands in for the code.
func apiError(resp *http.Response) error {
	apiErr := &smithy.GenericAPIError{
		Code:    strings.ReplaceAll(http.StatusText(resp.StatusCode), " ", ""),
		Message: resp.Status,
		Fault:   smithy.FaultServer,
	}
	if resp.StatusCode < 500 {
		apiErr.Fault = smithy.FaultClient
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var doc errorDocument
	if len(raw) > 0 && xml.Unmarshal(raw, &doc) == nil && doc.Code != "" {
		apiErr.Code = doc.Code
		apiErr.Message = doc.Message
	}
	return apiErr
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}

// Put uploads src. Seekable sources are hashed in place and rewound;
// anything else is buffered to compute the payload hash.
func (d *Driver) Put(ctx context.Context, key string, src io.Reader) error {
	if rs, ok := src.(io.ReadSeeker); ok {
		start, err := rs.Seek(0, io.SeekCurrent)
		if err != nil {
			return d.fail("put", key, err)
		}
		h := sha256.New()
		n, err := io.Copy(h, rs)
		if err != nil {
			return d.fail("put", key, err)
		}
		if _, err := rs.Seek(start, io.SeekStart); err != nil {
			return d.fail("put", key, err)
		}
		var body io.Reader
		if n > 0 {
			body = io.LimitReader(rs, n)
		}
		return d.put(ctx, key, body, n, hex.EncodeToString(h.Sum(nil)))
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return d.fail("put", key, err)
	}
	return d.PutContents(ctx, key, data)
}

func (d *Driver) PutContents(ctx context.Context, key string, data []byte) error {
	var body io.Reader
	if len(data) > 0 {
		body = bytes.NewReader(data)
	}
	return d.put(ctx, key, body, int64(len(data)), sigv4.HashHex(data))
}

func (d *Driver) put(ctx context.Context, key string, body io.Reader, n int64, payloadHash string) error {
	resp, err := d.do(ctx, http.MethodPut, key, body, n, payloadHash)
	if err != nil {
		return d.fail("put", key, err)
	}
	defer drain(resp)
	if resp.StatusCode/100 != 2 {
		return d.fail("put", key, apiError(resp))
	}
	return nil
}

func (d *Driver) GetStream(ctx context.Context, key string) (io.ReadCloser, error) {
	resp, err := d.do(ctx, http.MethodGet, key, nil, 0, sigv4.EmptyPayloadHash)
	if err != nil {
		return nil, d.fail("get", key, err)
	}
	switch {
	case resp.StatusCode == http.StatusOK:
		return resp.Body, nil
	case resp.StatusCode == http.StatusNotFound:
		drain(resp)
		return nil, d.fail("get", key, simplemedia.ErrNotFound)
	default:
		defer drain(resp)
		return nil, d.fail("get", key, apiError(resp))
	}
}

func (d *Driver) head(ctx context.Context, op, key string) (*http.Response, error) {
	resp, err := d.do(ctx, http.MethodHead, key, nil, 0, sigv4.EmptyPayloadHash)
	if err != nil {
		return nil, d.fail(op, key, err)
	}
	defer drain(resp)
	switch {
	case resp.StatusCode == http.StatusOK:
		return resp, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, d.fail(op, key, simplemedia.ErrNotFound)
	default:
		return nil, d.fail(op, key, apiError(resp))
	}
}

func (d *Driver) Exists(ctx context.Context, key string) (bool, error) {
	_, err := d.head(ctx, "exists", key)
	if simplemedia.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (d *Driver) Size(ctx context.Context, key string) (int64, error) {
	resp, err := d.head(ctx, "size", key)
	if err != nil {
		return 0, err
	}
	if v := resp.Header.Get("Content-Length"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, d.fail("size", key, fmt.Errorf("invalid content length %q: %w", v, err))
		}
		return n, nil
	}
	return resp.ContentLength, nil
}

// Delete removes the object. S3 answers 204 for absent keys too.
func (d *Driver) Delete(ctx context.Context, key string) error {
	resp, err := d.do(ctx, http.MethodDelete, key, nil, 0, sigv4.EmptyPayloadHash)
	if err != nil {
		return d.fail("delete", key, err)
	}
	defer drain(resp)
	if resp.StatusCode/100 == 2 || resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return d.fail("delete", key, apiError(resp))
}

package entropy

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// SignedMessagePrefix is prepended to sample bytes before a pinned source
// signs them.
const SignedMessagePrefix = "zkvault/entropy/v1"

var (
	ErrSourceStatus    = errors.New("entropy source returned non-2xx status")
	ErrShortSample     = errors.New("entropy source returned wrong sample length")
	ErrMalformedSample = errors.New("entropy source returned malformed sample")
)

type Sample struct {
	Bytes     []byte
	Signature []byte
}

type Source interface {
	Name() string
	Fetch(ctx context.Context, n int) (Sample, error)
}

// PinnedSource is a Source whose samples must carry a valid ML-DSA signature
// under PublicKey.
type PinnedSource interface {
	Source
	PublicKey() []byte
}

// SignedMessage is the byte string a pinned source signs for a sample.
func SignedMessage(sample []byte) []byte {
	msg := make([]byte, 0, len(SignedMessagePrefix)+len(sample))
	msg = append(msg, SignedMessagePrefix...)
	return append(msg, sample...)
}

type HTTPSource struct {
	name      string
	endpoint  string
	client    *http.Client
	publicKey []byte
}

// NewHTTPSource fetches samples with GET endpoint?bytes=n. The body is either
// the raw bytes (signature, if any, in the X-Entropy-Signature header) or JSON
// {"data": base64, "signature": base64}.
func NewHTTPSource(name, endpoint string, client *http.Client, publicKey []byte) *HTTPSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSource{
		name:      strings.TrimSpace(name),
		endpoint:  strings.TrimSpace(endpoint),
		client:    client,
		publicKey: append([]byte(nil), publicKey...),
	}
}

func (s *HTTPSource) Name() string { return s.name }

func (s *HTTPSource) PublicKey() []byte {
	return append([]byte(nil), s.publicKey...)
}

func (s *HTTPSource) Fetch(ctx context.Context, n int) (Sample, error) {
	u, err := url.Parse(s.endpoint)
	if err != nil {
		return Sample{}, fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("bytes", strconv.Itoa(n))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Sample{}, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Sample{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Sample{}, fmt.Errorf("%w: %d", ErrSourceStatus, resp.StatusCode)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		return decodeJSONSample(resp.Body, n)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(n)+1))
	if err != nil {
		return Sample{}, err
	}
	if len(body) != n {
		return Sample{}, fmt.Errorf("%w: got %d, want %d", ErrShortSample, len(body), n)
	}
	sample := Sample{Bytes: body}
	if raw := strings.TrimSpace(resp.Header.Get("X-Entropy-Signature")); raw != "" {
		sig, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return Sample{}, fmt.Errorf("%w: signature header", ErrMalformedSample)
		}
		sample.Signature = sig
	}
	return sample, nil
}

type jsonSample struct {
	Data      string `json:"data"`
	Signature string `json:"signature,omitempty"`
}

func decodeJSONSample(r io.Reader, n int) (Sample, error) {
	// base64 expands by 4/3; leave headroom for the signature field.
	limit := int64(n)*2 + 64*1024
	var payload jsonSample
	if err := json.NewDecoder(io.LimitReader(r, limit)).Decode(&payload); err != nil {
		return Sample{}, fmt.Errorf("%w: %v", ErrMalformedSample, err)
	}
	data, err := base64.StdEncoding.DecodeString(payload.Data)
	if err != nil {
		return Sample{}, fmt.Errorf("%w: data", ErrMalformedSample)
	}
	if len(data) != n {
		return Sample{}, fmt.Errorf("%w: got %d, want %d", ErrShortSample, len(data), n)
	}
	sample := Sample{Bytes: data}
	if payload.Signature != "" {
		sig, err := base64.StdEncoding.DecodeString(payload.Signature)
		if err != nil {
			return Sample{}, fmt.Errorf("%w: signature", ErrMalformedSample)
		}
		sample.Signature = sig
	}
	return sample, nil
}

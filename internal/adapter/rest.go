package adapter

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"quantbridge/logger"
)

// RESTClient wraps the HTTP boundary of one platform. Responses with
// non-2xx status codes are classified into the failure taxonomy before
// they reach the caller.
type RESTClient struct {
	platform string
	baseURL  string
	client   *http.Client
	log      *logger.Log
}

func NewRESTClient(platform, baseURL, proxy string, timeout time.Duration) (*RESTClient, error) {
	transport := &http.Transport{
		MaxIdleConns:        32,
		MaxIdleConnsPerHost: 32,
		IdleConnTimeout:     90 * time.Second,
	}
	if proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RESTClient{
		platform: platform,
		baseURL:  baseURL,
		client:   &http.Client{Transport: transport, Timeout: timeout},
		log:      logger.GetLogger(),
	}, nil
}

// platformError is the subset of error payloads shared by the venues
// this bridge speaks to.
type platformError struct {
	Code    json.Number `json:"code"`
	Msg     string      `json:"msg"`
	Message string      `json:"message"`
}

// Do issues one request and returns the raw body. query may be nil;
// headers are applied verbatim so callers own their signing scheme.
func (c *RESTClient) Do(ctx context.Context, method, path string, query url.Values, headers http.Header, body []byte) ([]byte, error) {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	res, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &APIError{Kind: FailureTransient, Platform: c.platform, Message: err.Error()}
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, &APIError{Kind: FailureTransient, Platform: c.platform, Status: res.StatusCode, Message: err.Error()}
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		apiErr := &APIError{
			Kind:     ClassifyStatus(res.StatusCode),
			Platform: c.platform,
			Status:   res.StatusCode,
			Message:  string(data),
		}
		var pe platformError
		if json.Unmarshal(data, &pe) == nil {
			apiErr.Code = pe.Code.String()
			if pe.Msg != "" {
				apiErr.Message = pe.Msg
			} else if pe.Message != "" {
				apiErr.Message = pe.Message
			}
		}
		return nil, apiErr
	}

	return data, nil
}

// SignHex returns the lowercase hex HMAC-SHA256 of payload. Binance
// style query signing.
func SignHex(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignBase64 returns the base64 HMAC-SHA256 of payload. OKX style
// timestamp+method+path+body signing.
func SignBase64(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

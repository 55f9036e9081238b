// Package soap talks to the WebAPIService exposed by attendance devices.
package soap

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/boscod/punchsync/internal/models"
	"go.uber.org/zap"
)

const (
	ServiceNamespace = "http://tempuri.org/"
	ActionGetLogs    = ServiceNamespace + "GetTransactionsLog"

	// DeviceTimeLayout is the timestamp format the device firmware expects.
	DeviceTimeLayout = "2006-01-02T15:04:05"

	// DefaultMaxResponseBytes caps a response body; larger bodies are rejected.
	DefaultMaxResponseBytes = 32 << 20
)

var ErrResponseTooLarge = errors.New("response body too large")

// TransportError is returned for any failure reaching a device or any
// non-2xx answer from it.
type TransportError struct {
	DeviceID   int64
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("device %d: %s returned HTTP %d", e.DeviceID, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("device %d: request to %s failed: %v", e.DeviceID, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the failure was a timeout.
func (e *TransportError) Timeout() bool {
	var netErr net.Error
	return errors.As(e.Err, &netErr) && netErr.Timeout()
}

type Options struct {
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	Location       *time.Location
	// MaxResponseBytes defaults to DefaultMaxResponseBytes.
	MaxResponseBytes int64
}

// Client fetches transaction logs. It never retries; that is the job layer's concern.
type Client struct {
	http     *http.Client
	location *time.Location
	maxBody  int64
	logger   *zap.Logger
}

func NewClient(opts Options, logger *zap.Logger) *Client {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.MaxResponseBytes <= 0 {
		opts.MaxResponseBytes = DefaultMaxResponseBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: opts.ConnectTimeout}).DialContext,
		TLSHandshakeTimeout:   opts.ConnectTimeout,
		ResponseHeaderTimeout: opts.RequestTimeout,
		MaxIdleConnsPerHost:   1,
		IdleConnTimeout:       30 * time.Second,
	}

	return &Client{
		http:     &http.Client{Timeout: opts.RequestTimeout, Transport: transport},
		location: opts.Location,
		maxBody:  opts.MaxResponseBytes,
		logger:   logger,
	}
}

// Credentials are the plaintext values sent to the device.
type Credentials struct {
	Username string
	Password string
}

// FetchLogs calls GetTransactionsLog for the window and returns the raw
// response body.
func (c *Client) FetchLogs(ctx context.Context, device *models.Device, creds Credentials, from, to time.Time) ([]byte, error) {
	endpoint, err := Endpoint(device)
	if err != nil {
		return nil, &TransportError{DeviceID: device.ID, URL: device.Address, Err: err}
	}

	payload, err := BuildGetTransactionsLog(GetTransactionsLogRequest{
		FromDateTime: from.In(c.location).Format(DeviceTimeLayout),
		ToDateTime:   to.In(c.location).Format(DeviceTimeLayout),
		SerialNumber: device.Serial(),
		UserName:     creds.Username,
		UserPassword: creds.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("build envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &TransportError{DeviceID: device.ID, URL: endpoint, Err: err}
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", `"`+ActionGetLogs+`"`)

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{DeviceID: device.ID, URL: endpoint, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, &TransportError{DeviceID: device.ID, URL: endpoint, Err: fmt.Errorf("read body: %w", err)}
	}
	// a cut body would still parse and move last_sync_at past the lost rows
	if int64(len(body)) > c.maxBody {
		return nil, &TransportError{
			DeviceID:   device.ID,
			URL:        endpoint,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%w: limit %d bytes", ErrResponseTooLarge, c.maxBody),
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &TransportError{
			DeviceID:   device.ID,
			URL:        endpoint,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		}
	}

	c.logger.Debug("Fetched device logs",
		zap.Int64("device_id", device.ID),
		zap.String("url", endpoint),
		zap.Int("bytes", len(body)),
		zap.Duration("elapsed", time.Since(started)))

	return body, nil
}

// GetTransactionsLogRequest is the body of the GetTransactionsLog operation.
type GetTransactionsLogRequest struct {
	XMLName      xml.Name `xml:"GetTransactionsLog"`
	Xmlns        string   `xml:"xmlns,attr"`
	FromDateTime string   `xml:"FromDateTime"`
	ToDateTime   string   `xml:"ToDateTime"`
	SerialNumber string   `xml:"SerialNumber"`
	UserName     string   `xml:"UserName"`
	UserPassword string   `xml:"UserPassword"`
	DataList     string   `xml:"strDataList"`
}

type envelope struct {
	XMLName xml.Name `xml:"soap:Envelope"`
	XSI     string   `xml:"xmlns:xsi,attr"`
	XSD     string   `xml:"xmlns:xsd,attr"`
	Soap    string   `xml:"xmlns:soap,attr"`
	Body    struct {
		Request GetTransactionsLogRequest
	} `xml:"soap:Body"`
}

// BuildGetTransactionsLog renders the SOAP 1.1 request envelope.
func BuildGetTransactionsLog(req GetTransactionsLogRequest) ([]byte, error) {
	req.Xmlns = ServiceNamespace

	env := envelope{
		XSI:  "http://www.w3.org/2001/XMLSchema-instance",
		XSD:  "http://www.w3.org/2001/XMLSchema",
		Soap: "http://schemas.xmlsoap.org/soap/envelope/",
	}
	env.Body.Request = req

	out, err := xml.Marshal(env)
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), out...), nil
}

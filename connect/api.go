package connect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

type HttpSettings struct {
	RequestTimeout time.Duration
	ConnectTimeout time.Duration
	TlsTimeout     time.Duration
}

func DefaultHttpSettings() *HttpSettings {
	return &HttpSettings{
		RequestTimeout: 60 * time.Second,
		ConnectTimeout: 5 * time.Second,
		TlsTimeout:     5 * time.Second,
	}
}

// a client with bounded dial, handshake and request times. `http.DefaultClient` has none.
func newHttpClient(settings *HttpSettings) *http.Client {
	dialer := &net.Dialer{
		Timeout: settings.ConnectTimeout,
	}
	return &http.Client{
		Transport: &http.Transport{
			DialContext:         dialer.DialContext,
			TLSHandshakeTimeout: settings.TlsTimeout,
		},
		Timeout: settings.RequestTimeout,
	}
}

// gets a plain text body. Non-200 responses are errors carrying the trimmed body.
func getText(ctx context.Context, client *http.Client, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return "", err
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	bodyBytes, readErr := io.ReadAll(resp.Body)
	body := strings.TrimSpace(string(bodyBytes))
	status := fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	switch {
	case resp.StatusCode != http.StatusOK && body == "":
		return "", errors.New(status)
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("%s: %w", status, errors.New(body))
	case readErr != nil:
		return "", readErr
	}
	return body, nil
}

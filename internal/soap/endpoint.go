package soap

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/boscod/punchsync/internal/models"
)

const (
	ServicePath = "/WebAPIService.asmx"
	DefaultPort = 80
)

var ErrEmptyAddress = errors.New("device address is empty")

// Endpoint returns the WebAPIService URL for the device. An address stored
// with a scheme keeps its scheme, host, port and path; a bare host is served
// over http on the device port (default 80).
func Endpoint(device *models.Device) (string, error) {
	addr := strings.TrimSpace(device.Address)
	if addr == "" {
		return "", ErrEmptyAddress
	}

	if HasScheme(addr) {
		u, err := url.Parse(addr)
		if err != nil {
			return "", fmt.Errorf("invalid device address %q: %w", addr, err)
		}
		if u.Host == "" {
			return "", fmt.Errorf("invalid device address %q: missing host", addr)
		}
		if u.Port() == "" && device.Port != nil {
			u.Host = net.JoinHostPort(u.Hostname(), strconv.Itoa(*device.Port))
		}
		if u.Path == "" || u.Path == "/" {
			u.Path = ServicePath
		}
		return u.String(), nil
	}

	host, port := splitBareAddress(addr)
	if device.Port != nil {
		port = *device.Port
	}
	if port == 0 {
		port = DefaultPort
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(port)) + ServicePath, nil
}

// DialAddress returns the host:port used for TCP reachability checks.
func DialAddress(device *models.Device) (string, error) {
	addr := strings.TrimSpace(device.Address)
	if addr == "" {
		return "", ErrEmptyAddress
	}

	if HasScheme(addr) {
		u, err := url.Parse(addr)
		if err != nil {
			return "", fmt.Errorf("invalid device address %q: %w", addr, err)
		}
		port := u.Port()
		switch {
		case port != "":
		case device.Port != nil:
			port = strconv.Itoa(*device.Port)
		case u.Scheme == "https":
			port = "443"
		default:
			port = strconv.Itoa(DefaultPort)
		}
		return net.JoinHostPort(u.Hostname(), port), nil
	}

	host, port := splitBareAddress(addr)
	if device.Port != nil {
		port = *device.Port
	}
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

func HasScheme(addr string) bool {
	return strings.Contains(addr, "://")
}

// SplitHostPort splits "host:port" (or "[v6]:port"). ok is false when the
// address carries no usable port.
func SplitHostPort(addr string) (host string, port int, ok bool) {
	h, p, err := net.SplitHostPort(addr)
	if err != nil || p == "" {
		return addr, 0, false
	}
	n, err := strconv.Atoi(p)
	if err != nil {
		return addr, 0, false
	}
	return h, n, true
}

func splitBareAddress(addr string) (string, int) {
	addr = strings.TrimSuffix(addr, "/")
	if host, port, ok := SplitHostPort(addr); ok {
		return host, port
	}
	return strings.Trim(addr, "[]"), 0
}

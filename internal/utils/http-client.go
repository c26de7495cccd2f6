package utils

import (
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"
)

type HTTPClientConfig struct {
	Timeout        time.Duration // connect + response header timeout
	KATimeout      time.Duration
	ProxyURL       string
	ProxyUsername  string
	ProxyPassword  string
	UserAgent      string
	Headers        map[string]string // forwarded verbatim on every request
	Cookies        map[string]string // forwarded verbatim as Cookie pairs
	HighThreadMode bool              // advanced socket options for high concurrency
}

// IsZero reports whether no option is set at all, so callers can fall
// back to a shared configuration.
func (c HTTPClientConfig) IsZero() bool {
	return c.Timeout == 0 && c.KATimeout == 0 && c.ProxyURL == "" &&
		c.ProxyUsername == "" && c.ProxyPassword == "" && c.UserAgent == "" &&
		len(c.Headers) == 0 && len(c.Cookies) == 0 && !c.HighThreadMode
}

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
	SetHeader(key, value string)
}

// HTTPClient wraps http.Client with proxy, header and cookie forwarding.
// Bodies of long downloads are read without an overall deadline; stalls are
// bounded by the engine's per-attempt watchdog instead.
type HTTPClient struct {
	client *http.Client
	config HTTPClientConfig
}

func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.KATimeout == 0 {
		cfg.KATimeout = 60 * time.Second
	}
	transport := &http.Transport{
		IdleConnTimeout:       cfg.KATimeout,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		DisableCompression:    true,
		MaxConnsPerHost:       0,
		ResponseHeaderTimeout: cfg.Timeout,
	}
	if cfg.HighThreadMode {
		transport.DialContext = (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
			Control: func(network, address string, c syscall.RawConn) error {
				return c.Control(func(fd uintptr) {
					setSocketOptions(fd)
				})
			},
		}).DialContext
	}
	if cfg.ProxyURL != "" {
		proxyURL, err := url.Parse(cfg.ProxyURL)
		if err == nil {
			if cfg.ProxyUsername != "" {
				if cfg.ProxyPassword != "" {
					proxyURL.User = url.UserPassword(cfg.ProxyUsername, cfg.ProxyPassword)
				} else {
					proxyURL.User = url.User(cfg.ProxyUsername)
				}
			}
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}
	return &HTTPClient{
		client: &http.Client{
			Transport: transport,
		},
		config: cfg,
	}
}

func (h *HTTPClient) SetHeader(key, value string) {
	if h.config.Headers == nil {
		h.config.Headers = make(map[string]string)
	}
	h.config.Headers[key] = value
}

func (h *HTTPClient) Do(req *http.Request) (*http.Response, error) {
	if h.config.UserAgent != "" {
		req.Header.Set("User-Agent", h.config.UserAgent)
	} else {
		req.Header.Set("User-Agent", ToolUserAgent)
	}
	for k, v := range h.config.Headers {
		req.Header.Set(k, v)
	}
	for k, v := range h.config.Cookies {
		req.AddCookie(&http.Cookie{Name: k, Value: v})
	}
	return h.client.Do(req)
}

package dispatcher

import (
	"net"
	"net/http"
	"time"
)

// Config bounds the forward to an engine.
type Config struct {
	// Timeout caps the whole forward including the response body. Zero disables it.
	Timeout               time.Duration `mapstructure:"timeout"`
	ResponseHeaderTimeout time.Duration `mapstructure:"response_header_timeout"`
	DialTimeout           time.Duration `mapstructure:"dial_timeout"`
	IdleConnTimeout       time.Duration `mapstructure:"idle_conn_timeout"`
	MaxIdleConnsPerHost   int           `mapstructure:"max_idle_conns_per_host"`
	// FlushInterval is passed to the reverse proxy; negative flushes after every write.
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	// SetXForwarded adds X-Forwarded-For, -Host and -Proto to outbound requests.
	SetXForwarded bool `mapstructure:"set_x_forwarded"`
}

// NewTransport returns the pooled transport used to reach the engines.
// Engines speak plain HTTP/1.1, and environment proxies are ignored.
func NewTransport(cfg Config) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          0,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout: time.Second,
	}
}

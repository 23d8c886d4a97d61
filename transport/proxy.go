package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// ErrUnsupportedProxy is returned for proxy types other than socks5 and http.
var ErrUnsupportedProxy = errors.New("unsupported proxy type")

// ProxyConfig routes outbound chat and file connections through a proxy.
type ProxyConfig struct {
	Type     string // "socks5" or "http"
	Host     string
	Port     uint16
	Username string
	Password string
}

// NewProxyDialer builds a dialer for Config.Dialer from cfg.
func NewProxyDialer(cfg ProxyConfig) (proxy.ContextDialer, error) {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(int(cfg.Port)))

	logrus.WithFields(logrus.Fields{
		"function":   "NewProxyDialer",
		"proxy_type": cfg.Type,
		"proxy_addr": addr,
	}).Info("Creating proxy dialer")

	switch cfg.Type {
	case "socks5":
		var auth *proxy.Auth
		if cfg.Username != "" || cfg.Password != "" {
			auth = &proxy.Auth{User: cfg.Username, Password: cfg.Password}
		}
		d, err := proxy.SOCKS5("tcp", addr, auth, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("create SOCKS5 dialer: %w", err)
		}
		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("%w: SOCKS5 dialer lacks DialContext", ErrUnsupportedProxy)
		}
		return cd, nil

	case "http":
		u := &url.URL{Scheme: "http", Host: addr}
		if cfg.Username != "" {
			u.User = url.UserPassword(cfg.Username, cfg.Password)
		}
		return &httpConnectDialer{proxyURL: u, forward: proxy.Direct}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProxy, cfg.Type)
	}
}

// httpConnectDialer tunnels TCP through an HTTP CONNECT proxy.
type httpConnectDialer struct {
	proxyURL *url.URL
	forward  proxy.ContextDialer
}

func (d *httpConnectDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if network != "tcp" {
		return nil, fmt.Errorf("HTTP CONNECT proxy only supports tcp, got %s", network)
	}

	conn, err := d.forward.DialContext(ctx, "tcp", d.proxyURL.Host)
	if err != nil {
		return nil, fmt.Errorf("connect to proxy: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(DefaultDialTimeout))
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if d.proxyURL.User != nil {
		password, _ := d.proxyURL.User.Password()
		req.SetBasicAuth(d.proxyURL.User.Username(), password)
	}
	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write CONNECT request: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("proxy returned %s", resp.Status)
	}
	conn.SetDeadline(time.Time{})

	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

// bufferedConn hands out bytes the CONNECT response reader already pulled
// off the wire before reading from the connection again.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

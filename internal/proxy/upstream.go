package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tapehub/tapehub/internal/replay"
	"github.com/tapehub/tapehub/internal/server"
)

// Upstream 是录制阶段的 Proxy 协作者：把缓冲好的请求转发到 Target 的真实上游，
// 并完整读取响应供 Recorder 写盘。
type Upstream struct {
	client     *http.Client
	base       *url.URL
	listenPort int
}

// NewUpstream 基于共享 http.Client 与 TargetRoute 构建转发器。
func NewUpstream(client *http.Client, route *server.TargetRoute) *Upstream {
	if client == nil {
		client = server.NewUpstreamClient(nil)
	}
	return &Upstream{
		client:     withProxy(client, route.ProxyURL),
		base:       route.UpstreamURL,
		listenPort: route.ListenPort,
	}
}

// withProxy 为配置了 Proxy 的 Target 复制一份独立 Transport，其余 Target 继续共享连接池。
func withProxy(client *http.Client, proxyURL *url.URL) *http.Client {
	if proxyURL == nil {
		return client
	}
	transport := &http.Transport{}
	if base, ok := client.Transport.(*http.Transport); ok && base != nil {
		transport = base.Clone()
	}
	transport.Proxy = http.ProxyURL(proxyURL)
	proxied := *client
	proxied.Transport = transport
	return &proxied
}

// Forward 实现 replay.Forwarder。
func (u *Upstream) Forward(ctx context.Context, req replay.Request) (*replay.Response, error) {
	upstreamURL, err := u.resolve(req.URI)
	if err != nil {
		return nil, err
	}

	httpReq, err := u.buildRequest(ctx, upstreamURL, req)
	if err != nil {
		return nil, err
	}

	resp, err := u.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	header := http.Header{}
	server.CopyHeaders(header, resp.Header)
	// 回放时按实际正文重新计算长度。
	header.Del("Content-Length")

	return &replay.Response{
		Status: resp.StatusCode,
		Header: header,
		Body:   body,
		URL:    upstreamURL.String(),
	}, nil
}

// resolve 将原始请求 URI 原样拼接到上游地址之后，保留编码与参数顺序。
func (u *Upstream) resolve(rawURI string) (*url.URL, error) {
	if u.base == nil {
		return nil, fmt.Errorf("upstream url is not configured")
	}
	if !strings.HasPrefix(rawURI, "/") {
		rawURI = "/" + rawURI
	}
	target := strings.TrimSuffix(u.base.String(), "/") + rawURI
	parsed, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream url %q: %w", target, err)
	}
	return parsed, nil
}

func (u *Upstream) buildRequest(ctx context.Context, upstream *url.URL, req replay.Request) (*http.Request, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, upstream.String(), body)
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(httpReq.Header, req.Header)
	httpReq.Header.Del("Accept-Encoding")
	httpReq.Header.Del("Content-Length")
	httpReq.ContentLength = int64(len(req.Body))
	httpReq.Host = upstream.Host
	httpReq.Header.Set("Host", upstream.Host)
	if req.Host != "" {
		httpReq.Header.Set("X-Forwarded-Host", req.Host)
	}
	if req.ClientIP != "" {
		if prior := httpReq.Header.Get("X-Forwarded-For"); prior != "" {
			httpReq.Header.Set("X-Forwarded-For", prior+", "+req.ClientIP)
		} else {
			httpReq.Header.Set("X-Forwarded-For", req.ClientIP)
		}
	}
	if req.Scheme != "" {
		httpReq.Header.Set("X-Forwarded-Proto", req.Scheme)
	}
	httpReq.Header.Set("X-Forwarded-Port", u.port())

	return httpReq, nil
}

func (u *Upstream) port() string {
	if u.listenPort <= 0 {
		return "0"
	}
	return fmt.Sprintf("%d", u.listenPort)
}

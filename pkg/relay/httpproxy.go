package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/kulfi-go/kulfi/pkg/broker"
	"github.com/kulfi-go/kulfi/pkg/httppool"
	"github.com/kulfi-go/kulfi/pkg/ovproto"
)

// connectExtra and httpExtra build the HttpProxy header's Extra payload for
// the two ProxyData variants ovproto.ParseProxyData understands.
func connectExtra(addr string) (string, error) {
	var payload ovproto.ConnectProxyData
	payload.Connect.Addr = addr
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("relay: encode connect proxy data: %w", err)
	}
	return string(b), nil
}

func httpExtra(addr string) (string, error) {
	var payload ovproto.HTTPProxyData
	payload.HTTP.Addr = addr
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("relay: encode http proxy data: %w", err)
	}
	return string(b), nil
}

// DialConnectProxy opens a raw byte tunnel to targetAddr through peerID52,
// for a local client's CONNECT request: once the stream is open the caller
// is expected to answer the client with "200 Connection Established" and
// splice the two via PipeTCP.
func DialConnectProxy(ctx context.Context, b *broker.StreamBroker, peerID52, targetAddr string) (*broker.Stream, error) {
	extra, err := connectExtra(targetAddr)
	if err != nil {
		return nil, err
	}
	return b.GetStream(ctx, ovproto.Header{Protocol: ovproto.TagHTTPProxy, Extra: extra}, peerID52)
}

// ProxyHTTPRequest relays req to targetAddr through peerID52 using the
// HttpProxy tag's Http variant: the peer, not this side, resolves and dials
// targetAddr, which is how a forward proxy's destination selection is
// delegated to the exit node.
func ProxyHTTPRequest(ctx context.Context, b *broker.StreamBroker, peerID52, targetAddr string, req *http.Request) (*http.Response, error) {
	extra, err := httpExtra(targetAddr)
	if err != nil {
		return nil, err
	}
	stream, err := b.GetStream(ctx, ovproto.Header{Protocol: ovproto.TagHTTPProxy, Extra: extra}, peerID52)
	if err != nil {
		return nil, err
	}

	envelope := ovproto.HTTPRequestEnvelope{
		URI:     req.URL.String(),
		Method:  req.Method,
		Headers: headerEntriesFromHTTP(req.Header),
	}
	line, err := jsonLine(envelope)
	if err != nil {
		return nil, fmt.Errorf("relay: encode proxy request envelope: %w", err)
	}
	if _, err := stream.Quic.Write(line); err != nil {
		return nil, fmt.Errorf("relay: write proxy request envelope: %w", err)
	}
	if req.Body != nil {
		defer func() { _ = req.Body.Close() }()
		if _, err := io.Copy(stream.Quic, req.Body); err != nil {
			return nil, fmt.Errorf("relay: stream proxy request body: %w", err)
		}
	}
	if err := closeSend(stream.Quic); err != nil {
		return nil, err
	}

	respLine, err := stream.Frame.ReadLine()
	if err != nil {
		return nil, fmt.Errorf("relay: read proxy response envelope: %w", err)
	}
	var respEnv ovproto.HTTPResponseEnvelope
	if err := unmarshalLine(respLine, &respEnv); err != nil {
		return nil, fmt.Errorf("relay: parse proxy response envelope: %w", err)
	}

	return &http.Response{
		StatusCode: respEnv.Status,
		Status:     fmt.Sprintf("%d %s", respEnv.Status, http.StatusText(respEnv.Status)),
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     httpHeaderFromEntries(respEnv.Headers),
		Body:       io.NopCloser(stream.Frame.IntoReader()),
	}, nil
}

// ServeProxyStream is the exit-node side of the HttpProxy tag: it reads the
// header's Extra field (already decoded by the Acceptor before dispatch),
// and either splices a raw TCP tunnel (Connect) or relays one HTTP request
// to a pooled connection (Http), writing the response envelope back onto
// streamSend.
func ServeProxyStream(ctx context.Context, header ovproto.Header, streamSend streamReadWriteCloser, frame *ovproto.FrameReader, pool *httppool.Manager, dialer net.Dialer) error {
	kind, addr, err := ovproto.ParseProxyData(header.Extra)
	if err != nil {
		return err
	}

	switch kind {
	case ovproto.ProxyKindConnect:
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return fmt.Errorf("relay: connect proxy dial %s: %w", addr, err)
		}
		return PipeTCP(conn, streamSend, frame.IntoReader())

	case ovproto.ProxyKindHTTP:
		return PeerToLocal(streamSend, frame, pool, addr)

	default:
		return fmt.Errorf("relay: unknown proxy kind for extra %q", header.Extra)
	}
}

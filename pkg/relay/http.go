package relay

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/kulfi-go/kulfi/pkg/broker"
	"github.com/kulfi-go/kulfi/pkg/httppool"
	"github.com/kulfi-go/kulfi/pkg/ovproto"
)

const httpBodyChunkSize = 64 * 1024

// headerEntriesFromHTTP flattens an http.Header into the wire's
// [(name, bytes)] tuple list.
func headerEntriesFromHTTP(h http.Header) []ovproto.HeaderEntry {
	var entries []ovproto.HeaderEntry
	for name, values := range h {
		for _, v := range values {
			entries = append(entries, ovproto.HeaderEntry{Name: name, Value: []byte(v)})
		}
	}
	return entries
}

func httpHeaderFromEntries(entries []ovproto.HeaderEntry) http.Header {
	h := make(http.Header, len(entries))
	for _, e := range entries {
		h.Add(e.Name, string(e.Value))
	}
	return h
}

// LocalToPeer implements http_to_peer: takes a received HTTP request
// (already read by the caller's local listener) and relays it to peerID52
// tagged Http, returning the reconstructed response.
func LocalToPeer(ctx context.Context, b *broker.StreamBroker, peerID52 string, req *http.Request) (*http.Response, error) {
	stream, err := b.GetStream(ctx, ovproto.Header{Protocol: ovproto.TagHTTP}, peerID52)
	if err != nil {
		return nil, err
	}

	envelope := ovproto.HTTPRequestEnvelope{
		URI:     req.URL.RequestURI(),
		Method:  req.Method,
		Headers: headerEntriesFromHTTP(req.Header),
	}
	line, err := jsonLine(envelope)
	if err != nil {
		return nil, fmt.Errorf("relay: encode request envelope: %w", err)
	}
	if _, err := stream.Quic.Write(line); err != nil {
		return nil, fmt.Errorf("relay: write request envelope: %w", err)
	}

	if req.Body != nil {
		defer func() { _ = req.Body.Close() }()
		if _, err := io.Copy(stream.Quic, req.Body); err != nil {
			return nil, fmt.Errorf("relay: stream request body: %w", err)
		}
	}
	if err := closeSend(stream.Quic); err != nil {
		return nil, err
	}

	respLine, err := stream.Frame.ReadLine()
	if err != nil {
		return nil, fmt.Errorf("relay: read response envelope: %w", err)
	}
	var respEnv ovproto.HTTPResponseEnvelope
	if err := unmarshalLine(respLine, &respEnv); err != nil {
		return nil, fmt.Errorf("relay: parse response envelope: %w", err)
	}

	body := stream.Frame.IntoReader()
	resp := &http.Response{
		StatusCode: respEnv.Status,
		Status:     fmt.Sprintf("%d %s", respEnv.Status, http.StatusText(respEnv.Status)),
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     httpHeaderFromEntries(respEnv.Headers),
		Body:       io.NopCloser(body),
	}
	return resp, nil
}

// PeerToLocal implements peer_to_http: reads the request envelope already
// positioned at by the Acceptor's header dispatch, forwards it to a
// pooled connection at localAddr, and streams the response envelope plus
// body back onto the overlay stream.
func PeerToLocal(streamSend io.Writer, frame *ovproto.FrameReader, pool *httppool.Manager, localAddr string) error {
	line, err := frame.ReadLine()
	if err != nil {
		return fmt.Errorf("relay: read request envelope: %w", err)
	}
	var env ovproto.HTTPRequestEnvelope
	if err := unmarshalLine(line, &env); err != nil {
		return fmt.Errorf("relay: parse request envelope: %w", err)
	}

	req, err := http.NewRequest(env.Method, env.URI, io.NopCloser(frame.IntoReader()))
	if err != nil {
		return fmt.Errorf("relay: build local request: %w", err)
	}
	req.Header = httpHeaderFromEntries(env.Headers)
	req.Host = localAddr

	lease, err := pool.Lease(req.Context(), localAddr)
	if err != nil {
		return writeErrorResponse(streamSend, 502, fmt.Sprintf("local service unreachable: %v", err))
	}

	if err := req.Write(lease.Conn()); err != nil {
		lease.Discard()
		return writeErrorResponse(streamSend, 502, fmt.Sprintf("local service write failed: %v", err))
	}

	resp, err := lease.ReadResponse(req)
	if err != nil {
		lease.Discard()
		return writeErrorResponse(streamSend, 502, fmt.Sprintf("local service response failed: %v", err))
	}
	defer func() { _ = resp.Body.Close() }()

	respEnv := ovproto.HTTPResponseEnvelope{
		Status:  resp.StatusCode,
		Headers: headerEntriesFromHTTP(resp.Header),
	}
	respLine, err := jsonLine(respEnv)
	if err != nil {
		lease.Discard()
		return fmt.Errorf("relay: encode response envelope: %w", err)
	}
	if _, err := streamSend.Write(respLine); err != nil {
		lease.Discard()
		return fmt.Errorf("relay: write response envelope: %w", err)
	}

	buf := make([]byte, httpBodyChunkSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := streamSend.Write(buf[:n]); werr != nil {
				lease.Discard()
				return fmt.Errorf("relay: stream response body: %w", werr)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			lease.Discard()
			return fmt.Errorf("relay: read local response body: %w", rerr)
		}
	}

	lease.Return()
	return nil
}

func writeErrorResponse(w io.Writer, status int, msg string) error {
	env := ovproto.HTTPResponseEnvelope{Status: status}
	line, err := jsonLine(env)
	if err != nil {
		return err
	}
	if _, err := w.Write(line); err != nil {
		return err
	}
	_, err = io.WriteString(w, msg)
	return err
}

// closeSend signals "body done" by closing the stream's write side, where
// supported (Ping/WhatTimeIsIt never reach here, so every caller's
// streamSend is a *quic.Stream, which implements this).
func closeSend(w io.Writer) error {
	if c, ok := w.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

func jsonLine(v any) ([]byte, error) {
	b, err := marshalCompact(v)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

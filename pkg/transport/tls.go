package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	utls "github.com/refraction-networking/utls"

	"stealthscrape/pkg/antidetect"
	errs "stealthscrape/pkg/errors"
	"stealthscrape/pkg/proxy"
)

// helloID maps a fingerprint TLS profile to a uTLS ClientHello. The empty
// profile means the standard library handshake.
func helloID(profile string) (utls.ClientHelloID, bool) {
	switch strings.ToLower(profile) {
	case antidetect.TLSProfileChrome:
		return utls.HelloChrome_Auto, true
	case antidetect.TLSProfileFirefox:
		return utls.HelloFirefox_Auto, true
	case antidetect.TLSProfileSafari:
		return utls.HelloSafari_Auto, true
	case antidetect.TLSProfileEdge:
		return utls.HelloEdge_Auto, true
	case antidetect.TLSProfileIOS:
		return utls.HelloIOS_Auto, true
	case antidetect.TLSProfileRandomized:
		return utls.HelloRandomizedNoALPN, true
	default:
		return utls.ClientHelloID{}, false
	}
}

// utlsHandshake runs a fingerprinted handshake over conn. ALPN is pinned to
// http/1.1 because the connection is handed to net/http's HTTP/1 client.
func utlsHandshake(ctx context.Context, conn net.Conn, serverName string, id utls.ClientHelloID, insecure bool) (net.Conn, error) {
	cfg := &utls.Config{ServerName: serverName, InsecureSkipVerify: insecure}

	var uconn *utls.UConn
	if id == utls.HelloRandomizedNoALPN {
		uconn = utls.UClient(conn, cfg, id)
	} else {
		spec, err := utls.UTLSIdToSpec(id)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to build tls spec for %s: %w", id.Str(), err)
		}
		for _, ext := range spec.Extensions {
			if alpn, ok := ext.(*utls.ALPNExtension); ok {
				alpn.AlpnProtocols = []string{"http/1.1"}
			}
		}
		uconn = utls.UClient(conn, cfg, utls.HelloCustom)
		if err := uconn.ApplyPreset(&spec); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to apply tls preset: %w", err)
		}
	}

	if err := uconn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return uconn, nil
}

// connectTunnel opens an HTTP CONNECT tunnel to addr through an HTTP(S)
// proxy. Failures are proxy-level errors.
func connectTunnel(ctx context.Context, dialer *net.Dialer, ep proxy.Endpoint, addr string, insecure bool) (net.Conn, error) {
	conn, err := dialer.DialContext(ctx, "tcp", ep.Address())
	if err != nil {
		return nil, errs.Wrap(errs.ErrorTypeProxy, err, "proxy dial failed")
	}

	if ep.Protocol == proxy.ProtocolHTTPS {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: ep.Host, InsecureSkipVerify: insecure})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, errs.Wrap(errs.ErrorTypeProxy, err, "proxy tls handshake failed")
		}
		conn = tlsConn
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
		defer func() { _ = conn.SetDeadline(time.Time{}) }()
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if ep.Username != "" {
		creds := base64.StdEncoding.EncodeToString([]byte(ep.Username + ":" + ep.Password))
		req.Header.Set("Proxy-Authorization", "Basic "+creds)
	}
	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, errs.Wrap(errs.ErrorTypeProxy, err, "failed to send CONNECT")
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		conn.Close()
		return nil, errs.Wrap(errs.ErrorTypeProxy, err, "failed to read CONNECT response")
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, errs.New(errs.ErrorTypeProxy, resp.StatusCode, "proxy refused CONNECT: "+resp.Status)
	}
	return conn, nil
}

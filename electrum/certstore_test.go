package electrum

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// startTLSServer spins up a real self-signed TLS listener on localhost so
// certstore tests exercise actual handshakes instead of mocking *tls.Conn,
// which has no exported constructor.
func startTLSServer(t *testing.T, notBefore, notAfter time.Time) (addr, host string, der []byte) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	require.NoError(t, err)

	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{certDER}, PrivateKey: priv}},
	})
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				_ = c.(*tls.Conn).Handshake()
				time.Sleep(100 * time.Millisecond)
			}(conn)
		}
	}()

	h, _, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	return ln.Addr().String(), h, certDER
}

func dialInsecure(addr string) func(*tls.Config) (*tls.Conn, error) {
	return func(*tls.Config) (*tls.Conn, error) {
		d := &net.Dialer{Timeout: time.Second}
		return tls.DialWithDialer(d, "tcp", addr, &tls.Config{InsecureSkipVerify: true})
	}
}

func dialWithConfig(addr string) func(*tls.Config) (*tls.Conn, error) {
	return func(cfg *tls.Config) (*tls.Conn, error) {
		d := &net.Dialer{Timeout: time.Second}
		return tls.DialWithDialer(d, "tcp", addr, cfg)
	}
}

func tlsAddress(host string, addr string) ServerAddress {
	_, portStr, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(portStr)
	return ServerAddress{Host: host, Port: uint16(port), Protocol: ProtocolTLS}
}

func TestAcquireTLSContextPlainProtocolSkipsTLS(t *testing.T) {
	store, err := NewCertStore(t.TempDir())
	require.NoError(t, err)

	cfg, err := store.AcquireTLSContext(context.Background(), ServerAddress{Host: "x", Port: 1, Protocol: ProtocolPlain}, nil)
	require.NoError(t, err)
	require.Nil(t, cfg)
}

func TestAcquireTLSContextCASignedWritesEmptyPin(t *testing.T) {
	addr, host, _ := startTLSServer(t, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	store, err := NewCertStore(t.TempDir())
	require.NoError(t, err)

	cfg, err := store.AcquireTLSContext(context.Background(), tlsAddress(host, addr), dialInsecure(addr))
	require.NoError(t, err)
	require.NotNil(t, cfg)

	_, pinned := store.Fingerprint(host)
	require.False(t, pinned, "a CA-signed first contact must record an empty pin, not a cert")
}

func TestAcquireTLSContextSelfSignedPinsOnFirstContact(t *testing.T) {
	addr, host, der := startTLSServer(t, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	store, err := NewCertStore(t.TempDir())
	require.NoError(t, err)

	cfg, err := store.AcquireTLSContext(context.Background(), tlsAddress(host, addr), dialWithConfig(addr))
	require.NoError(t, err)
	require.NotNil(t, cfg)
	require.NotNil(t, cfg.VerifyPeerCertificate)
	require.NoError(t, cfg.VerifyPeerCertificate([][]byte{der}, nil))
	require.Error(t, cfg.VerifyPeerCertificate([][]byte{[]byte("not the pinned cert")}, nil))

	fp, ok := store.Fingerprint(host)
	require.True(t, ok)
	require.Equal(t, sha256.Sum256(der), fp)

	// Second contact must read the pin back off disk without a fresh
	// handshake probe, and reach the same VerifyPeerCertificate decision.
	cfg2, err := store.AcquireTLSContext(context.Background(), tlsAddress(host, addr), dialWithConfig(addr))
	require.NoError(t, err)
	require.NoError(t, cfg2.VerifyPeerCertificate([][]byte{der}, nil))
}

func TestPinnedContextRemovesExpiredCertificate(t *testing.T) {
	_, host, der := startTLSServer(t, time.Now().Add(-2*time.Hour), time.Now().Add(-time.Hour))
	store, err := NewCertStore(t.TempDir())
	require.NoError(t, err)

	path := store.path(host)
	pemBytes := pemEncode(der)
	require.NoError(t, os.WriteFile(path, pemBytes, 0o600))

	_, err = store.pinnedContext(ServerAddress{Host: host, Protocol: ProtocolTLS}, path, pemBytes)
	require.Error(t, err)
	var gd *GracefulDisconnect
	require.ErrorAs(t, err, &gd)

	_, statErr := os.Stat(path)
	require.True(t, os.IsNotExist(statErr), "expired pin must be removed")
}

func TestFixPEMNewlineInsertsMissingNewline(t *testing.T) {
	broken := []byte("-----BEGIN CERTIFICATE-----\nAAAA-----END CERTIFICATE-----\n")
	fixed := fixPEMNewline(broken)
	require.Contains(t, string(fixed), "AAAA\n-----END CERTIFICATE-----")
}

func TestWriteAtomicallyIsReadableAfterward(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "host")
	require.NoError(t, writeAtomically(path, []byte("hello")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))

	_, statErr := os.Stat(path + ".tmp")
	require.True(t, os.IsNotExist(statErr), "temp file must not survive a successful rename")
}

func pemEncode(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

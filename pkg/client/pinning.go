package client

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrPinMismatch is returned when no certificate in the server chain
// matches a configured pin
var ErrPinMismatch = errors.New("certificate pin verification failed")

// SPKIHash returns the hex SHA-256 of a certificate's Subject Public Key
// Info, the value expected in Config.Pins.
func SPKIHash(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	return hex.EncodeToString(sum[:])
}

func normalizePins(pins []string) ([]string, error) {
	out := make([]string, 0, len(pins))
	for _, p := range pins {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if len(p) != 64 {
			return nil, fmt.Errorf("pin %q: must be 64 hex characters", p)
		}
		if _, err := hex.DecodeString(p); err != nil {
			return nil, fmt.Errorf("pin %q: %w", p, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// verifyPins accepts the connection when any certificate of any verified
// chain matches a pin. Intermediate and root pins survive leaf rotation.
func verifyPins(pins []string) func([][]byte, [][]*x509.Certificate) error {
	return func(_ [][]byte, chains [][]*x509.Certificate) error {
		if len(chains) == 0 {
			return ErrPinMismatch
		}
		for _, chain := range chains {
			for _, cert := range chain {
				hash := SPKIHash(cert)
				for _, pin := range pins {
					if hash == pin {
						return nil
					}
				}
			}
		}
		return ErrPinMismatch
	}
}

// newTransport builds the transport used when no HTTPClient is supplied.
// Pins only apply to https servers.
func newTransport(cfg Config, pins []string) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.TLSHandshakeTimeout = 5 * time.Second
	t.MaxIdleConns = 10
	t.IdleConnTimeout = 90 * time.Second
	t.TLSClientConfig = &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    cfg.RootCAs,
	}
	if len(pins) > 0 {
		t.TLSClientConfig.VerifyPeerCertificate = verifyPins(pins)
	}
	return t
}

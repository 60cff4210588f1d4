// Copyright 2025 The Homie Proxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package homieproxy

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"strings"
)

// TLSPolicy is the per-request TLS relaxation derived from the
// skip_tls_checks query parameter. The zero value means full
// verification. Policies only ever widen; no token narrows another.
type TLSPolicy struct {
	// SkipVerify disables certificate chain verification.
	SkipVerify bool

	// SkipHostname disables hostname verification but, on its own,
	// still verifies the chain.
	SkipHostname bool

	// WeakCiphers additionally enables legacy/low-strength cipher
	// suites and TLS versions.
	WeakCiphers bool
}

// ParseTLSPolicy interprets the skip_tls_checks parameter value: empty
// means default verification; a truthy literal or "all" disables
// everything; otherwise a comma-separated list of bypass tokens from
// {all, hostname_mismatch, expired_cert, self_signed, cert_authority,
// weak_cipher}. Unknown tokens are ignored.
func ParseTLSPolicy(param string) TLSPolicy {
	var p TLSPolicy
	param = strings.ToLower(strings.TrimSpace(param))
	if param == "" {
		return p
	}
	if param == "true" || param == "1" || param == "yes" {
		p.SkipVerify = true
		p.SkipHostname = true
		return p
	}
	for _, tok := range strings.Split(param, ",") {
		switch strings.TrimSpace(tok) {
		case "all":
			p.SkipVerify = true
			p.SkipHostname = true
		case "expired_cert", "self_signed":
			p.SkipVerify = true
			p.SkipHostname = true
		case "cert_authority":
			p.SkipVerify = true
		case "hostname_mismatch":
			p.SkipHostname = true
		case "weak_cipher":
			p.WeakCiphers = true
		}
	}
	return p
}

// IsZero reports whether the policy keeps default verification.
func (p TLSPolicy) IsZero() bool {
	return p == TLSPolicy{}
}

// Signature is a short stable key for this policy, suitable for keying
// connection pools so that bypassed connections are never shared with
// verified ones.
func (p TLSPolicy) Signature() string {
	return fmt.Sprintf("v%th%tw%t", p.SkipVerify, p.SkipHostname, p.WeakCiphers)
}

// MakeTLSClientConfig returns a tls.Config for an outbound connection
// under this policy, or nil when default verification applies. The config
// is request-scoped; callers must not share it across requests with
// different policies.
func (p TLSPolicy) MakeTLSClientConfig() *tls.Config {
	if p.IsZero() {
		return nil
	}

	cfg := new(tls.Config)

	switch {
	case p.SkipVerify:
		cfg.InsecureSkipVerify = true
	case p.SkipHostname:
		// crypto/tls has no hostname-only bypass, so verification is
		// re-implemented without the name check.
		cfg.InsecureSkipVerify = true
		cfg.VerifyPeerCertificate = verifyChainIgnoringHostname
	}

	if p.WeakCiphers {
		cfg.MinVersion = tls.VersionTLS10
		var suites []uint16
		for _, s := range tls.CipherSuites() {
			suites = append(suites, s.ID)
		}
		for _, s := range tls.InsecureCipherSuites() {
			suites = append(suites, s.ID)
		}
		cfg.CipherSuites = suites
	}

	cfg.NextProtos = []string{"h2", "http/1.1"}

	return cfg
}

// verifyChainIgnoringHostname performs standard chain verification against
// the system roots but skips the hostname check. Used with
// InsecureSkipVerify=true to emulate check_hostname=false semantics.
func verifyChainIgnoringHostname(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return fmt.Errorf("no peer certificates presented")
	}
	certs := make([]*x509.Certificate, 0, len(rawCerts))
	for _, raw := range rawCerts {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return fmt.Errorf("parsing peer certificate: %v", err)
		}
		certs = append(certs, cert)
	}
	opts := x509.VerifyOptions{
		Intermediates: x509.NewCertPool(),
	}
	for _, cert := range certs[1:] {
		opts.Intermediates.AddCert(cert)
	}
	_, err := certs[0].Verify(opts)
	return err
}

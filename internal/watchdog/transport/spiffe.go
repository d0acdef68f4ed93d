package transport

import (
	"context"
	"crypto/tls"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/spiffe/go-spiffe/v2/spiffetls/tlsconfig"
	"github.com/spiffe/go-spiffe/v2/workloadapi"
)

// NewSPIFFEMTLSConfig builds a *tls.Config backed by a SPIFFE Workload API
// X.509 source, for deployments that run pgproxy instances behind a SPIRE
// agent and want peer watchdog connections authenticated by workload
// identity instead of (or alongside) the shared wdAuthKey. Peers must
// present an identity in trustDomain; anything else is rejected at the TLS
// handshake, before a single watchdog frame is read.
//
// The returned closer must be called on shutdown to release the source's
// background SVID rotation goroutine.
func NewSPIFFEMTLSConfig(ctx context.Context, trustDomain string) (*tls.Config, func(), error) {
	source, err := workloadapi.NewX509Source(ctx)
	if err != nil {
		return nil, nil, err
	}

	td, err := spiffeid.TrustDomainFromString(trustDomain)
	if err != nil {
		source.Close()
		return nil, nil, err
	}

	cfg := tlsconfig.MTLSServerConfig(source, source, tlsconfig.AuthorizeMemberOf(td))
	return cfg, func() { _ = source.Close() }, nil
}

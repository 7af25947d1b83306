// Package identity provides SPIFFE/SPIRE workload identity for the mutual
// identity check between a sandbox and its local-transport
// credential-injection proxy socket (SPEC_FULL §11, spec §4.1/§4.5).
package identity

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/spiffe/go-spiffe/v2/spiffetls/tlsconfig"
	"github.com/spiffe/go-spiffe/v2/workloadapi"
)

// SVIDVerifier verifies SPIFFE SVIDs presented by a sandbox or proxy sidecar.
type SVIDVerifier struct {
	source *workloadapi.X509Source
}

// NewSVIDVerifier connects to the local SPIRE agent over socketPath. A
// timeout guards against blocking process startup when no SPIRE agent is
// running; callers should treat a connection failure as "identity
// verification unavailable", not fatal, matching the teacher's graceful
// degrade-when-optional-runtime-absent idiom.
func NewSVIDVerifier(socketPath string) (*SVIDVerifier, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	source, err := workloadapi.NewX509Source(
		ctx,
		workloadapi.WithClientOptions(workloadapi.WithAddr(socketPath)),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to SPIRE agent: %w", err)
	}

	slog.Info("connected to SPIRE agent", "socket_path", socketPath)
	return &SVIDVerifier{source: source}, nil
}

// VerifySVID checks that the workload's current SVID matches spiffeID and
// returns a short fingerprint of its certificate for audit logging.
func (v *SVIDVerifier) VerifySVID(spiffeID string) (uint64, error) {
	id, err := spiffeid.FromString(spiffeID)
	if err != nil {
		return 0, fmt.Errorf("invalid SPIFFE ID: %w", err)
	}

	svid, err := v.source.GetX509SVID()
	if err != nil {
		return 0, fmt.Errorf("get SVID: %w", err)
	}
	if svid.ID.String() != id.String() {
		return 0, fmt.Errorf("SPIFFE ID mismatch: expected %s, got %s", id, svid.ID)
	}

	fingerprint := fingerprintCert(svid.Certificates[0].Raw)
	slog.Debug("verified SPIFFE ID", "spiffe_id", spiffeID, "fingerprint", fingerprint)
	return fingerprint, nil
}

// fingerprintCert returns the first 8 bytes of the certificate's SHA-256
// digest as a uint64, for compact log correlation — not a security check.
func fingerprintCert(certDER []byte) uint64 {
	hash := sha256.Sum256(certDER)
	var result uint64
	for i := 0; i < 8; i++ {
		result = (result << 8) | uint64(hash[i])
	}
	return result
}

// ClientTLSConfig returns a TLS config that authenticates the sandbox's
// local-transport proxy peer via mTLS. It authorizes any valid SVID; the
// peer's trust domain and ID are not checked (the proxy enforces its own
// allow-list separately; this only establishes identity).
func (v *SVIDVerifier) ClientTLSConfig() (*tls.Config, error) {
	return tlsconfig.MTLSClientConfig(v.source, v.source, tlsconfig.AuthorizeAny()), nil
}

// Close releases the underlying workload API connection.
func (v *SVIDVerifier) Close() error { return v.source.Close() }

// SandboxSPIFFEID builds the SPIFFE ID a sandbox presents to its
// credential-injection proxy for the duration of one execution.
func SandboxSPIFFEID(trustDomain, containerID string) string {
	return fmt.Sprintf("spiffe://%s/sandbox/%s", trustDomain, containerID)
}

package broker

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"

	"github.com/forgerun/forgerun/pkg/security"
	"github.com/forgerun/forgerun/pkg/storage"
)

// BootstrapCA loads the broker's certificate authority from store,
// generating and persisting a fresh root on first run. brokerID seeds
// the at-rest encryption key store uses for the root key, so it must
// stay stable across restarts for SaveToStore/LoadFromStore to agree.
// Exported so cmd/forge-broker's cert-issuance subcommands can reuse
// the exact same bootstrap path the listener takes.
func BootstrapCA(store storage.Store, brokerID string) (*security.CertAuthority, error) {
	security.SetBrokerEncryptionKey(security.DeriveKeyFromBrokerID(brokerID))

	ca := security.NewCertAuthority(store)
	if err := ca.LoadFromStore(); err == nil {
		return ca, nil
	}

	if err := ca.Initialize(); err != nil {
		return nil, fmt.Errorf("initializing cluster CA: %w", err)
	}
	if err := ca.SaveToStore(); err != nil {
		return nil, fmt.Errorf("persisting cluster CA: %w", err)
	}
	return ca, nil
}

// serverTLSConfig bootstraps the CA if needed, issues a fresh node
// certificate for the broker on every call, and builds the tls.Config its listener
// accepts connections under. Client certificates are required: unlike
// the teacher's RequestClientCert-then-verify-per-RPC gRPC pattern,
// forgerun's wire protocol has no per-message authorization layer to
// defer that check to, so the handshake itself is the only gate.
func serverTLSConfig(store storage.Store, brokerID string, dnsNames []string, ips []net.IP) (*tls.Config, error) {
	ca, err := BootstrapCA(store, brokerID)
	if err != nil {
		return nil, err
	}

	cert, err := ca.IssueNodeCertificate(brokerID, "broker", dnsNames, ips)
	if err != nil {
		return nil, fmt.Errorf("issuing broker node certificate: %w", err)
	}

	rootCert, err := x509.ParseCertificate(ca.GetRootCACert())
	if err != nil {
		return nil, fmt.Errorf("parsing cluster root certificate: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(rootCert)

	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

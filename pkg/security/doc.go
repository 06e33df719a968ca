/*
Package security provides mutual TLS for broker/worker/client
connections: a certificate authority, certificate issuance and
lifecycle management, and the generic at-rest encryption primitive the
CA uses to protect its own root private key.

# Architecture

	┌─────────────────────────────────────────────────────────┐
	│                 Security Architecture                    │
	└─────┬─────────────────────────┬──────────────────────────┘
	      ▼                         ▼
	┌─────────────┐         ┌────────────────┐
	│      CA      │         │  Certificate    │
	│ (root, 4096) │────────▶│  issuance /     │
	│ 10yr validity│         │  rotation (90d) │
	└──────┬───────┘         └────────────────┘
	       │
	       ▼
	 AES-256-GCM at rest (pkg/security.Encrypt/Decrypt),
	 keyed by DeriveKeyFromBrokerID

## Broker encryption key

The CA's root private key is encrypted at rest with a 32-byte key
derived from the broker's identity via DeriveKeyFromBrokerID, set once
at startup with SetBrokerEncryptionKey. This is the only secret
material forgerun persists — there is no user-facing secrets store;
a JobSpec's environment variables and mounts are the only values a job
ever sees, and those are never written to the broker's disk.

# Usage

	brokerKey := security.DeriveKeyFromBrokerID(brokerID)
	if err := security.SetBrokerEncryptionKey(brokerKey); err != nil {
		log.Fatal(err)
	}

	ca := security.NewCertAuthority(store)
	if !ca.IsInitialized() {
		if err := ca.Initialize(); err != nil {
			log.Fatal(err)
		}
		if err := ca.SaveToStore(); err != nil {
			log.Fatal(err)
		}
	} else {
		if err := ca.LoadFromStore(); err != nil {
			log.Fatal(err)
		}
	}

	workerCert, err := ca.IssueNodeCertificate(workerID, "worker", nil, nil)
	clientCert, err := ca.IssueClientCertificate(clientID)

Certificates are cached in-process (CertAuthority.certCache).
SaveCertToFile and SaveCACertToFile write a node.crt/node.key/ca.crt
directory, and the worker and client load their identity from the
directory they are configured with via LoadCertFromFile and
LoadCACertFromFile, so a restarted worker or client reuses its existing
certificate. GetCertDir and GetCLICertDir compute paths under
~/.forgerun/certs; neither binary uses them.

# Rotation

CertNeedsRotation reports true once less than 30 days remain before
expiry. Nothing in the broker, worker or client calls it; a certificate
is replaced only when IssueNodeCertificate/IssueClientCertificate is
called again.
*/
package security

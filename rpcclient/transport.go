// Package rpcclient implements the fabric's resilient RPC client manager:
// per-service connection pools, a discover-select-lease-invoke-record
// Execute primitive with bounded exponential backoff retry, and a
// background reconciler.
//
// Grounded on frpc/pool.go, frpc/connectionPool.go, frpc/pooledConn.go
// (pool mechanics) and frpc/config.go (transport credential selection).
package rpcclient

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"os"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// TLSFiles names the certificate material needed for an encrypted
// channel. CAFile is optional; when empty the system root pool is used.
type TLSFiles struct {
	CertFile           string
	KeyFile            string
	CAFile             string
	ServerNameOverride string
}

// dialCredentials picks insecure or TLS transport credentials per
// spec.md §4.4's binary rule: TLS iff scheme == "https" AND
// options.EnableTls; otherwise the channel is insecure and the scheme is
// treated as downgraded to http. Grounded on frpc/config.go's
// clientTransportCredentials/clientTLS, narrowed from that file's three-way
// (insecure/one-way/mTLS) choice to the spec's simpler on/off switch,
// using one-way TLS when a CertFile is supplied and plain TLS (system
// roots) otherwise.
func dialCredentials(scheme string, enableTLS bool, files TLSFiles) (grpc.DialOption, error) {
	if scheme != "https" || !enableTLS {
		return grpc.WithTransportCredentials(insecure.NewCredentials()), nil
	}

	if files.CertFile != "" {
		cred, err := credentials.NewClientTLSFromFile(files.CertFile, files.ServerNameOverride)
		if err != nil {
			return nil, err
		}
		return grpc.WithTransportCredentials(cred), nil
	}

	cfg := &tls.Config{ServerName: files.ServerNameOverride}
	if files.CAFile != "" {
		caCert, err := os.ReadFile(files.CAFile)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("rpcclient: failed to append CA certs")
		}
		cfg.RootCAs = pool
	}
	return grpc.WithTransportCredentials(credentials.NewTLS(cfg)), nil
}

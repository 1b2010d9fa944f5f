package runtime

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log"
	"os"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// TLSConfig holds TLS configuration for the host/worker gRPC link.
type TLSConfig struct {
	// Enabled turns on TLS encryption.
	Enabled bool
	// CertFile is the path to the certificate (server cert on the host,
	// client cert for mTLS on a worker).
	CertFile string
	// KeyFile is the path to the private key.
	KeyFile string
	// CAFile is the path to the CA certificate (for mTLS).
	CAFile string
	// ServerName is used for SNI verification on the worker side.
	ServerName string
	// InsecureSkipVerify skips certificate verification (development only).
	// Warning: This logs a security warning. Do not use in production.
	InsecureSkipVerify bool
	// ExternalTLS indicates TLS is handled by a service mesh (Istio, Linkerd,
	// etc.). When true, app-level TLS is disabled entirely since the mesh
	// sidecar handles encryption. This takes precedence over other settings.
	ExternalTLS bool
}

// buildDialOptions creates gRPC dial options based on TLS configuration.
// A nil config dials in plaintext.
func buildDialOptions(cfg *TLSConfig) ([]grpc.DialOption, error) {
	var opts []grpc.DialOption

	// ExternalTLS means TLS is handled by a service mesh sidecar; dial in
	// plaintext since the sidecar handles encryption.
	if cfg != nil && cfg.ExternalTLS {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
		return opts, nil
	}

	if cfg != nil && cfg.Enabled {
		// SECURITY: Prevent InsecureSkipVerify in production environments.
		// Empty/unset ENVIRONMENT is treated as production (fail-safe).
		if cfg.InsecureSkipVerify {
			env := strings.ToLower(os.Getenv("ENVIRONMENT"))
			allowedNonProdEnvs := map[string]bool{
				"development": true,
				"dev":         true,
				"staging":     true,
				"local":       true,
				"test":        true,
			}
			if !allowedNonProdEnvs[env] {
				return nil, fmt.Errorf("SECURITY: InsecureSkipVerify cannot be enabled in production environment (ENVIRONMENT=%q). "+
					"Set ENVIRONMENT to 'development', 'dev', 'staging', 'local', or 'test' to allow insecure TLS", env)
			}

			log.Printf("[Worker] WARNING: TLS certificate verification is disabled (InsecureSkipVerify=true). "+
				"This is a security risk and should NEVER be used in production. "+
				"Connections are vulnerable to man-in-the-middle attacks. "+
				"Current ENVIRONMENT=%s", env)
		}

		tlsCfg := &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.InsecureSkipVerify, // #nosec G402 -- intentionally configurable for dev/test; blocked in production by env check above
		}

		if cfg.ServerName != "" {
			tlsCfg.ServerName = cfg.ServerName
		}

		if cfg.CAFile != "" {
			caData, err := os.ReadFile(cfg.CAFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read CA file: %w", err)
			}
			caPool := x509.NewCertPool()
			if !caPool.AppendCertsFromPEM(caData) {
				return nil, fmt.Errorf("failed to parse CA certificate")
			}
			tlsCfg.RootCAs = caPool
		}

		// Client certificate for mTLS.
		if cfg.CertFile != "" && cfg.KeyFile != "" {
			cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
			if err != nil {
				return nil, fmt.Errorf("failed to load client certificate: %w", err)
			}
			tlsCfg.Certificates = []tls.Certificate{cert}
		}

		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(tlsCfg)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	return opts, nil
}

// buildServerOptions creates gRPC server options based on TLS configuration.
// A nil config serves in plaintext.
func buildServerOptions(cfg *TLSConfig) ([]grpc.ServerOption, error) {
	var opts []grpc.ServerOption

	// ExternalTLS means TLS is handled by a service mesh; no server-side TLS.
	if cfg != nil && cfg.ExternalTLS {
		return opts, nil
	}

	if cfg != nil && cfg.Enabled {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load server certificate: %w", err)
		}

		tlsCfg := &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}

		// Require client certificates when a CA is provided (mTLS).
		if cfg.CAFile != "" {
			caData, err := os.ReadFile(cfg.CAFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read CA file: %w", err)
			}
			caPool := x509.NewCertPool()
			if !caPool.AppendCertsFromPEM(caData) {
				return nil, fmt.Errorf("failed to parse CA certificate")
			}
			tlsCfg.ClientCAs = caPool
			tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
		}

		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsCfg)))
	}

	return opts, nil
}

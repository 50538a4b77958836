package agent

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// agentHostname is the name clients expect in the agent's cert.
// Clients never resolve it: they dial the agent's IP and only use the name for verification.
const agentHostname = "remotecmd-agent"

const certValidity = 7 * 24 * time.Hour

// Certs contains the CA and the leaf certs and keys for configuring mTLS on the client and server.
// This contains the secrets necessary for authz, so handle carefully.
type Certs struct {
	Server Cert
	Client Cert
	CA     Cert
}

type Cert struct {
	X509Cert     *x509.Certificate
	CertPEMBytes []byte
	KeyPEMBytes  []byte

	key crypto.Signer
}

func ClientTLSConfig(caCertPEM, certPEM, keyPEM []byte) (*tls.Config, error) {
	pool, err := certPool(caCertPEM)
	if err != nil {
		return nil, err
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing client key pair: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		RootCAs:      pool,
		ServerName:   agentHostname,
		Certificates: []tls.Certificate{cert},
	}, nil
}

func ServerTLSConfig(caCertPEM, certPEM, keyPEM []byte) (*tls.Config, error) {
	pool, err := certPool(caCertPEM)
	if err != nil {
		return nil, err
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing server key pair: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		Certificates: []tls.Certificate{cert},
	}, nil
}

func certPool(caCertPEM []byte) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCertPEM) {
		return nil, errors.New("no CA certs found in PEM")
	}
	return pool, nil
}

func randomSerial() (*big.Int, error) {
	return rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
}

// issue creates a cert from template, signed by parent. A nil parent makes the cert self-signed.
func issue(template *x509.Certificate, parent *Cert) (*Cert, error) {
	serial, err := randomSerial()
	if err != nil {
		return nil, fmt.Errorf("getting random serial number: %w", err)
	}
	template.SerialNumber = serial
	template.NotBefore = time.Now().Add(-time.Minute)
	template.NotAfter = time.Now().Add(certValidity)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}

	parentCert, parentKey := template, crypto.Signer(key)
	if parent != nil {
		parentCert, parentKey = parent.X509Cert, parent.key
	}
	der, err := x509.CreateCertificate(rand.Reader, template, parentCert, key.Public(), parentKey)
	if err != nil {
		return nil, fmt.Errorf("creating cert: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parsing created cert: %w", err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshaling pkcs8: %w", err)
	}

	return &Cert{
		X509Cert:     cert,
		CertPEMBytes: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEMBytes:  pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}),
		key:          key,
	}, nil
}

// GenerateCerts generates a throwaway CA and a server and client cert signed by it.
func GenerateCerts() (*Certs, error) {
	ca, err := issue(&x509.Certificate{
		Subject:               pkix.Name{CommonName: "remotecmd CA"},
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("building CA cert: %w", err)
	}

	leaf := func(usage x509.ExtKeyUsage) (*Cert, error) {
		return issue(&x509.Certificate{
			Subject:     pkix.Name{CommonName: agentHostname},
			DNSNames:    []string{agentHostname},
			KeyUsage:    x509.KeyUsageDigitalSignature,
			ExtKeyUsage: []x509.ExtKeyUsage{usage},
		}, ca)
	}
	server, err := leaf(x509.ExtKeyUsageServerAuth)
	if err != nil {
		return nil, fmt.Errorf("building server cert: %w", err)
	}
	client, err := leaf(x509.ExtKeyUsageClientAuth)
	if err != nil {
		return nil, fmt.Errorf("building client cert: %w", err)
	}

	return &Certs{
		Server: *server,
		Client: *client,
		CA:     *ca,
	}, nil
}

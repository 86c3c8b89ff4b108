// Package internaltls generates self-signed TLS material for tests and
// single-node setups where provisioning real certificates is not worth it.
package internaltls

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"sync"
	"time"
)

var (
	once       sync.Once
	clientCert *tls.Config
	serverCert *tls.Config
)

// GetClientCert returns a client tls.Config trusting the generated cert.
func GetClientCert() *tls.Config {
	once.Do(generate)
	return clientCert
}

// GetServerCert returns a server tls.Config with the generated cert.
func GetServerCert() *tls.Config {
	once.Do(generate)
	return serverCert
}

func generate() {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{Organization: []string{"txweave"}},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		panic(err)
	}
	leafCert, err := x509.ParseCertificate(certDER)
	if err != nil {
		panic(err)
	}
	serverCert = &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{certDER}, PrivateKey: key, Leaf: leafCert}},
	}
	certPool := x509.NewCertPool()
	certPool.AddCert(leafCert)
	clientCert = &tls.Config{
		RootCAs:    certPool,
		ServerName: "localhost",
	}
}

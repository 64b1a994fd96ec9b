package mitm

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const (
	leafValidity    = 24 * time.Hour
	leafRenewBefore = 1 * time.Hour // regenerate if less than this remaining

	// defaultMaxCerts bounds the cache to a small multiple of the fixed
	// registry hostname set the router ever dispatches to (see
	// interceptor.Router) — a handful of npm/PyPI hosts, not the
	// unbounded ad-serving domain set the teacher's cache was sized for.
	// If a registry ever fronts requests through more edge hostnames
	// than this, the cache evicts rather than growing without limit.
	defaultMaxCerts = 32
)

// cachedCert holds a leaf certificate and its expiry time.
type cachedCert struct {
	cert      *tls.Certificate
	expiresAt time.Time
}

// CertCache generates and caches per-domain leaf certificates signed by a CA.
// Bounded to maxCerts entries; once full, the entry closest to expiry is
// evicted to make room, since it would be the next one regenerated anyway.
type CertCache struct {
	ca       *CA
	maxCerts int
	issued   atomic.Int64

	mu    sync.RWMutex
	certs map[string]*cachedCert
}

// NewCertCache creates a certificate cache backed by the given CA.
func NewCertCache(ca *CA) *CertCache {
	return &CertCache{
		ca:       ca,
		maxCerts: defaultMaxCerts,
		certs:    make(map[string]*cachedCert),
	}
}

// IssuedCount returns the number of leaf certificates generated over the
// lifetime of the cache, including ones since evicted or renewed.
func (c *CertCache) IssuedCount() int64 {
	return c.issued.Load()
}

// GetCert returns a TLS certificate for the given domain, generating and
// caching one if needed. Cached certs are reused until near expiry.
func (c *CertCache) GetCert(domain string) (*tls.Certificate, error) {
	c.mu.RLock()
	if entry, ok := c.certs[domain]; ok {
		if time.Until(entry.expiresAt) > leafRenewBefore {
			c.mu.RUnlock()
			return entry.cert, nil
		}
	}
	c.mu.RUnlock()

	// Generate a new leaf cert (write lock).
	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check under write lock.
	if entry, ok := c.certs[domain]; ok {
		if time.Until(entry.expiresAt) > leafRenewBefore {
			return entry.cert, nil
		}
	}

	cert, expiresAt, err := c.generateLeaf(domain)
	if err != nil {
		return nil, err
	}

	if _, exists := c.certs[domain]; !exists && len(c.certs) >= c.maxCerts {
		c.evictSoonestToExpireLocked()
	}
	c.certs[domain] = &cachedCert{cert: cert, expiresAt: expiresAt}
	c.issued.Add(1)
	return cert, nil
}

// evictSoonestToExpireLocked drops the cache entry nearest expiry. Callers
// must hold c.mu for writing.
func (c *CertCache) evictSoonestToExpireLocked() {
	var oldestDomain string
	var oldestAt time.Time
	for domain, entry := range c.certs {
		if oldestDomain == "" || entry.expiresAt.Before(oldestAt) {
			oldestDomain = domain
			oldestAt = entry.expiresAt
		}
	}
	if oldestDomain != "" {
		delete(c.certs, oldestDomain)
	}
}

// generateLeaf creates a new leaf certificate for the given domain.
func (c *CertCache) generateLeaf(domain string) (*tls.Certificate, time.Time, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("generate leaf key for %s: %w", domain, err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("generate leaf serial for %s: %w", domain, err)
	}

	now := time.Now()
	notAfter := now.Add(leafValidity)

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName: domain,
		},
		DNSNames:    []string{domain},
		NotBefore:   now.Add(-5 * time.Minute), // small backdate for clock skew
		NotAfter:    notAfter,
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, c.ca.Cert, &key.PublicKey, c.ca.Key)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("create leaf certificate for %s: %w", domain, err)
	}

	leafCert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("parse leaf certificate for %s: %w", domain, err)
	}

	tlsCert := &tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  key,
		Leaf:        leafCert,
	}

	return tlsCert, notAfter, nil
}

// Package auth authenticates API callers by bearer token or client
// certificate.
package auth

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rossigee/recordstore/internal/config"
	"github.com/rossigee/recordstore/pkg/types"
	"github.com/sirupsen/logrus"
)

// ErrNoCredentials is returned when neither tokens nor a client CA could be
// loaded.
var ErrNoCredentials = errors.New("no API tokens or client CA configured")

// Validator handles authentication validation
type Validator struct {
	clientCAs      *x509.CertPool
	clientCALoaded bool            // Whether client CA certificates were loaded
	apiTokens      map[string]bool // Simple token validation
}

// NewValidator creates a new authentication validator
func NewValidator(cfg config.AuthConfig) (*Validator, error) {
	validator := &Validator{
		clientCAs: x509.NewCertPool(),
		apiTokens: make(map[string]bool),
	}

	if err := validator.loadClientCAs(cfg.ClientCA); err != nil {
		return nil, fmt.Errorf("failed to load client CAs: %w", err)
	}

	if err := validator.loadAPITokens(cfg.TokensFile); err != nil {
		return nil, fmt.Errorf("failed to load API tokens: %w", err)
	}

	if !validator.clientCALoaded && len(validator.apiTokens) == 0 {
		return nil, ErrNoCredentials
	}

	logrus.WithFields(logrus.Fields{
		"tokens":    len(validator.apiTokens),
		"client_ca": validator.clientCALoaded,
	}).Info("Authentication enabled")

	return validator, nil
}

// loadClientCAs loads client certificate authorities
func (v *Validator) loadClientCAs(caCertPath string) error {
	if caCertPath == "" {
		return nil
	}
	if _, err := os.Stat(caCertPath); os.IsNotExist(err) {
		logrus.WithField("path", caCertPath).Warn("Client CA not found, certificate authentication disabled")
		return nil
	}

	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA cert: %w", err)
	}

	if !v.clientCAs.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA cert")
	}

	v.clientCALoaded = true
	return nil
}

// loadAPITokens loads one token per line. Blank lines and lines starting
// with # are ignored.
func (v *Validator) loadAPITokens(tokenFile string) error {
	if tokenFile == "" {
		return nil
	}
	if _, err := os.Stat(tokenFile); os.IsNotExist(err) {
		logrus.WithField("path", tokenFile).Warn("API tokens file not found, token authentication disabled")
		return nil
	}

	content, err := os.ReadFile(tokenFile)
	if err != nil {
		return fmt.Errorf("failed to read API tokens: %w", err)
	}

	for _, line := range strings.Split(string(content), "\n") {
		token := strings.TrimSpace(line)
		if token != "" && !strings.HasPrefix(token, "#") {
			v.apiTokens[token] = true
		}
	}

	return nil
}

// Middleware returns Gin middleware for authentication
func (v *Validator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if v.validateAPIToken(c) {
			c.Next()
			return
		}

		// The TLS handshake has already verified the chain against the
		// client CA pool.
		if tlsState := c.Request.TLS; tlsState != nil && len(tlsState.VerifiedChains) > 0 {
			c.Next()
			return
		}

		c.AbortWithStatusJSON(http.StatusUnauthorized, types.ErrorResponse{
			Error:   "authentication required",
			Message: "provide valid API token or client certificate",
			Code:    http.StatusUnauthorized,
		})
	}
}

// validateAPIToken validates API token from Authorization or X-API-Token headers
func (v *Validator) validateAPIToken(c *gin.Context) bool {
	authHeader := c.GetHeader("Authorization")

	if token, ok := strings.CutPrefix(authHeader, "Bearer "); ok && token != "" {
		return v.apiTokens[token]
	}

	token := c.GetHeader("X-API-Token")
	if token != "" {
		return v.apiTokens[token]
	}

	return false
}

// TLSConfig returns the server TLS configuration with the key pair from
// certFile and keyFile. Client certificates are verified when offered;
// token callers need not present one.
func (v *Validator) TLSConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server key pair: %w", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if v.clientCALoaded {
		cfg.ClientCAs = v.clientCAs
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
	}
	return cfg, nil
}

// GetClientCAs returns the client CA certificate pool
func (v *Validator) GetClientCAs() *x509.CertPool {
	return v.clientCAs
}

// IsClientCALoaded returns whether client CA certificates were loaded
func (v *Validator) IsClientCALoaded() bool {
	return v.clientCALoaded
}

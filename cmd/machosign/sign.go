package main

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/appsworld/machosign/pkg/cms"
	"github.com/appsworld/machosign/pkg/settings"
	"github.com/appsworld/machosign/pkg/signer"
)

func newSignCmd() *cobra.Command {
	var (
		out             string
		identifier      string
		teamID          string
		entitlementsFile string
		requirementFiles []string
		certFile        string
		keyFile         string
		timestampURL    string
	)

	cmd := &cobra.Command{
		Use:   "sign <path>",
		Short: "sign a thin or fat Mach-O in place of a fresh code signature",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}

			scoped := settings.Scoped{
				Identifier: identifier,
				HasFlags:   false,
			}
			if entitlementsFile != "" {
				b, err := os.ReadFile(entitlementsFile)
				if err != nil {
					return fmt.Errorf("read entitlements: %w", err)
				}
				scoped.Entitlements = string(b)
			}
			for _, rf := range requirementFiles {
				b, err := os.ReadFile(rf)
				if err != nil {
					return fmt.Errorf("read requirement %s: %w", rf, err)
				}
				scoped.Requirements = append(scoped.Requirements, b)
			}

			s := settings.New()
			s.TeamName = teamID
			s.Set(settings.ScopeMain(), scoped)

			req := signer.Request{Settings: s, Path: path}

			if certFile != "" || keyFile != "" {
				cs, err := loadSigner(certFile, keyFile)
				if err != nil {
					return fmt.Errorf("load signer: %w", err)
				}
				req.Signer = cs
				s.SigningKeyConfigured = true
			}
			if timestampURL != "" {
				req.CMS = cms.Options{TimestampURL: timestampURL, HTTPClient: &http.Client{Timeout: 30 * time.Second}}
			}

			signed, err := signer.Sign(context.Background(), data, req)
			if err != nil {
				return fmt.Errorf("sign: %w", err)
			}

			dst := out
			if dst == "" {
				dst = path
			}
			if err := os.WriteFile(dst, signed, 0o755); err != nil {
				return fmt.Errorf("write %s: %w", dst, err)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "output", "o", "", "output path (default: overwrite input)")
	cmd.Flags().StringVar(&identifier, "identifier", "", "signing identifier (falls back to any existing signature's)")
	cmd.Flags().StringVar(&teamID, "team-id", "", "team identifier")
	cmd.Flags().StringVar(&entitlementsFile, "entitlements", "", "path to an entitlements plist")
	cmd.Flags().StringArrayVar(&requirementFiles, "requirement", nil, "path to a compiled requirement blob (repeatable)")
	cmd.Flags().StringVar(&certFile, "cert", "", "PEM certificate chain (leaf first); omit for an ad-hoc signature")
	cmd.Flags().StringVar(&keyFile, "key", "", "PEM private key matching --cert")
	cmd.Flags().StringVar(&timestampURL, "timestamp-url", "", "RFC 3161 time-stamp authority URL")
	return cmd
}

// loadSigner parses a PEM certificate chain and private key into a
// cms.Signer, accepting PKCS#8, PKCS#1 and SEC1 EC key encodings.
func loadSigner(certFile, keyFile string) (*cms.Signer, error) {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return nil, fmt.Errorf("read cert: %w", err)
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}

	var certs []*x509.Certificate
	rest := certPEM
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		c, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse certificate: %w", err)
		}
		certs = append(certs, c)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("no certificate found in %s", certFile)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("no PEM block found in %s", keyFile)
	}
	signingKey, err := parsePrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, err
	}

	s := &cms.Signer{Key: signingKey, Leaf: certs[0]}
	if len(certs) > 1 {
		s.Chain = certs[1:]
	}
	return s, nil
}

func parsePrivateKey(der []byte) (crypto.Signer, error) {
	if k, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		if signer, ok := k.(crypto.Signer); ok {
			return signer, nil
		}
		return nil, fmt.Errorf("PKCS#8 key is not a crypto.Signer")
	}
	if k, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return k, nil
	}
	if k, err := x509.ParseECPrivateKey(der); err == nil {
		return k, nil
	}
	return nil, fmt.Errorf("unrecognized private key encoding")
}

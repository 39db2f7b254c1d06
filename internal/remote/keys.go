package remote

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
)

// loadSigner reads a private key file and tries the parsers in order:
// OpenSSH/PEM via the ssh package, then raw PKCS#8, PKCS#1 RSA and SEC1 EC
// blocks. Key material on disk varies by generator, so a single parser is
// not enough.
func loadSigner(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}

	signer, sshErr := ssh.ParsePrivateKey(data)
	if sshErr == nil {
		return signer, nil
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("parse private key %s: %w", path, sshErr)
	}

	var key any
	var parseErrs []error
	for _, parse := range []func([]byte) (any, error){
		func(b []byte) (any, error) { return x509.ParsePKCS8PrivateKey(b) },
		func(b []byte) (any, error) { return x509.ParsePKCS1PrivateKey(b) },
		func(b []byte) (any, error) { return x509.ParseECPrivateKey(b) },
	} {
		k, err := parse(block.Bytes)
		if err == nil {
			key = k
			break
		}
		parseErrs = append(parseErrs, err)
	}
	if key == nil {
		parseErrs = append([]error{sshErr}, parseErrs...)
		return nil, fmt.Errorf("parse private key %s: %w", path, errors.Join(parseErrs...))
	}

	signer, err = ssh.NewSignerFromKey(key)
	if err != nil {
		return nil, fmt.Errorf("build signer from %s: %w", path, err)
	}
	return signer, nil
}

// Package gitrepo puts code into a pod's workspace: deploy keys, cloning an
// existing repository or scaffolding a template into a fresh one, and the
// declarative config file. It only ever talks to the container, never to the
// pod manager.
package gitrepo

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/pinacle-sh/pinacle/pkg/spec"
	"github.com/pinacle-sh/pinacle/pkg/utils"
)

// GenerateKeyPair creates a fresh ed25519 deploy key for a pod. Generation
// is entirely in-process: the private key only ever leaves through the
// masked file write into the container, so it cannot surface in a command
// log.
func GenerateKeyPair(podID string) (*spec.SSHKeyPair, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, utils.WrapError(err)
	}

	pemBlock, err := ssh.MarshalPrivateKey(privateKey, fmt.Sprintf("pinacle deploy key for pod %s", podID))
	if err != nil {
		return nil, utils.WrapError(err)
	}

	sshPublicKey, err := ssh.NewPublicKey(publicKey)
	if err != nil {
		return nil, utils.WrapError(err)
	}
	authorized := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPublicKey)))

	return &spec.SSHKeyPair{
		PublicKey:   fmt.Sprintf("%s %s", authorized, spec.ContainerName(podID)),
		PrivateKey:  string(pem.EncodeToMemory(pemBlock)),
		Fingerprint: ssh.FingerprintSHA256(sshPublicKey),
	}, nil
}

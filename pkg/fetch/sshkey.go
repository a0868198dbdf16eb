package fetch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/openfroyo/tgworker/pkg/progress"
	"github.com/openfroyo/tgworker/pkg/task"
	"github.com/openfroyo/tgworker/pkg/transports/ssh"
)

const sshOptions = " -o StrictHostKeyChecking=no -o BatchMode=yes -o PasswordAuthentication=no -i "

// ConfigureSSHKey writes the store's private key under baseDir/.ssh and
// returns the GIT_SSH_COMMAND that makes git use it. existing is the
// caller's current GIT_SSH_COMMAND, if any. An empty result with a nil
// error means the key was skipped.
func ConfigureSSHKey(baseDir string, creds *task.Credentials, existing string, log progress.Log) (string, error) {
	if creds == nil || creds.SSHKey == "" {
		return "", nil
	}

	const unsupported = "SSH keys protected by a passphrase are not supported, skipping key configuration"
	if creds.SSHKeyPassphrase != "" {
		log.Warnf(unsupported)
		return "", nil
	}
	if _, err := ssh.ParseSigner([]byte(creds.SSHKey), ""); err != nil {
		if errors.Is(err, ssh.ErrPassphraseProtected) {
			log.Warnf(unsupported)
			return "", nil
		}
		return "", fmt.Errorf("invalid ssh key: %w", err)
	}

	dir := filepath.Join(baseDir, ".ssh")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", task.NewFileCreationError(dir, err)
	}
	keyPath := filepath.Join(dir, "ssh.key")
	// A rerun finds the previous read-only key in place.
	_ = os.Remove(keyPath)
	if err := os.WriteFile(keyPath, []byte(creds.SSHKey), 0o400); err != nil {
		return "", task.NewFileCreationError(keyPath, err)
	}

	command := existing
	if command == "" {
		command = "ssh"
	}
	log.Infof("Configured ssh key for module sources")
	return command + sshOptions + keyPath, nil
}

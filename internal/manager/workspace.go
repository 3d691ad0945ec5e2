package manager

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// credentialsFile is the snapshot filename inside a tenant's workspace.
const credentialsFile = "creds.json"

// SanitizeNumber strips everything but digits from a tenant number.
func SanitizeNumber(number string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, number)
}

// workspacePath returns the tenant's local credential directory.
func (m *Manager) workspacePath(number string) string {
	return filepath.Join(m.cfg.AuthPath, number)
}

func (m *Manager) ensureWorkspace(number string) (string, error) {
	path := m.workspacePath(number)
	if err := os.MkdirAll(path, 0o700); err != nil {
		return "", errors.Wrap(err, "could not create credential workspace")
	}
	return path, nil
}

func (m *Manager) workspaceHasCredentials(number string) bool {
	_, err := os.Stat(filepath.Join(m.workspacePath(number), credentialsFile))
	return err == nil
}

func (m *Manager) writeWorkspaceCredentials(number string, snapshot []byte) error {
	if _, err := m.ensureWorkspace(number); err != nil {
		return err
	}
	err := os.WriteFile(filepath.Join(m.workspacePath(number), credentialsFile), snapshot, 0o600)
	return errors.Wrap(err, "could not write credential snapshot")
}

func (m *Manager) readWorkspaceCredentials(number string) ([]byte, error) {
	snapshot, err := os.ReadFile(filepath.Join(m.workspacePath(number), credentialsFile))
	return snapshot, errors.Wrap(err, "could not read credential snapshot")
}

func (m *Manager) removeWorkspace(number string) {
	if err := os.RemoveAll(m.workspacePath(number)); err != nil {
		m.log.WithError(err).WithField("number", number).Warn("could not remove credential workspace")
	}
}

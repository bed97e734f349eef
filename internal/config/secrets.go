package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const secretService = "chatmerge"

// secretStore holds values that never go into the plain config backend.
type secretStore interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

var errNoSecret = errors.New("secret not found")

// secretsFile is a 0600 JSON file of service -> account -> value, used where
// no OS keychain is available.
type secretsFile string

func (p secretsFile) read() (map[string]map[string]string, error) {
	data, err := os.ReadFile(string(p))
	if err != nil {
		return nil, err
	}
	var secrets map[string]map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", p, err)
	}
	return secrets, nil
}

func (p secretsFile) Get(service, account string) (string, error) {
	secrets, err := p.read()
	if err != nil {
		return "", err
	}
	val, ok := secrets[service][account]
	if !ok {
		return "", errNoSecret
	}
	return val, nil
}

func (p secretsFile) Set(service, account, value string) error {
	secrets, err := p.read()
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if secrets == nil {
		secrets = make(map[string]map[string]string)
	}
	if secrets[service] == nil {
		secrets[service] = make(map[string]string)
	}
	secrets[service][account] = value

	if err := os.MkdirAll(filepath.Dir(string(p)), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(string(p), out, 0o600)
}

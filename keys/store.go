package keys

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// KeyStore keeps Ed25519 identity seeds on the local filesystem, one
// directory per named identity.
//
// EXPERIMENTAL: not part of the stable API.
type KeyStore struct {
	Directory string
}

type KeyEntry struct {
	Name    string
	Address string
}

func GetDefaultDirectory() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".xdao", "capvault", "keys"), nil
}

func CreateKeyStore(directory string) (*KeyStore, error) {
	if directory == "" {
		var err error
		directory, err = GetDefaultDirectory()
		if err != nil {
			return nil, err
		}
	}
	return &KeyStore{Directory: directory}, nil
}

func (ks *KeyStore) seedPath(name string) string {
	return filepath.Join(ks.Directory, name, "identity.key")
}

func checkName(kind, s string) error {
	if s == "" {
		return fmt.Errorf("%s cannot be empty", kind)
	}
	for _, char := range s {
		if (char >= 'a' && char <= 'z') || (char >= 'A' && char <= 'Z') || (char >= '0' && char <= '9') || char == '-' || char == '_' {
			continue
		}
		return fmt.Errorf("invalid character %q in %s", char, kind)
	}
	return nil
}

func CheckKeyName(name string) error { return checkName("identifier", name) }

func CheckLabel(label string) error { return checkName("label", label) }

func ParseSeedHex(seedHex string) ([]byte, error) {
	seedHex = strings.TrimSpace(seedHex)
	seedHex = strings.TrimPrefix(seedHex, "0x")
	data, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, err
	}
	if len(data) != ed25519.SeedSize {
		return nil, fmt.Errorf("expected seed length of %d bytes, got %d", ed25519.SeedSize, len(data))
	}
	return data, nil
}

func (ks *KeyStore) saveSeed(filePath string, seed []byte, overwrite bool) error {
	if len(seed) != ed25519.SeedSize {
		return fmt.Errorf("expected seed length of %d bytes", ed25519.SeedSize)
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0o700); err != nil {
		return err
	}
	flags := os.O_WRONLY | os.O_CREATE
	if overwrite {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_EXCL
	}
	file, err := os.OpenFile(filePath, flags, 0o600)
	if err != nil {
		return err
	}
	defer file.Close()
	if _, err := file.WriteString(hex.EncodeToString(seed) + "\n"); err != nil {
		return err
	}
	return file.Close()
}

func (ks *KeyStore) loadSeed(filePath string) ([]byte, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	return ParseSeedHex(string(data))
}

// Create stores seed under name and returns the identity's address.
func (ks *KeyStore) Create(name string, seed []byte, overwrite bool) (address string, filePath string, err error) {
	if err := CheckKeyName(name); err != nil {
		return "", "", err
	}
	signer, err := NewEd25519Signer(seed)
	if err != nil {
		return "", "", err
	}
	filePath = ks.seedPath(name)
	if err := ks.saveSeed(filePath, seed, overwrite); err != nil {
		return "", "", err
	}
	return signer.Address(), filePath, nil
}

// Derive creates a new identity named label whose seed is derived from the
// identity named from.
func (ks *KeyStore) Derive(from, label string, overwrite bool) (address string, filePath string, err error) {
	if err := CheckKeyName(from); err != nil {
		return "", "", err
	}
	root, err := ks.loadSeed(ks.seedPath(from))
	if err != nil {
		return "", "", err
	}
	seed, err := DeriveSeed(root, label)
	if err != nil {
		return "", "", err
	}
	return ks.Create(label, seed, overwrite)
}

// Signer loads the named identity.
func (ks *KeyStore) Signer(name string) (*Ed25519Signer, error) {
	if err := CheckKeyName(name); err != nil {
		return nil, err
	}
	seed, err := ks.loadSeed(ks.seedPath(name))
	if err != nil {
		return nil, err
	}
	return NewEd25519Signer(seed)
}

func (ks *KeyStore) List() ([]KeyEntry, error) {
	entries, err := os.ReadDir(ks.Directory)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	var result []KeyEntry
	for _, name := range names {
		signer, err := ks.Signer(name)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("identity %q: %w", name, err)
		}
		result = append(result, KeyEntry{Name: name, Address: signer.Address()})
	}
	return result, nil
}

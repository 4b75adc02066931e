// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package engine

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/zalando/go-keyring"

	"github.com/moazbuilds/codemachine/pkg/errors"
)

// keyringService namespaces stored engine credentials.
const keyringService = "codemachine"

// SkipAuth reports whether credential checks are disabled (test mode).
func SkipAuth() bool {
	v := os.Getenv("CODEMACHINE_SKIP_AUTH")
	return v == "1" || v == "true"
}

// ResolveToken finds a credential for an engine, checking in order: the
// given environment variables, the OS keyring, and a token file under the
// codemachine home. Returns the token and where it came from.
func ResolveToken(home, engineID string, envVars []string) (token, source string, err error) {
	for _, name := range envVars {
		if v := os.Getenv(name); v != "" {
			return v, "env:" + name, nil
		}
	}

	if v, kerr := keyring.Get(keyringService, engineID); kerr == nil && v != "" {
		return v, "keyring", nil
	}

	path := tokenPath(home, engineID)
	if data, ferr := os.ReadFile(path); ferr == nil {
		if v := strings.TrimSpace(string(data)); v != "" {
			return v, "file:" + path, nil
		}
	}

	return "", "", &errors.ValidationError{
		Field:      "auth",
		Message:    "no credentials found for engine " + engineID,
		Suggestion: "set " + strings.Join(envVars, " or ") + ", or run the engine's login flow",
	}
}

// StoreToken saves a credential in the OS keyring, falling back to a token
// file when no keyring backend is available.
func StoreToken(home, engineID, token string) error {
	if err := keyring.Set(keyringService, engineID, token); err == nil {
		return nil
	}
	path := tokenPath(home, engineID)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return errors.Wrap(err, "creating auth directory")
	}
	return os.WriteFile(path, []byte(token+"\n"), 0o600)
}

// ClearToken removes a stored credential from keyring and file alike.
func ClearToken(home, engineID string) error {
	kerr := keyring.Delete(keyringService, engineID)
	ferr := os.Remove(tokenPath(home, engineID))
	if kerr != nil && !errors.Is(kerr, keyring.ErrNotFound) && ferr != nil && !os.IsNotExist(ferr) {
		return errors.Wrap(kerr, "clearing credentials")
	}
	return nil
}

func tokenPath(home, engineID string) string {
	return filepath.Join(home, "auth", engineID+".token")
}

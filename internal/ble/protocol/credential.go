package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ErrEmptySSID is returned when a credential carries no network name.
var ErrEmptySSID = errors.New("protocol: credential has empty ssid")

// Credential is a Wi-Fi network name and passphrase written by a central.
type Credential struct {
	SSID     string `json:"ssid"`
	Password string `json:"password"`
}

// String renders the credential with the password masked.
func (c Credential) String() string {
	if c.Password == "" {
		return fmt.Sprintf("ssid=%q password=<none>", c.SSID)
	}
	return fmt.Sprintf("ssid=%q password=<redacted %d chars>", c.SSID, utf8.RuneCountInString(c.Password))
}

// ParseCredential decodes the characteristic value. Accepted forms, tried
// in order:
//
//	{"ssid":"home","password":"secret"}
//	home\nsecret
//	home,secret
//	home
//
// Surrounding whitespace and a trailing NUL are ignored.
func ParseCredential(value []byte) (Credential, error) {
	if !utf8.Valid(value) {
		return Credential{}, errors.New("protocol: credential is not valid UTF-8")
	}
	text := strings.TrimRight(string(value), "\x00")
	text = strings.TrimSpace(text)

	var cred Credential
	switch {
	case strings.HasPrefix(text, "{"):
		if err := json.Unmarshal([]byte(text), &cred); err != nil {
			return Credential{}, fmt.Errorf("protocol: decoding credential JSON: %w", err)
		}
	case strings.Contains(text, "\n"):
		ssid, pass, _ := strings.Cut(text, "\n")
		cred = Credential{SSID: strings.TrimRight(ssid, "\r"), Password: pass}
	case strings.Contains(text, ","):
		ssid, pass, _ := strings.Cut(text, ",")
		cred = Credential{SSID: ssid, Password: pass}
	default:
		cred = Credential{SSID: text}
	}

	if cred.SSID == "" {
		return Credential{}, ErrEmptySSID
	}
	return cred, nil
}

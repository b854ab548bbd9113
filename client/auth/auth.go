// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package auth authenticates chat identities against account names. A JID
// from a trusted chat server carries the account name in its local part,
// either verbatim for simple names or hex encoded for everything else.
package auth

import (
	"encoding/hex"
	"strings"
	"sync"

	"xaya.io/democrit/dem"
)

// JID is a chat address of the form local@server/resource. The resource part
// is optional.
type JID struct {
	Local    string
	Server   string
	Resource string
}

// ParseJID splits a chat address string into its parts.
func ParseJID(s string) (JID, error) {
	var j JID
	if at := strings.Index(s, "@"); at >= 0 {
		j.Local = s[:at]
		s = s[at+1:]
	}
	if slash := strings.Index(s, "/"); slash >= 0 {
		j.Server = s[:slash]
		j.Resource = s[slash+1:]
	} else {
		j.Server = s
	}
	if j.Server == "" {
		return JID{}, dem.NewError(ErrInvalidJID, s)
	}
	return j, nil
}

// Bare returns the address without the resource part.
func (j JID) Bare() string {
	if j.Local == "" {
		return j.Server
	}
	return j.Local + "@" + j.Server
}

// String returns the full address.
func (j JID) String() string {
	if j.Resource == "" {
		return j.Bare()
	}
	return j.Bare() + "/" + j.Resource
}

// Errors returned by this package.
const (
	// ErrInvalidJID means a chat address string could not be parsed.
	ErrInvalidJID = dem.ErrorKind("invalid JID")
	// ErrUntrusted means the JID's server is not in the trusted list.
	ErrUntrusted = dem.ErrorKind("chat server is not trusted")
	// ErrInvalidName means a JID local part does not decode to an account.
	ErrInvalidName = dem.ErrorKind("invalid account name encoding")
)

// encodedPrefix marks hex-encoded local parts.
const encodedPrefix = "x-"

func isSimpleChar(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z')
}

func isSimpleName(s string) bool {
	for i := 0; i < len(s); i++ {
		if !isSimpleChar(s[i]) {
			return false
		}
	}
	return true
}

func isLowerHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') {
			continue
		}
		return false
	}
	return true
}

// EncodeName converts an account name to the JID local part that decodes
// back to it. Simple names encode to themselves, everything else to the hex
// form. The encoding is the unique one accepted by DecodeName.
func EncodeName(account string) string {
	if account != "" && isSimpleName(account) {
		return account
	}
	return encodedPrefix + hex.EncodeToString([]byte(account))
}

// DecodeName converts a JID local part back into an account name. Exactly
// one local part decodes to any given account: simple names must appear
// verbatim, all others hex encoded with lowercase digits.
func DecodeName(local string) (string, bool) {
	// Empty account names have to be hex encoded.
	if local == "" {
		return "", false
	}

	if !strings.HasPrefix(local, encodedPrefix) {
		if !isSimpleName(local) {
			return "", false
		}
		return local, true
	}

	hexPart := local[len(encodedPrefix):]
	if len(hexPart)%2 != 0 || !isLowerHex(hexPart) {
		return "", false
	}
	if hexPart == "" {
		return "", true
	}

	decoded, err := hex.DecodeString(hexPart)
	if err != nil {
		return "", false
	}

	// All-simple names must not be hex encoded, so that no two local parts
	// resolve to the same account.
	if isSimpleName(string(decoded)) {
		return "", false
	}
	return string(decoded), true
}

// Authenticator maps chat identities to account names. Only JIDs from the
// configured trusted servers are accepted; for those, the local part is
// decoded into the account name. The Authenticator also remembers the last
// seen full JID per account so that private messages can be targeted at the
// counterparty's chosen resource.
type Authenticator struct {
	servers map[string]struct{}
	log     dem.Logger

	mtx       sync.Mutex
	knownJIDs map[string]JID
}

// NewAuthenticator creates an Authenticator trusting the given
// comma-separated list of chat servers.
func NewAuthenticator(trustedServers string, log dem.Logger) *Authenticator {
	servers := make(map[string]struct{})
	for _, s := range strings.Split(trustedServers, ",") {
		if s = strings.TrimSpace(s); s != "" {
			servers[s] = struct{}{}
		}
	}
	return &Authenticator{
		servers:   servers,
		log:       log,
		knownJIDs: make(map[string]JID),
	}
}

// Authenticate returns the account name a JID corresponds to. On success,
// the full JID is remembered as the account's last seen address.
func (a *Authenticator) Authenticate(jid JID) (string, error) {
	if _, ok := a.servers[jid.Server]; !ok {
		return "", dem.NewError(ErrUntrusted, jid.String())
	}
	account, ok := DecodeName(jid.Local)
	if !ok {
		return "", dem.NewError(ErrInvalidName, jid.String())
	}

	a.log.Tracef("JID for account %s: %s", account, jid)
	a.mtx.Lock()
	a.knownJIDs[account] = jid
	a.mtx.Unlock()
	return account, nil
}

// LookupJID returns the last seen full JID of the account, if any.
func (a *Authenticator) LookupJID(account string) (JID, bool) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	jid, ok := a.knownJIDs[account]
	return jid, ok
}

// Package auth implements the authentication surfaces the session worker
// and watchdog transport delegate to: backend MD5/SCRAM authentication for
// fresh pool connections, and the watchdog peer handshake's shared-key hash.
package auth

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// HashMD5Password reproduces PostgreSQL's "md5" authentication response:
// md5(md5(password + user) + salt), hex-encoded and prefixed with "md5".
func HashMD5Password(user, password string, salt [4]byte) string {
	inner := md5Hex(password + user)
	outer := md5Hex(inner + string(salt[:]))
	return "md5" + outer
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// ScramSaltedPassword derives the SCRAM-SHA-256 salted password via PBKDF2,
// per RFC 5802 / PostgreSQL's SASL mechanism. iterations is the server's
// advertised iteration count from AuthenticationSASLContinue.
func ScramSaltedPassword(password string, salt []byte, iterations int) []byte {
	return pbkdf2.Key([]byte(password), salt, iterations, sha256.Size, sha256.New)
}

// ScramClientKey derives ClientKey = HMAC(SaltedPassword, "Client Key").
func ScramClientKey(saltedPassword []byte) []byte {
	return hmacSHA256(saltedPassword, []byte("Client Key"))
}

// ScramServerKey derives ServerKey = HMAC(SaltedPassword, "Server Key").
func ScramServerKey(saltedPassword []byte) []byte {
	return hmacSHA256(saltedPassword, []byte("Server Key"))
}

// ScramStoredKey derives StoredKey = H(ClientKey).
func ScramStoredKey(clientKey []byte) []byte {
	sum := sha256.Sum256(clientKey)
	return sum[:]
}

// ScramClientSignature derives ClientSignature = HMAC(StoredKey, AuthMessage).
func ScramClientSignature(storedKey, authMessage []byte) []byte {
	return hmacSHA256(storedKey, authMessage)
}

// ScramClientProof computes ClientProof = ClientKey XOR ClientSignature.
func ScramClientProof(clientKey, clientSignature []byte) []byte {
	proof := make([]byte, len(clientKey))
	for i := range proof {
		proof[i] = clientKey[i] ^ clientSignature[i]
	}
	return proof
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// WatchdogIdentityHash computes the ADD_NODE handshake authentication hash
// per the Design Notes in spec.md §9: SHA-256 over the canonical string
// "state=%d wd_port=%d" concatenated with the shared wdAuthKey. The exact
// canonical-string format matters for interop with already-deployed peers;
// producing a bit-identical string here is what §9 calls out as required
// (or, if peers are all freshly deployed from this implementation, any
// consistent format suffices — this one is adopted verbatim from the
// design notes to keep the option of interop open).
func WatchdogIdentityHash(state int, wdPort int, authKey string) string {
	canonical := fmt.Sprintf("state=%d wd_port=%d", state, wdPort)
	sum := sha256.Sum256([]byte(canonical + authKey))
	return hex.EncodeToString(sum[:])
}

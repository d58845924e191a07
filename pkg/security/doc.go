/*
Package security encrypts credentials the supervisor keeps at rest.

Device records hold vendor portal passwords. When a secret key is
configured the store seals every password with AES-256-GCM before it is
written to disk and opens it again on read:

	sm, err := security.LoadKeyFile("/etc/heliogrid/secret.key")
	sealed, err := sm.Seal("portal-password")  // "enc:v1:<base64(nonce|ciphertext)>"
	plain, err := sm.Open(sealed)

The key is the SHA-256 of a passphrase read from a file or from the
HELIOGRID_SECRET_KEY environment variable. Each Seal uses a fresh random
nonce, so sealing the same password twice yields different values.

Open passes unsealed values through unchanged, which lets an existing
plaintext store be encrypted gradually: each record is sealed the next time
it is written.

The generated worker config.json is not encrypted. Workers need the
plaintext password and that file lives in a directory only the supervisor
and the worker can read.
*/
package security

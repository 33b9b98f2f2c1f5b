// Package seal encrypts small secrets at rest for bankline.
//
// A sealed blob is a PHC-like string:
//
//	$bankline-seal$v=1$m=<mem>,t=<iter>,p=<par>$<salt_b64>$<nonce_b64>$<ciphertext_b64>
//
// The key is derived from a passphrase with Argon2id and the payload is
// encrypted with XChaCha20-Poly1305.
//
// Security notes:
// - Sealed strings are untrusted input on Open and are validated accordingly.
// - Open refuses KDF parameters far above the configured ones.
package seal

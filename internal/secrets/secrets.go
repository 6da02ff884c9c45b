// Package secrets defines the credential-decryption boundary. The
// actual key management lives outside the job core; the core only ever
// sees a Decryptor and the plaintext it returns for the duration of a
// connection.
package secrets

// Decryptor turns a stored opaque credential blob into a plaintext
// secret. Implementations are supplied by the security layer.
type Decryptor interface {
	Decrypt(blob string) (string, error)
}

// Static is a passthrough Decryptor for configurations that store
// credentials unencrypted, and for tests.
type Static struct{}

// Decrypt returns the blob unchanged.
func (Static) Decrypt(blob string) (string, error) { return blob, nil }

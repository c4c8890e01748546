package predictlib

import "context"

// EncryptDeterministicForTest exposes the deterministic sealing path so
// end-to-end tests can build the ciphertexts a fake aggregator serves.
func (l *Library) EncryptDeterministicForTest(ctx context.Context, plaintext string) (ciphertext, iv string, err error) {
	return l.crypto.EncryptDeterministic(ctx, plaintext)
}
